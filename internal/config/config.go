package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration options for the daemon.
type Config struct {
	ServerURL     string        `yaml:"server_url"`
	FetchInterval time.Duration `yaml:"fetch_interval"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`

	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	Mode      string `yaml:"mode"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	StateDir    string `yaml:"state_dir"`
	JournalKeep int    `yaml:"journal_keep"`

	KickRate        float64       `yaml:"kick_rate"`
	KickBurst       int           `yaml:"kick_burst"`
	ReportRetryBase time.Duration `yaml:"report_retry_base"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`

	// ConfigFile is the YAML file that was loaded, if any.
	ConfigFile string `yaml:"-"`
}

const (
	envPrefix = "TASKAGENT_"

	defaultFetchInterval   = 10 * time.Minute
	defaultHTTPTimeout     = 30 * time.Second
	defaultAddr            = "127.0.0.1:7071"
	defaultMode            = "http"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultJournalKeep     = 200
	defaultKickRate        = 1.0
	defaultKickBurst       = 3
	defaultReportRetryBase = time.Second
	defaultKillGrace       = 5 * time.Second
	defaultShutdownGrace   = 10 * time.Second
)

var validModes = []string{"http", "mcp", "both"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FetchInterval:   defaultFetchInterval,
		HTTPTimeout:     defaultHTTPTimeout,
		Addr:            defaultAddr,
		Mode:            defaultMode,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		JournalKeep:     defaultJournalKeep,
		KickRate:        defaultKickRate,
		KickBurst:       defaultKickBurst,
		ReportRetryBase: defaultReportRetryBase,
		KillGrace:       defaultKillGrace,
		ShutdownGrace:   defaultShutdownGrace,
	}
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvFloat returns the environment variable as float64 or default
func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from args (without the program name).
// Priority: CLI flags > environment (and .env) > YAML file > defaults
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("taskagentd", flag.ContinueOnError)
	var f Config
	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.ServerURL, "server-url", "", "Control plane base URL")
	fs.DurationVar(&f.FetchInterval, "fetch-interval", 0, "Periodic task fetch interval")
	fs.DurationVar(&f.HTTPTimeout, "http-timeout", 0, "Control plane request timeout")
	fs.StringVar(&f.Addr, "addr", "", "Admin HTTP listen address")
	fs.StringVar(&f.AuthToken, "auth-token", "", "Bearer token for the admin API")
	fs.StringVar(&f.Mode, "mode", "", "Run mode (http, mcp, both)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&f.StateDir, "state-dir", "", "Directory for the run journal")
	fs.IntVar(&f.JournalKeep, "journal-keep", 0, "Number of journal rows to retain per task")
	fs.Float64Var(&f.KickRate, "kick-rate", 0, "Allowed fetch kicks per second")
	fs.IntVar(&f.KickBurst, "kick-burst", 0, "Fetch kick burst size")
	fs.DurationVar(&f.ReportRetryBase, "report-retry-base", 0, "Base delay between terminal report retries")
	fs.DurationVar(&f.KillGrace, "kill-grace", 0, "How long cancellation waits for a killed process")
	fs.DurationVar(&f.ShutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if exists (silent fail if not present)
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskagent", ".env"))
	}
	for _, file := range envFiles {
		_ = godotenv.Load(file)
	}

	cfg := Default()
	if configPath == "" {
		configPath = os.Getenv(envPrefix + "CONFIG")
	}
	path, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	applyEnv(cfg)

	// Only flags present on the command line override lower layers.
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "server-url":
			cfg.ServerURL = f.ServerURL
		case "fetch-interval":
			cfg.FetchInterval = f.FetchInterval
		case "http-timeout":
			cfg.HTTPTimeout = f.HTTPTimeout
		case "addr":
			cfg.Addr = f.Addr
		case "auth-token":
			cfg.AuthToken = f.AuthToken
		case "mode":
			cfg.Mode = f.Mode
		case "log-level":
			cfg.LogLevel = f.LogLevel
		case "log-format":
			cfg.LogFormat = f.LogFormat
		case "state-dir":
			cfg.StateDir = f.StateDir
		case "journal-keep":
			cfg.JournalKeep = f.JournalKeep
		case "kick-rate":
			cfg.KickRate = f.KickRate
		case "kick-burst":
			cfg.KickBurst = f.KickBurst
		case "report-retry-base":
			cfg.ReportRetryBase = f.ReportRetryBase
		case "kill-grace":
			cfg.KillGrace = f.KillGrace
		case "shutdown-grace":
			cfg.ShutdownGrace = f.ShutdownGrace
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnvString("SERVER_URL", cfg.ServerURL)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", cfg.FetchInterval)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.Addr = getEnvString("ADDR", cfg.Addr)
	cfg.AuthToken = getEnvString("AUTH_TOKEN", cfg.AuthToken)
	cfg.Mode = getEnvString("MODE", cfg.Mode)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("LOG_FORMAT", cfg.LogFormat)
	cfg.StateDir = getEnvString("STATE_DIR", cfg.StateDir)
	cfg.JournalKeep = getEnvInt("JOURNAL_KEEP", cfg.JournalKeep)
	cfg.KickRate = getEnvFloat("KICK_RATE", cfg.KickRate)
	cfg.KickBurst = getEnvInt("KICK_BURST", cfg.KickBurst)
	cfg.ReportRetryBase = getEnvDuration("REPORT_RETRY_BASE", cfg.ReportRetryBase)
	cfg.KillGrace = getEnvDuration("KILL_GRACE", cfg.KillGrace)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

// resolveConfigFile returns explicit as is, or the first well-known file that exists.
func resolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	for _, candidate := range []string{"taskagent.yaml", "/etc/taskagent/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL)
	}
	valid := false
	for _, m := range validModes {
		if c.Mode == m {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("invalid mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = defaultFetchInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.JournalKeep < 1 {
		c.JournalKeep = defaultJournalKeep
	}
	if c.KickRate <= 0 {
		c.KickRate = defaultKickRate
	}
	if c.KickBurst < 1 {
		c.KickBurst = defaultKickBurst
	}
	if c.ReportRetryBase <= 0 {
		c.ReportRetryBase = defaultReportRetryBase
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskagent")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
