package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

const (
	fetchPath            = "/luban/api/v1/task/list"
	runningPath          = "/luban/api/v1/task/running"
	finishPath           = "/luban/api/v1/task/finish"
	stoppedPath          = "/luban/api/v1/task/stopped"
	timeoutPath          = "/luban/api/v1/task/timeout"
	errorPath            = "/luban/api/v1/task/error"
	invalidPath          = "/luban/api/v1/task/invalid"
	connectionDetectPath = "/luban/api/connection_detect"

	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
)

// StatusError is returned when the control plane answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Version string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the control plane task endpoints.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	userAgent  string
	instanceID string
	logger     *slog.Logger
}

// New creates a client for the control plane at opts.BaseURL.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("parse server url: %q must include scheme and host", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		logger:  logger.With("component", "controlplane"),
	}
	c.userAgent, c.instanceID = describeHost(version)
	return c, nil
}

func describeHost(version string) (userAgent, hostID string) {
	info, err := host.Info()
	if err != nil || info == nil {
		return fmt.Sprintf("taskagent/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH), ""
	}
	return fmt.Sprintf("taskagent/%s (%s; %s %s)", version, info.OS, info.Platform, info.PlatformVersion), info.HostID
}

// CheckNetwork probes the connection detection endpoint.
func (c *Client) CheckNetwork(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, connectionDetectPath, nil, nil)
	if err != nil {
		return fmt.Errorf("detect connection: %w", err)
	}
	c.logger.Info("control plane reachable")
	return nil
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, query, body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if c.instanceID != "" {
		req.Header.Set("X-Client-Instance-ID", c.instanceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncateUTF8(string(data), 256)}
	}
	return data, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
