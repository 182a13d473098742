package timer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for expressions the parser rejects.
var ErrInvalidCron = errors.New("invalid cron expression")

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var offsetZone = regexp.MustCompile(`^(?i)(?:GMT|UTC)(?:([+-])(\d{1,2})(?::?(\d{2}))?)?$`)

// ParseCron parses a seconds-resolution cron expression.
//
// Besides the robfig syntax it accepts a seventh year field (only "*" or "?")
// and a trailing timezone field, either an IANA name or a GMT/UTC offset.
func ParseCron(expr string) (cron.Schedule, error) {
	fields, loc, err := splitCron(expr)
	if err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	if loc != nil {
		if spec, ok := schedule.(*cron.SpecSchedule); ok {
			spec.Location = loc
		}
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

func splitCron(expr string) ([]string, *time.Location, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	if strings.HasPrefix(trimmed, "@") || strings.HasPrefix(trimmed, "CRON_TZ=") || strings.HasPrefix(trimmed, "TZ=") {
		return []string{trimmed}, nil, nil
	}

	fields := strings.Fields(trimmed)
	var loc *time.Location
	if len(fields) >= 6 {
		if zone, ok := parseZone(fields[len(fields)-1]); ok {
			loc = zone
			fields = fields[:len(fields)-1]
		}
	}
	if len(fields) == 7 {
		if year := fields[6]; year != "*" && year != "?" {
			return nil, nil, fmt.Errorf("%w: year field %q is not supported", ErrInvalidCron, year)
		}
		fields = fields[:6]
	}
	if len(fields) != 5 && len(fields) != 6 {
		return nil, nil, fmt.Errorf("%w: expected 5 or 6 fields, found %d", ErrInvalidCron, len(fields))
	}
	return fields, loc, nil
}

func parseZone(field string) (*time.Location, bool) {
	if m := offsetZone.FindStringSubmatch(field); m != nil {
		if m[1] == "" {
			return time.UTC, true
		}
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || minutes > 59 {
			return nil, false
		}
		offset := hours*3600 + minutes*60
		if m[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(strings.ToUpper(field), offset), true
	}
	if !strings.ContainsAny(field, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") || field == "Local" {
		return nil, false
	}
	loc, err := time.LoadLocation(field)
	if err != nil {
		return nil, false
	}
	return loc, true
}
