package config

import (
	"fmt"
	"strings"
	"time"
)

// Disabled is returned by ParseTimeoutField for an explicit "0s".
const Disabled time.Duration = -1

// MinPeriod is the shortest polling period; the timer wheel ticks in whole seconds.
const MinPeriod = time.Second

// ParseDurationField parses a non-negative duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault falls back to def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTimeoutField is like ParseDurationOrDefault except that an explicit
// zero ("0s", "0") turns the timeout off and yields Disabled.
func ParseTimeoutField(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	switch {
	case strings.TrimSpace(raw) == "":
		return def, nil
	case d == 0:
		return Disabled, nil
	}
	return d, nil
}

// ParsePeriodField parses a polling period. Zero or empty selects def;
// anything shorter than MinPeriod is rejected.
func ParsePeriodField(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < MinPeriod {
		return 0, fmt.Errorf("%s: period %s is shorter than %s", path, d, MinPeriod)
	}
	return d, nil
}
