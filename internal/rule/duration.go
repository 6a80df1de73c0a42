package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w|y)?$`)

// ParseDuration parses the duration grammar used by timers and temporal
// windows: an integer followed by an optional unit out of ms, s, m, h, d,
// w, y. A bare integer is milliseconds. Days are 24h, weeks 7d, years 365d.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <digits>[ms|s|m|h|d|w|y]", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := time.Millisecond
	switch m[2] {
	case "", "ms":
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "y":
		unit = 365 * 24 * time.Hour
	}
	if n != 0 && unit > time.Duration(1<<63-1)/time.Duration(n) {
		return 0, fmt.Errorf("duration %q overflows", s)
	}
	return time.Duration(n) * unit, nil
}

// MustParseDuration is ParseDuration for literals known to be valid.
func MustParseDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}
