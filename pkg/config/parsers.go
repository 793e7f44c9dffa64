package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
	"github.com/prometheus/common/model"
)

// ParsePorts expands a port list expression into a sorted list of unique
// ports.
//
// The expression is a comma-separated list of terms:
//   - "1024": a single port
//   - "1024-1026": an inclusive range (1024, 1025, 1026)
//   - "2048+3": a start port and a count of extra ports (2048 .. 2051)
//
// Example: "2048+1, 1024-1025" yields [1024 1025 2048 2049].
func ParsePorts(expr string) ([]int, error) {
	var ports []int

	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		first, last, err := parsePortTerm(term)
		if err != nil {
			return nil, err
		}
		for p := first; p <= last; p++ {
			ports = append(ports, p)
		}
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("invalid port list %q: no ports", expr)
	}

	slices.Sort(ports)
	return slices.Compact(ports), nil
}

func parsePortTerm(term string) (int, int, error) {
	if from, to, ok := strings.Cut(term, "-"); ok {
		first, err := parsePort(from)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", term, err)
		}
		last, err := parsePort(to)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", term, err)
		}
		if last < first {
			return 0, 0, fmt.Errorf("invalid port range %q: end before start", term)
		}
		return first, last, nil
	}

	if from, extra, ok := strings.Cut(term, "+"); ok {
		first, err := parsePort(from)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", term, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(extra))
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid port range %q: bad count", term)
		}
		if first+n > 65535 {
			return 0, 0, fmt.Errorf("invalid port range %q: exceeds 65535", term)
		}
		return first, first + n, nil
	}

	p, err := parsePort(term)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %d: must be 0-65535", p)
	}
	return p, nil
}

// FormatPorts renders ports as a comma-separated list ParsePorts accepts.
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}

// ParseByteSize parses a size with an optional binary unit suffix: "64",
// "64kb", "1.5Mb", "256KiB".
func ParseByteSize(s string) (bytesize.Size, error) {
	return bytesize.Parse(strings.TrimSpace(s))
}

// month follows the calendar-free convention of 30 days.
const month = 30 * 24 * time.Hour

// durationUnits maps the long unit spellings onto the ones
// model.ParseDuration knows.
var durationUnits = strings.NewReplacer("hr", "h", "yr", "y")

// ParseDuration parses a duration such as "90s", "1m30s", "4hr", "2d", "2w",
// "3mo" or "4yr". A bare number is a count of seconds, so "30" and "30s" are
// the same. Days, weeks, months and years are 24h, 7d, 30d and 365d.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty")
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsToDuration(secs), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if n, ok := strings.CutSuffix(s, "mo"); ok {
		months, err := strconv.ParseFloat(n, 64)
		if err != nil || months < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(months * float64(month)), nil
	}

	d, err := model.ParseDuration(durationUnits.Replace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(d), nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
