package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDelay converts an unblock delay string to a duration.
//
// Accepted values: "never", "0", "<N>m" (minutes), "<N>h" (hours),
// "<N>d" (days). "never" is valid but yields ok=false: an item with that
// delay can never be automatically unblocked. Anything else is an error.
func ParseDelay(delay string) (d time.Duration, ok bool, err error) {
	// Delays arrive from config files and API payloads alike.
	delay = strings.TrimSpace(delay)

	switch delay {
	case "":
		return 0, false, fmt.Errorf("empty delay")
	case "never":
		return 0, false, nil
	case "0":
		return 0, true, nil
	}

	unit := delay[len(delay)-1]
	n, convErr := strconv.Atoi(delay[:len(delay)-1])
	if convErr != nil || n < 0 {
		return 0, false, fmt.Errorf("invalid delay %q", delay)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true, nil
	case 'h':
		return time.Duration(n) * time.Hour, true, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true, nil
	}
	return 0, false, fmt.Errorf("invalid delay %q", delay)
}

// ValidDelay reports whether the delay string is well formed
// ("never" included).
func ValidDelay(delay string) bool {
	if delay == "never" {
		return true
	}
	_, _, err := ParseDelay(delay)
	return err == nil
}

// FormatDelay renders a duration in the delay vocabulary, preferring the
// largest exact unit.
func FormatDelay(d time.Duration) string {
	if d == 0 {
		return "0"
	}
	if d%(24*time.Hour) == 0 {
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return strconv.Itoa(int(d/time.Minute)) + "m"
}
