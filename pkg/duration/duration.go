// Package duration parses and formats durations in configuration files.
// Go's native syntax is extended with day and week units so long-running
// playback limits read naturally: "1d12h" is the same value as "36h".
//
// Day and week components must come first; whatever follows them is
// handed to time.ParseDuration unchanged (whitespace between components
// is allowed). Unit names are case-insensitive:
//
//   - d, day, days
//   - w, wk, wks, week, weeks
//
// Examples: "1d", "2w", "1w2d12h", "1.5d", "1d 12h 30m".
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

var extendedUnits = map[string]time.Duration{
	"d":     Day,
	"day":   Day,
	"days":  Day,
	"w":     Week,
	"wk":    Week,
	"wks":   Week,
	"week":  Week,
	"weeks": Week,
}

// leadingToken matches one number-and-unit pair at the start of the
// string. The unit is validated against extendedUnits afterwards so
// "1h30m" stops the extended scan at "1h" rather than misreading it.
var leadingToken = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]+)`)

// Parse parses a duration string: optional day/week components followed
// by anything time.ParseDuration accepts. A bare number is an error;
// callers that treat bare numbers as seconds handle that themselves.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = strings.TrimSpace(s[1:])
	}

	var total time.Duration
	for {
		m := leadingToken.FindStringSubmatch(s)
		if m == nil {
			break
		}
		unit, ok := extendedUnits[strings.ToLower(m[2])]
		if !ok {
			break
		}
		d, err := scale(m[1], unit)
		if err != nil {
			return 0, err
		}
		total += d
		s = strings.TrimSpace(s[len(m[0]):])
	}

	if s != "" {
		// Go's parser rejects whitespace between components.
		rest, err := time.ParseDuration(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		total += rest
	}

	if negative {
		total = -total
	}
	return total, nil
}

// scale multiplies a decimal number by unit, staying in integer math
// for whole values.
func scale(num string, unit time.Duration) (time.Duration, error) {
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("duration: invalid number %q", num)
	}
	return time.Duration(f * float64(unit)), nil
}

// MustParse is like Parse but panics on invalid input. Use only for
// constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// formatUnits is ordered largest first so Format emits each component
// at most once.
var formatUnits = []struct {
	suffix string
	size   time.Duration
}{
	{"w", Week},
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
}

// Format renders a duration compactly, omitting zero components:
// 36 hours formats as "1d12h", 90 seconds as "1m30s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	for _, u := range formatUnits {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.size
		}
	}
	if d > 0 {
		fmt.Fprintf(&b, "%dns", d)
	}
	return b.String()
}
