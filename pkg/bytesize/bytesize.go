// Package bytesize formats byte quantities for logs and status output.
// Segment windows and process memory are measured in RAM, so sizes use
// binary (1024) units with IEC suffixes: 1536 bytes formats as "1.5KiB".
package bytesize

import (
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary unit sizes.
const (
	B   Size = 1
	KiB Size = 1 << 10
	MiB Size = 1 << 20
	GiB Size = 1 << 30
	TiB Size = 1 << 40
)

// Format renders s using the largest unit that keeps the value at or
// above 1, with at most one decimal place.
func Format(s Size) string {
	negative := s < 0
	if negative {
		s = -s
	}

	unit, suffix := B, "B"
	switch {
	case s >= TiB:
		unit, suffix = TiB, "TiB"
	case s >= GiB:
		unit, suffix = GiB, "GiB"
	case s >= MiB:
		unit, suffix = MiB, "MiB"
	case s >= KiB:
		unit, suffix = KiB, "KiB"
	}

	var out string
	if unit == B {
		out = strconv.FormatInt(int64(s), 10) + suffix
	} else {
		v := strconv.FormatFloat(float64(s)/float64(unit), 'f', 1, 64)
		out = strings.TrimSuffix(v, ".0") + suffix
	}
	if negative {
		return "-" + out
	}
	return out
}

// Bytes returns the count as int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns the same representation as Format.
func (s Size) String() string {
	return Format(s)
}
