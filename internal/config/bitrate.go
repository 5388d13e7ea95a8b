package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BitRate is a bits-per-second value that supports human-readable parsing.
// MediaRecorder bitrates are decimal SI quantities, so suffixes scale by
// powers of 1000:
//
//   - "6M" or "6m" = 6_000_000
//   - "128k" or "128K" = 128_000
//   - "2.5M" = 2_500_000
//   - "192000" = 192_000 (raw number still works)
//
// The type implements encoding.TextUnmarshaler for Viper/YAML support and
// json.Unmarshaler for JSON configuration files.
type BitRate int64

// ParseBitRate parses a human-readable bitrate string.
func ParseBitRate(s string) (BitRate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty bitrate")
	}
	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1_000
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1_000_000
		s = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1_000_000_000
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return BitRate(n * multiplier), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bitrate %q", s)
	}
	return BitRate(f * float64(multiplier)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *BitRate) UnmarshalText(text []byte) error {
	parsed, err := ParseBitRate(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BitRate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = BitRate(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b BitRate) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

// Int returns the rate in bits per second.
func (b BitRate) Int() int { return int(b) }

// String returns a compact human-readable representation.
func (b BitRate) String() string {
	switch {
	case b >= 1_000_000 && b%1_000_000 == 0:
		return fmt.Sprintf("%dM", int64(b)/1_000_000)
	case b >= 1_000 && b%1_000 == 0:
		return fmt.Sprintf("%dk", int64(b)/1_000)
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}
