package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing, so
// watermarks can be written as "1MB" in the config file. Units are
// binary (1024-based); a bare number means bytes.
//
// It implements encoding.TextUnmarshaler for Viper/YAML support.
type ByteSize int64

// Binary size units.
const (
	B  ByteSize = 1
	KB ByteSize = 1024
	MB ByteSize = 1024 * KB
	GB ByteSize = 1024 * MB
)

var byteUnits = map[string]ByteSize{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"kib": KB,
	"m":   MB,
	"mb":  MB,
	"mib": MB,
	"g":   GB,
	"gb":  GB,
	"gib": GB,
}

// ParseByteSize parses strings like "1MB", "512k", "1.5 GB" or "4096".
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}
	i := len(trimmed)
	for i > 0 && !isDigit(trimmed[i-1]) {
		i--
	}
	numStr := strings.TrimSpace(trimmed[:i])
	unitStr := strings.ToLower(strings.TrimSpace(trimmed[i:]))

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number in %q: %w", s, err)
	}
	mult, ok := byteUnits[unitStr]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitStr)
	}
	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalJSON accepts either a string with units or a raw byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 { return int64(b) }

// String returns a human-readable representation using the largest unit
// that divides the size evenly, falling back to bytes.
func (b ByteSize) String() string {
	n := int64(b)
	neg := ""
	if n < 0 {
		neg = "-"
		n = -n
	}
	switch {
	case n >= int64(GB) && n%int64(GB) == 0:
		return fmt.Sprintf("%s%dGB", neg, n/int64(GB))
	case n >= int64(MB) && n%int64(MB) == 0:
		return fmt.Sprintf("%s%dMB", neg, n/int64(MB))
	case n >= int64(KB) && n%int64(KB) == 0:
		return fmt.Sprintf("%s%dKB", neg, n/int64(KB))
	default:
		return fmt.Sprintf("%s%dB", neg, n)
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
