package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sizeUnits maps the accepted unit suffixes, upper-cased, to their byte
// multipliers. Longer suffixes are tried first so "KIB" is not read as "B".
var sizeUnits = []struct {
	unit string
	mult float64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1e3},
	{"MB", 1e6},
	{"GB", 1e9},
	{"B", 1},
}

// ParseSize parses an archive size limit such as "256MiB", "50MB" or
// "1048576". It backs max_archive_size, the largest .sb3 the editor or a
// file may hand to unpack, and max_entry_size, the largest single file
// unpack will write. "", "0" and "unlimited" all mean no limit and yield 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)

	switch strings.ToLower(s) {
	case "", "0", "unlimited":
		return 0, nil
	}

	num, mult := splitSizeUnit(s)
	if num == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	bytes := n * mult
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(bytes), nil
}

// splitSizeUnit separates the numeric part of s from its unit suffix. A
// bare number counts as bytes.
func splitSizeUnit(s string) (string, float64) {
	upper := strings.ToUpper(s)

	for _, u := range sizeUnits {
		if strings.HasSuffix(upper, u.unit) {
			return strings.TrimSpace(s[:len(s)-len(u.unit)]), u.mult
		}
	}

	return s, 1
}
