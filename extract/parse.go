package extract

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// isSeparator reports the thousands separators used by the supported locales.
func isSeparator(r rune) bool {
	switch r {
	case '.', ',', '\'', ' ', '\u00a0', '\u202f':
		return true
	}
	return false
}

// ParseCount strips thousands separators and parses the remainder as a
// non-negative integer. Empty text is a ParseError, never zero.
func ParseCount(raw string) (int64, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case isSeparator(r):
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			return 0, &metric.ParseError{Raw: raw}
		}
	}
	digits := b.String()
	if digits == "" {
		return 0, &metric.ParseError{Raw: raw}
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, &metric.ParseError{Raw: raw}
	}
	return v, nil
}

// leadingNumber returns the leading run of digits and separators, so that
// "1.234.567 monthly listeners" yields "1.234.567".
func leadingNumber(s string) string {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := 0
	for i, r := range s {
		if (r >= '0' && r <= '9') || isSeparator(r) {
			end = i + len(string(r))
			continue
		}
		break
	}
	if end == 0 {
		return s
	}
	return s[:end]
}
