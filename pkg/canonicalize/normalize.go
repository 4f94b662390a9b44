package canonicalize

import (
	"fmt"
	"strings"
	"time"
)

// isoMillis is the wire format of every timestamp the service persists:
// UTC ISO-8601 with millisecond precision.
const isoMillis = "2006-01-02T15:04:05.000Z"

// FormatISO renders t as UTC ISO-8601 with milliseconds.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// NormalizeISO parses any RFC 3339 timestamp and re-renders it in the
// canonical UTC-with-millis form. Sub-millisecond precision is truncated.
func NormalizeISO(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("canonicalize: empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", fmt.Errorf("canonicalize: invalid timestamp %q: %w", s, err)
	}
	return FormatISO(t.Truncate(time.Millisecond)), nil
}

// ParseISO parses a canonical timestamp back into a time.Time.
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("canonicalize: invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// CanonicalOffsetDecimal canonicalizes an arbitrary-precision non-negative
// decimal offset string: leading zeros stripped, digits only. Negatives,
// signs, NaN/Infinity spellings and any non-digit input are rejected.
func CanonicalOffsetDecimal(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("canonicalize: empty offset")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("canonicalize: offset %q is not a non-negative decimal", s)
		}
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0", nil
	}
	return trimmed, nil
}
