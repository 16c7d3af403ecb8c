package normalize

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayout is the only accepted string shape: ISO-8601 with
// fractional seconds and a literal UTC "Z" suffix.
const timestampLayout = "2006-01-02T15:04:05.999999"

// ParseTimestamp converts a raw timestamp value to epoch seconds. Numeric
// values pass through unchanged; strings must match
// "YYYY-MM-DDTHH:MM:SS.ffffffZ" exactly or the parse fails with
// ErrBadTimestamp.
func ParseTimestamp(v any) (float64, error) {
	switch ts := v.(type) {
	case float64:
		return ts, nil
	case float32:
		return float64(ts), nil
	case int:
		return float64(ts), nil
	case int64:
		return float64(ts), nil
	case string:
		return parseISO(ts)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrBadTimestamp, v)
	}
}

func parseISO(s string) (float64, error) {
	trimmed, ok := strings.CutSuffix(s, "Z")
	if !ok {
		return 0, fmt.Errorf("%w: %q (missing Z suffix)", ErrBadTimestamp, s)
	}
	if !strings.Contains(trimmed, ".") {
		return 0, fmt.Errorf("%w: %q (missing fractional seconds)", ErrBadTimestamp, s)
	}
	t, err := time.ParseInLocation(timestampLayout, trimmed, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9, nil
}

// FormatTimestamp renders epoch seconds back into the contract string shape.
// ParseTimestamp(FormatTimestamp(ts)) round-trips within float tolerance.
func FormatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	t := time.Unix(sec, nsec).UTC()
	return t.Format("2006-01-02T15:04:05.000000") + "Z"
}
