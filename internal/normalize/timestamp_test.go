package normalize

import (
	"errors"
	"math"
	"testing"
)

// TestParseTimestamp_Strings verifies the strict ISO-8601 contract: a
// fractional-seconds field and a literal Z suffix are both required.
func TestParseTimestamp_Strings(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"epoch", "1970-01-01T00:00:00.000000Z", 0, false},
		{"fractional", "2018-02-02T07:00:00.500000Z", 1517554800.5, false},
		{"millis", "2018-02-02T07:00:00.000Z", 1517554800, false},
		{"missing Z", "2018-02-02T07:00:00.000000", 0, true},
		{"missing fraction", "2018-02-02T07:00:00Z", 0, true},
		{"offset form", "2018-02-02T07:00:00.000000+00:00", 0, true},
		{"garbage", "yesterday", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrBadTimestamp) {
					t.Fatalf("want ErrBadTimestamp, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestParseTimestamp_Numerics verifies numeric values pass through.
func TestParseTimestamp_Numerics(t *testing.T) {
	for _, v := range []any{float64(1517554800.25), int(1517554800), int64(1517554800)} {
		got, err := ParseTimestamp(v)
		if err != nil {
			t.Fatalf("ParseTimestamp(%v): %v", v, err)
		}
		if got < 1517554800 || got > 1517554801 {
			t.Errorf("ParseTimestamp(%v) = %v", v, got)
		}
	}

	if _, err := ParseTimestamp([]string{"nope"}); !errors.Is(err, ErrBadTimestamp) {
		t.Errorf("unsupported type should yield ErrBadTimestamp, got %v", err)
	}
}

// TestFormatTimestamp_RoundTrip verifies parse(format(ts)) stays within
// microsecond tolerance.
func TestFormatTimestamp_RoundTrip(t *testing.T) {
	for _, ts := range []float64{0, 1517554800, 1517554800.123456, 1756684800.999999} {
		s := FormatTimestamp(ts)
		got, err := ParseTimestamp(s)
		if err != nil {
			t.Fatalf("round-trip parse of %q: %v", s, err)
		}
		if math.Abs(got-ts) > 1e-5 {
			t.Errorf("round trip %v -> %q -> %v", ts, s, got)
		}
	}
}
