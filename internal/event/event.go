// Package event defines the event types shared by pollers, the normalizer,
// and the anomaly engine.
package event

import (
	"time"
)

// Raw is an unprocessed login event as returned by an identity provider.
// Nested provider payloads are flattened into dotted field paths before they
// reach this type (e.g. "actor.email", "events.0.name"), so providers with
// different response shapes are all addressed the same way.
type Raw map[string]any

// Annotation keys attached by the normalizer for alert readability.
const (
	AnnotationLocation = "ip_location"
	AnnotationASN      = "asn"
)

// Field returns the value at the given field path, or nil if absent.
func (r Raw) Field(path string) any {
	v, ok := r[path]
	if !ok {
		return nil
	}
	return v
}

// Has reports whether the field is present and truthy. Empty strings, zero
// numbers, and nil all count as missing, matching the completeness filter.
func (r Raw) Has(path string) bool {
	switch v := r[path].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case bool:
		return v
	default:
		return true
	}
}

// String returns the field as a string, or "" if it is absent or not a string.
func (r Raw) String(path string) string {
	s, _ := r[path].(string)
	return s
}

// FieldMap declares which field paths of a provider's raw events carry the
// values the pipeline needs, plus the provider's category filter.
type FieldMap struct {
	Timestamp string
	User      string
	IP        string
	UserAgent string

	// Filter is the category field path; empty means no category filtering.
	Filter string
	// Filtered lists category values whose events are dropped.
	Filtered []string
}

// Excludes reports whether the raw event's category is in the provider's
// excluded set. Events without a declared filter field are never excluded.
func (m FieldMap) Excludes(r Raw) bool {
	if m.Filter == "" {
		return false
	}
	category := r.String(m.Filter)
	for _, f := range m.Filtered {
		if category == f {
			return true
		}
	}
	return false
}

// Normalized is a validated, enriched login event. The X/Y/Z coordinates are
// the unit-sphere embedding of the login's geolocation; ASNOrg may be empty
// on a lookup miss but is never absent.
type Normalized struct {
	Timestamp float64 // epoch seconds
	Raw       Raw
	User      string
	X, Y, Z   float64
	ASNOrg    string
	UserAgent string // digit runs stripped
}

// Time returns the event timestamp as a time.Time in UTC.
func (n Normalized) Time() time.Time {
	sec := int64(n.Timestamp)
	nsec := int64((n.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
