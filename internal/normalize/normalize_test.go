package normalize

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/geo"
)

// fakeLocator serves canned geo lookups keyed by IP.
type fakeLocator struct {
	cities map[string]geo.CityRecord
	asns   map[string]string
}

func (f *fakeLocator) City(ip string) (geo.CityRecord, error) {
	if city, ok := f.cities[ip]; ok {
		return city, nil
	}
	return geo.CityRecord{}, nil
}

func (f *fakeLocator) ASN(ip string) (string, error) {
	return f.asns[ip], nil
}

var testFields = event.FieldMap{
	Timestamp: "date_last",
	User:      "email",
	IP:        "ip",
	UserAgent: "user_agent",
}

func testLocator() *fakeLocator {
	return &fakeLocator{
		cities: map[string]geo.CityRecord{
			"1.2.3.4": {
				Name: "San Francisco", SubdivisionISO: "CA", CountryISO: "US",
				ContinentCode: "NA", Latitude: 37.77, Longitude: -122.42,
			},
			"5.6.7.8": {
				Name: "Moscow", CountryISO: "RU", ContinentCode: "EU",
				Latitude: 55.75, Longitude: 37.62,
			},
		},
		asns: map[string]string{
			"1.2.3.4": "Comcast Cable Communications LLC",
			"5.6.7.8": "PJSC Rostelecom",
		},
	}
}

func loginEvent(ts any, email, ip, ua string) event.Raw {
	return event.Raw{
		"date_last":  ts,
		"email":      email,
		"ip":         ip,
		"user_agent": ua,
	}
}

// TestNormalize_EnrichesAndSorts verifies the full path: completeness
// filtering, geo enrichment, annotation, and the global sort.
func TestNormalize_EnrichesAndSorts(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	batch := Batch{
		Provider: "slack",
		Fields:   testFields,
		Events: []event.Raw{
			loginEvent(200.0, "alice@example.com", "5.6.7.8", "Mozilla/5.0"),
			loginEvent(100.0, "alice@example.com", "1.2.3.4", "Mozilla/5.0"),
		},
	}

	out, err := n.Normalize([]Batch{batch})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d events, want 2", len(out))
	}

	if out[0].Timestamp != 100 || out[1].Timestamp != 200 {
		t.Errorf("events not sorted ascending: %v, %v", out[0].Timestamp, out[1].Timestamp)
	}

	first := out[0]
	if first.User != "alice@example.com" {
		t.Errorf("user = %q", first.User)
	}
	if first.ASNOrg != "Comcast Cable Communications LLC" {
		t.Errorf("asn = %q", first.ASNOrg)
	}
	norm := math.Sqrt(first.X*first.X + first.Y*first.Y + first.Z*first.Z)
	if math.Abs(norm-1) > 1e-9 {
		t.Errorf("coordinates not on unit sphere: %v", norm)
	}

	if got := first.Raw.String(event.AnnotationLocation); got != "San Francisco, CA, US, NA" {
		t.Errorf("location annotation = %q", got)
	}
	if got := first.Raw.String(event.AnnotationASN); got != "Comcast Cable Communications LLC" {
		t.Errorf("asn annotation = %q", got)
	}
}

// TestNormalize_DropsIncompleteEvents verifies events missing a required
// field are dropped without failing the run.
func TestNormalize_DropsIncompleteEvents(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	batch := Batch{
		Provider: "slack",
		Fields:   testFields,
		Events: []event.Raw{
			loginEvent(100.0, "alice@example.com", "1.2.3.4", "Mozilla/5.0"),
			loginEvent(101.0, "", "1.2.3.4", "Mozilla/5.0"),
			loginEvent(102.0, "bob@example.com", "", "Mozilla/5.0"),
			loginEvent(103.0, "bob@example.com", "1.2.3.4", ""),
			{"email": "carol@example.com", "ip": "1.2.3.4", "user_agent": "x"},
		},
	}

	out, err := n.Normalize([]Batch{batch})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
}

// TestNormalize_CategoryFilter verifies excluded categories are dropped
// before the completeness check.
func TestNormalize_CategoryFilter(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	fm := testFields
	fm.Filter = "kind"
	fm.Filtered = []string{"login_failure"}

	failed := loginEvent(100.0, "alice@example.com", "1.2.3.4", "Mozilla/5.0")
	failed["kind"] = "login_failure"
	ok := loginEvent(200.0, "alice@example.com", "1.2.3.4", "Mozilla/5.0")
	ok["kind"] = "login_success"

	out, err := n.Normalize([]Batch{{Provider: "gsuite", Fields: fm, Events: []event.Raw{failed, ok}}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 1 || out[0].Timestamp != 200 {
		t.Fatalf("filter kept wrong events: %+v", out)
	}
}

// TestNormalize_BadTimestampAborts verifies a malformed timestamp string
// fails the whole run rather than dropping the record.
func TestNormalize_BadTimestampAborts(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	batch := Batch{
		Provider: "gsuite",
		Fields:   testFields,
		Events: []event.Raw{
			loginEvent("2018-02-02 07:00:00", "alice@example.com", "1.2.3.4", "Mozilla/5.0"),
		},
	}

	_, err := n.Normalize([]Batch{batch})
	if !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("want ErrBadTimestamp, got %v", err)
	}
}

// TestNormalize_UserRules verifies alias mapping runs before the default
// domain is applied.
func TestNormalize_UserRules(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	batch := Batch{
		Provider: "slack",
		Fields:   testFields,
		Users: UserRules{
			AliasMap:      map[string]string{"ajones": "alice"},
			DefaultDomain: "example.com",
		},
		Events: []event.Raw{
			loginEvent(100.0, "ajones", "1.2.3.4", "Mozilla/5.0"),
			loginEvent(200.0, "bob@corp.example.com", "1.2.3.4", "Mozilla/5.0"),
		},
	}

	out, err := n.Normalize([]Batch{batch})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out[0].User != "alice@example.com" {
		t.Errorf("aliased user = %q, want alice@example.com", out[0].User)
	}
	if out[1].User != "bob@corp.example.com" {
		t.Errorf("user with domain = %q, should be unchanged", out[1].User)
	}
}

// TestNormalize_MergesProviders verifies events from multiple providers end
// up in one globally sorted stream.
func TestNormalize_MergesProviders(t *testing.T) {
	n := New(testLocator(), zap.NewNop())

	slack := Batch{
		Provider: "slack",
		Fields:   testFields,
		Events:   []event.Raw{loginEvent(300.0, "alice@example.com", "1.2.3.4", "ua")},
	}
	gsuite := Batch{
		Provider: "gsuite",
		Fields:   testFields,
		Events: []event.Raw{
			loginEvent(100.0, "alice@example.com", "5.6.7.8", "ua"),
			loginEvent(200.0, "bob@example.com", "1.2.3.4", "ua"),
		},
	}

	out, err := n.Normalize([]Batch{slack, gsuite})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d events, want 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp < out[i-1].Timestamp {
			t.Fatalf("stream not sorted at %d: %v < %v", i, out[i].Timestamp, out[i-1].Timestamp)
		}
	}
}

// TestStripVersions verifies digit runs and their attached punctuation are
// removed from user agents.
func TestStripVersions(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_13)", "Mozilla/ (Macintosh; Intel Mac OS X "},
		{"no digits here", "no digits here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripVersions(tt.input); got != tt.want {
			t.Errorf("StripVersions(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestStripVersions_CollapsesVersionVariants verifies the motivating case:
// two releases of the same client produce the same signature.
func TestStripVersions_CollapsesVersionVariants(t *testing.T) {
	a := StripVersions("Chrome/101.0.4951.64 Safari/537.36")
	b := StripVersions("Chrome/102.0.5005.61 Safari/537.36")
	if a != b {
		t.Errorf("version variants differ after stripping: %q vs %q", a, b)
	}
}
