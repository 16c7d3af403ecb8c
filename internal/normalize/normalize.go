// Package normalize validates, filters, and enriches raw login events into a
// single time-sorted stream of normalized events.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/geo"
)

// ErrBadTimestamp is returned when a provider delivers a timestamp string
// outside the contract format. It aborts the run: a corrupt timestamp format
// signals a provider contract violation, not a one-off bad record.
var ErrBadTimestamp = errors.New("malformed timestamp")

// uaVersionPattern matches digit runs plus adjacent punctuation and
// path-like separators in user-agent strings. Removing the matches collapses
// version-number variance ("Chrome/101.0.5" vs "Chrome/102.0.1") into one
// stable client signature.
var uaVersionPattern = regexp.MustCompile(`[a-zA-Z:._()-]*([0-9]+[a-zA-Z:._()-]*)+`)

// UserRules holds per-provider identity normalization: the alias map is
// applied first, then the default domain is appended to identities without
// an "@". Both may be empty.
type UserRules struct {
	AliasMap      map[string]string
	DefaultDomain string
}

// Batch is the set of raw events from one provider, plus the provider's
// field declarations and identity rules.
type Batch struct {
	Provider string
	Fields   event.FieldMap
	Users    UserRules
	Events   []event.Raw
}

// Normalizer turns provider batches into a globally sorted normalized stream.
type Normalizer struct {
	locator geo.Locator
	logger  *zap.Logger
}

// New creates a Normalizer over the given locator.
func New(locator geo.Locator, logger *zap.Logger) *Normalizer {
	return &Normalizer{locator: locator, logger: logger}
}

// Normalize processes every batch and returns one stream sorted ascending by
// timestamp. Category-filtered and incomplete events are dropped silently;
// a malformed timestamp string aborts with ErrBadTimestamp.
func (n *Normalizer) Normalize(batches []Batch) ([]event.Normalized, error) {
	var processed []event.Normalized

	for _, batch := range batches {
		dropped := 0
		for _, raw := range batch.Events {
			if batch.Fields.Excludes(raw) {
				continue
			}
			if !raw.Has(batch.Fields.Timestamp) || !raw.Has(batch.Fields.User) ||
				!raw.Has(batch.Fields.IP) || !raw.Has(batch.Fields.UserAgent) {
				dropped++
				continue
			}

			ts, err := ParseTimestamp(raw.Field(batch.Fields.Timestamp))
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", batch.Provider, err)
			}

			user := resolveUser(raw.String(batch.Fields.User), batch.Users)
			userAgent := StripVersions(raw.String(batch.Fields.UserAgent))

			ip := raw.String(batch.Fields.IP)
			if ip == "" {
				dropped++
				continue
			}

			city, err := n.locator.City(ip)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", batch.Provider, err)
			}
			raw[event.AnnotationLocation] = locationLabel(city)

			x, y, z := Project(city.Latitude, city.Longitude)

			asnOrg, err := n.locator.ASN(ip)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", batch.Provider, err)
			}
			raw[event.AnnotationASN] = asnOrg

			processed = append(processed, event.Normalized{
				Timestamp: ts,
				Raw:       raw,
				User:      user,
				X:         x,
				Y:         y,
				Z:         z,
				ASNOrg:    asnOrg,
				UserAgent: userAgent,
			})
		}
		n.logger.Debug("normalized provider batch",
			zap.String("provider", batch.Provider),
			zap.Int("events", len(batch.Events)),
			zap.Int("dropped", dropped))
	}

	sort.SliceStable(processed, func(i, j int) bool {
		return processed[i].Timestamp < processed[j].Timestamp
	})
	return processed, nil
}

// resolveUser applies the alias map, then the default-domain rule. The result
// is the canonical identity used as the grouping key for anomaly detection;
// without it the same human could be split across multiple "users".
func resolveUser(user string, rules UserRules) string {
	if mapped, ok := rules.AliasMap[user]; ok {
		user = mapped
	}
	if rules.DefaultDomain != "" && !strings.Contains(user, "@") {
		user = user + "@" + rules.DefaultDomain
	}
	return user
}

// StripVersions removes digit runs and their adjacent punctuation from a
// user-agent string.
func StripVersions(ua string) string {
	return uaVersionPattern.ReplaceAllString(ua, "")
}

// locationLabel builds the human-readable "City, SUB, CC, CONT" annotation,
// omitting absent parts.
func locationLabel(city geo.CityRecord) string {
	var parts []string
	if city.Name != "" {
		parts = append(parts, city.Name)
	}
	if city.SubdivisionISO != "" {
		parts = append(parts, city.SubdivisionISO)
	}
	if city.CountryISO != "" {
		parts = append(parts, city.CountryISO)
	}
	if city.ContinentCode != "" {
		parts = append(parts, city.ContinentCode)
	}
	return strings.Join(parts, ", ")
}
