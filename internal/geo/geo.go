// Package geo provides IP geolocation and network-origin lookups backed by
// MaxMind GeoLite2 databases.
package geo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// ErrInvalidIP is returned when the given address cannot be parsed.
var ErrInvalidIP = errors.New("invalid IP address")

// CityRecord holds the location fields the pipeline consumes. String fields
// may be empty when the database has no value for them.
type CityRecord struct {
	Name           string // localized English city name
	SubdivisionISO string // first subdivision ISO code
	CountryISO     string
	ContinentCode  string
	Latitude       float64
	Longitude      float64
}

// Locator resolves IP addresses to city records and ASN organizations.
// Lookup misses yield zero values, never errors.
type Locator interface {
	// City resolves an IP to its city record.
	City(ip string) (CityRecord, error)
	// ASN resolves an IP to its autonomous-system organization name.
	// A miss returns the empty string.
	ASN(ip string) (string, error)
}

// MaxMind is a Locator over a GeoLite2 City database and an ASN database.
type MaxMind struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// Open opens the two MaxMind databases.
func Open(cityPath, asnPath string) (*MaxMind, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("opening city database: %w", err)
	}
	asn, err := geoip2.Open(asnPath)
	if err != nil {
		city.Close()
		return nil, fmt.Errorf("opening ASN database: %w", err)
	}
	return &MaxMind{city: city, asn: asn}, nil
}

// City resolves an IP to its city record. IPs absent from the database
// resolve to a zero record.
func (m *MaxMind) City(ip string) (CityRecord, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return CityRecord{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	city, err := m.city.City(parsed)
	if err != nil {
		return CityRecord{}, fmt.Errorf("city lookup for %s: %w", ip, err)
	}

	record := CityRecord{
		Name:          city.City.Names["en"],
		CountryISO:    city.Country.IsoCode,
		ContinentCode: city.Continent.Code,
		Latitude:      city.Location.Latitude,
		Longitude:     city.Location.Longitude,
	}
	if len(city.Subdivisions) > 0 {
		record.SubdivisionISO = city.Subdivisions[0].IsoCode
	}
	return record, nil
}

// ASN resolves an IP to its autonomous-system organization name. Misses
// return the empty string.
func (m *MaxMind) ASN(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	asn, err := m.asn.ASN(parsed)
	if err != nil {
		return "", fmt.Errorf("ASN lookup for %s: %w", ip, err)
	}
	return asn.AutonomousSystemOrganization, nil
}

// Close releases both database readers.
func (m *MaxMind) Close() error {
	cityErr := m.city.Close()
	asnErr := m.asn.Close()
	if cityErr != nil {
		return cityErr
	}
	return asnErr
}
