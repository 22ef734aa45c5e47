package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/proxy-pool-api/internal/types"
)

// Resolver maps an IP address to a country name
type Resolver interface {
	Country(ip string) (string, bool)
	Close() error
}

// Open returns a GeoLite2 resolver, or a no-op resolver when path is empty
func Open(path string) (Resolver, error) {
	if path == "" {
		return nopResolver{}, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &maxmindResolver{db: db}, nil
}

type maxmindResolver struct {
	db *geoip2.Reader
}

func (m *maxmindResolver) Country(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}

	record, err := m.db.Country(parsed)
	if err != nil {
		return "", false
	}
	if name := record.Country.Names["en"]; name != "" {
		return name, true
	}
	if record.Country.IsoCode != "" {
		return record.Country.IsoCode, true
	}
	return "", false
}

func (m *maxmindResolver) Close() error {
	return m.db.Close()
}

type nopResolver struct{}

func (nopResolver) Country(string) (string, bool) { return "", false }
func (nopResolver) Close() error                  { return nil }

// Enrich fills the country of alive results that are still unknown.
// It returns how many results were updated.
func Enrich(resolver Resolver, results []types.CheckResult) int {
	if resolver == nil {
		return 0
	}

	updated := 0
	for i := range results {
		r := &results[i]
		if !r.Alive || (r.Country != "" && r.Country != types.Unknown) {
			continue
		}
		if country, ok := resolver.Country(r.Address); ok {
			r.Country = country
			updated++
		}
	}
	return updated
}
