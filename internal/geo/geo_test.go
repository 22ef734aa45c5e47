package geo

import (
	"path/filepath"
	"testing"

	"github.com/proxy-pool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) Country(ip string) (string, bool) {
	c, ok := m[ip]
	return c, ok
}

func (mapResolver) Close() error { return nil }

func TestEnrichOnlyUnknownAlive(t *testing.T) {
	resolver := mapResolver{"1.1.1.1": "Australia", "2.2.2.2": "France", "3.3.3.3": "Spain"}
	results := []types.CheckResult{
		{Endpoint: types.Endpoint{Address: "1.1.1.1", Country: types.Unknown}, Alive: true},
		{Endpoint: types.Endpoint{Address: "2.2.2.2", Country: "DE"}, Alive: true},
		{Endpoint: types.Endpoint{Address: "3.3.3.3", Country: types.Unknown}, Alive: false},
		{Endpoint: types.Endpoint{Address: "4.4.4.4", Country: ""}, Alive: true},
	}

	assert.Equal(t, 1, Enrich(resolver, results))
	assert.Equal(t, "Australia", results[0].Country)
	assert.Equal(t, "DE", results[1].Country)
	assert.Equal(t, types.Unknown, results[2].Country)
	assert.Equal(t, "", results[3].Country)
}

func TestOpenWithoutDatabase(t *testing.T) {
	resolver, err := Open("")
	require.NoError(t, err)
	defer resolver.Close()

	_, ok := resolver.Country("1.1.1.1")
	assert.False(t, ok)
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb"))
	assert.Error(t, err)
}

func TestEnrichNilResolver(t *testing.T) {
	assert.Zero(t, Enrich(nil, []types.CheckResult{{Alive: true}}))
}
