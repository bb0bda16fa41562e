package delays

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzpp-delays/poller/internal/models"
)

const regionsJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"name": "Zagreb"},
      "geometry": {"type": "Polygon", "coordinates": [[[15.8, 45.7], [16.2, 45.7], [16.2, 45.9], [15.8, 45.9], [15.8, 45.7]]]}
    },
    {
      "type": "Feature",
      "properties": {"name": "Split"},
      "geometry": {"type": "Polygon", "coordinates": [[[16.3, 43.4], [16.6, 43.4], [16.6, 43.6], [16.3, 43.6], [16.3, 43.4]]]}
    }
  ]
}`

func station(code string, lat, lng float64) models.Station {
	return models.Station{Code: code, Latitude: &lat, Longitude: &lng}
}

func TestGeoRegions(t *testing.T) {
	regions, err := ParseRegions(regionsJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, regions.Len())

	tests := []struct {
		name    string
		station models.Station
		want    string
	}{
		{"inside zagreb", station("ZGB", 45.805, 15.978), "Zagreb"},
		{"inside split", station("ST", 43.504, 16.441), "Split"},
		{"just outside zagreb", station("SES", 45.82, 16.22), "Zagreb"},
		{"far away", station("RI", 45.33, 14.42), ""},
		{"no coordinates", models.Station{Code: "X"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, regions.Region(tc.station))
		})
	}
}

func TestParseRegionsRequiresName(t *testing.T) {
	_, err := ParseRegions(`{"type": "Feature", "properties": {}, "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 1], [0, 0]]]}}`)
	assert.Error(t, err)
}

func TestLoadRegions(t *testing.T) {
	empty, err := LoadRegions("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, "", empty.Region(station("ZGB", 45.805, 15.978)))

	path := filepath.Join(t.TempDir(), "regions.geojson")
	require.NoError(t, os.WriteFile(path, []byte(regionsJSON), 0o644))
	regions, err := LoadRegions(path)
	require.NoError(t, err)
	assert.Equal(t, 2, regions.Len())

	_, err = LoadRegions(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestRegionDimension(t *testing.T) {
	regions, err := ParseRegions(regionsJSON)
	require.NoError(t, err)
	agg := NewAggregator(regions)

	stop := stopAt(1, "ZGB", clock(8, 10), clock(8, 17))
	stop.Station = station("ZGB", 45.805, 15.978)
	agg.Record(stop, 101)

	stats := agg.Stats(Filter{Dimension: ByRegion, Key: "Zagreb"})
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Count)
}
