package delays

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"

	"github.com/hzpp-delays/poller/internal/models"
)

const (
	earthRadiusMeters = 6371000

	// Stations this close to a region's bounds still count towards it
	regionFallbackMeters = 5000
)

// RegionResolver assigns a station to a named region, "" when none applies
type RegionResolver interface {
	Region(station models.Station) string
}

type region struct {
	name    string
	feature geojson.Object
}

// GeoRegions resolves regions from GeoJSON polygon features. Each feature
// needs a "name" property.
type GeoRegions struct {
	regions []region
}

// LoadRegions reads a GeoJSON file. An empty path yields a resolver that
// assigns no regions.
func LoadRegions(path string) (*GeoRegions, error) {
	if path == "" {
		return &GeoRegions{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions: %w", err)
	}
	return ParseRegions(string(data))
}

// ParseRegions builds a resolver from a Feature or FeatureCollection
func ParseRegions(data string) (*GeoRegions, error) {
	obj, err := geojson.Parse(data, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return nil, fmt.Errorf("failed to parse regions: %w", err)
	}

	var features []geojson.Object
	switch v := obj.(type) {
	case *geojson.FeatureCollection:
		features = v.Children()
	case *geojson.Feature:
		features = []geojson.Object{v}
	default:
		return nil, fmt.Errorf("regions: expected Feature or FeatureCollection, got %T", obj)
	}

	g := &GeoRegions{}
	for _, child := range features {
		feature, ok := child.(*geojson.Feature)
		if !ok {
			return nil, fmt.Errorf("regions: expected Feature, got %T", child)
		}
		name, err := featureName(feature)
		if err != nil {
			return nil, err
		}
		g.regions = append(g.regions, region{name: name, feature: feature})
	}
	return g, nil
}

func featureName(feature *geojson.Feature) (string, error) {
	var members struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	}
	raw := feature.Members()
	if raw == "" {
		return "", fmt.Errorf("regions: feature without properties")
	}
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return "", fmt.Errorf("regions: bad feature members: %w", err)
	}
	name := strings.TrimSpace(members.Properties.Name)
	if name == "" {
		return "", fmt.Errorf("regions: feature without name property")
	}
	return name, nil
}

// Len returns the number of loaded regions
func (g *GeoRegions) Len() int {
	return len(g.regions)
}

// Region returns the region containing the station. Stations just outside
// every polygon go to the region whose bounds are nearest, up to 5 km.
func (g *GeoRegions) Region(station models.Station) string {
	if !station.HasCoordinates() || len(g.regions) == 0 {
		return ""
	}
	lat, lng := *station.Latitude, *station.Longitude
	point := geojson.NewPoint(geometry.Point{X: lng, Y: lat})

	nearest, nearestDist := "", math.Inf(1)
	for _, r := range g.regions {
		if r.feature.Contains(point) {
			return r.name
		}
		if d := distanceToRect(r.feature.Rect(), lat, lng); d < nearestDist {
			nearest, nearestDist = r.name, d
		}
	}
	if nearestDist <= regionFallbackMeters {
		return nearest
	}
	return ""
}

func distanceToRect(rect geometry.Rect, lat, lng float64) float64 {
	clampedLat := clamp(lat, rect.Min.Y, rect.Max.Y)
	clampedLng := clamp(lng, rect.Min.X, rect.Max.X)
	return haversine(lat, lng, clampedLat, clampedLng)
}

// haversine calculates the distance between two points in meters
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
