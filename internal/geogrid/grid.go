// Package geogrid partitions a geographic bounding box into a grid of
// circular sampling areas for location-biased search queries. All functions
// are pure; grid generation and cell subdivision are exact inverses so
// persisted cell indexes remain meaningful across process restarts.
package geogrid

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
)

const earthRadiusKm = 6371.0

// Cell is one sampling area of a grid: a center point plus a radius that
// covers the whole sub-rectangle, used as a circular search bias.
type Cell struct {
	Index        int          `json:"index"`
	Center       model.LatLng `json:"center"`
	RadiusMeters float64      `json:"radius_meters"`
}

// Generate divides the viewport into an n×n grid, row-major from the
// south-west corner. Each cell's radius is the distance from its center to
// its corner, so the circles jointly cover the full viewport.
func Generate(vp model.Viewport, n int) ([]Cell, error) {
	if n <= 0 {
		return nil, eris.Errorf("geogrid: grid size must be positive, got %d", n)
	}
	if vp.MaxLat <= vp.MinLat || vp.MaxLng <= vp.MinLng {
		return nil, eris.Errorf("geogrid: degenerate viewport %+v", vp)
	}

	latStep := (vp.MaxLat - vp.MinLat) / float64(n)
	lngStep := (vp.MaxLng - vp.MinLng) / float64(n)

	cells := make([]Cell, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			center := model.LatLng{
				Lat: vp.MinLat + (float64(row)+0.5)*latStep,
				Lng: vp.MinLng + (float64(col)+0.5)*lngStep,
			}
			corner := model.LatLng{
				Lat: vp.MinLat + float64(row)*latStep,
				Lng: vp.MinLng + float64(col)*lngStep,
			}
			cells = append(cells, Cell{
				Index:        row*n + col,
				Center:       center,
				RadiusMeters: HaversineKm(center, corner) * 1000,
			})
		}
	}
	return cells, nil
}

// Subdivide returns the sub-viewport of one cell previously produced by
// Generate(parent, n). It is the exact inverse of the row-major layout and
// the mechanism behind recursive deep-scan subdivision.
func Subdivide(parent model.Viewport, n, cellIndex int) (model.Viewport, error) {
	if n <= 0 || cellIndex < 0 || cellIndex >= n*n {
		return model.Viewport{}, eris.Errorf("geogrid: cell index %d out of range for %dx%d grid", cellIndex, n, n)
	}

	latStep := (parent.MaxLat - parent.MinLat) / float64(n)
	lngStep := (parent.MaxLng - parent.MinLng) / float64(n)
	row := cellIndex / n
	col := cellIndex % n

	return model.Viewport{
		MinLat: parent.MinLat + float64(row)*latStep,
		MinLng: parent.MinLng + float64(col)*lngStep,
		MaxLat: parent.MinLat + float64(row+1)*latStep,
		MaxLng: parent.MinLng + float64(col+1)*lngStep,
	}, nil
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(a, b model.LatLng) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180.0
	dLng := (b.Lng - a.Lng) * math.Pi / 180.0
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
