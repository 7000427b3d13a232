package model

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Viewport is a latitude/longitude bounding box.
type Viewport struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Center returns the midpoint of the viewport.
func (v Viewport) Center() LatLng {
	return LatLng{
		Lat: (v.MinLat + v.MaxLat) / 2,
		Lng: (v.MinLng + v.MaxLng) / 2,
	}
}
