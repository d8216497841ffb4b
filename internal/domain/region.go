package domain

import (
	"math"

	"github.com/paulmach/orb"
)

// Region is a latitude/longitude bounding box. Both bounds are inclusive.
type Region struct {
	LatMin float64 `yaml:"lat_min" json:"lat_min"`
	LatMax float64 `yaml:"lat_max" json:"lat_max"`
	LonMin float64 `yaml:"lon_min" json:"lon_min"`
	LonMax float64 `yaml:"lon_max" json:"lon_max"`
}

// NorthAmerica is the default ingestion region.
var NorthAmerica = Region{LatMin: 5, LatMax: 83, LonMin: -168, LonMax: -52}

// Bound returns the region as an orb bound (X = longitude, Y = latitude).
func (r Region) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{r.LonMin, r.LatMin},
		Max: orb.Point{r.LonMax, r.LatMax},
	}
}

// Valid reports whether the bounds are ordered and within WGS84 ranges.
func (r Region) Valid() bool {
	return r.LatMin <= r.LatMax && r.LonMin <= r.LonMax &&
		r.LatMin >= -90 && r.LatMax <= 90 &&
		r.LonMin >= -180 && r.LonMax <= 180
}

// Contains reports whether the coordinate lies inside the region, bounds
// included. NaN coordinates are never contained.
func (r Region) Contains(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return r.Bound().Contains(orb.Point{lon, lat})
}

// FilterRegion returns the detections inside r, preserving order.
func FilterRegion(detections []Detection, r Region) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if r.Contains(d.Latitude, d.Longitude) {
			out = append(out, d)
		}
	}
	return out
}
