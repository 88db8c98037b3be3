package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// HeadingDifference returns the absolute angular difference between two
// headings, in degrees within [0, 180].
func HeadingDifference(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Region is a rectangular service area.
type Region struct {
	bound orb.Bound
}

// NewRegion builds a region from its latitude and longitude limits.
func NewRegion(minLat, maxLat, minLng, maxLng float64) Region {
	return Region{bound: orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}}
}

// KarnatakaRegion is the default service area.
var KarnatakaRegion = NewRegion(11.5, 18.5, 74.0, 78.6)

// Contains reports whether the point lies inside the region, edges included.
func (r Region) Contains(lat, lng float64) bool {
	return r.bound.Contains(orb.Point{lng, lat})
}

// Center returns the midpoint of the region as (lat, lng).
func (r Region) Center() (float64, float64) {
	c := r.bound.Center()
	return c.Lat(), c.Lon()
}

// ValidCoordinates reports whether lat and lng are within their global ranges.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
