package knn

import (
	"math"
	"strings"

	"railpulse/internal/domain"
	"railpulse/internal/geo"
)

// Feature positions. The order and the weights below are fixed: the seed
// corpus was authored against them.
const (
	FeatureDistance = iota
	FeatureRelativeSpeed
	FeatureConvergence
	FeatureHeadingDiff
	FeatureAltitudeDiff
	FeatureSpeedRatio
	FeatureProximity
	FeatureRouteIntersection

	NumFeatures
)

// Features is the encoding of a train pair's relative kinematic state.
type Features [NumFeatures]float64

// Weights sum to 1.
var Weights = Features{0.25, 0.20, 0.15, 0.10, 0.10, 0.10, 0.05, 0.05}

var featureNames = [NumFeatures]string{
	"distance", "relativeSpeed", "convergenceRate", "headingDifference",
	"altitudeDifference", "speedRatio", "proximityScore", "routeIntersection",
}

// Name returns the wire name of feature i.
func Name(i int) string {
	return featureNames[i]
}

// Extract builds the feature vector for a pair. It is symmetric in a and b.
func Extract(a, b domain.KinematicState) Features {
	var f Features

	distance := geo.Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	headingDiff := geo.HeadingDifference(a.HeadingDeg, b.HeadingDeg)

	f[FeatureDistance] = distance
	f[FeatureRelativeSpeed] = math.Abs(a.SpeedKmh-b.SpeedKmh) / 3.6
	f[FeatureConvergence] = convergenceRate(headingDiff)
	f[FeatureHeadingDiff] = headingDiff
	f[FeatureAltitudeDiff] = math.Abs(a.AltitudeMeters - b.AltitudeMeters)
	f[FeatureSpeedRatio] = speedRatio(a.SpeedKmh, b.SpeedKmh)
	f[FeatureProximity] = math.Max(0, 1-distance/10000) * math.Min(1, (a.SpeedKmh+b.SpeedKmh)/200)
	f[FeatureRouteIntersection] = RouteIntersection(a.Route, b.Route)
	return f
}

// convergenceRate keeps the calibrated formula: beyond 90 degrees the raw
// cosine (negative), otherwise its magnitude. Near-identical and
// near-opposite headings therefore score alike in magnitude.
func convergenceRate(headingDiff float64) float64 {
	c := math.Cos(headingDiff * math.Pi / 180)
	if headingDiff > 90 {
		return c
	}
	return math.Abs(c)
}

func speedRatio(s1, s2 float64) float64 {
	hi, lo := math.Max(s1, s2), math.Min(s1, s2)
	if hi <= 0 {
		return 1
	}
	return hi / math.Max(lo, 1)
}

// RouteIntersection is 1 for identical routes, otherwise the number of
// shared waypoints over the waypoint count of the longer route.
func RouteIntersection(r1, r2 string) float64 {
	if strings.TrimSpace(r1) == "" || strings.TrimSpace(r2) == "" {
		return 0
	}
	if r1 == r2 {
		return 1
	}

	t1, t2 := waypoints(r1), waypoints(r2)
	if len(t1) == 0 || len(t2) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(t2))
	for _, w := range t2 {
		set[w] = struct{}{}
	}
	shared := 0
	for _, w := range t1 {
		if _, ok := set[w]; ok {
			shared++
			delete(set, w)
		}
	}
	return float64(shared) / float64(max(len(t1), len(t2)))
}

func waypoints(route string) []string {
	route = strings.ReplaceAll(route, "->", "→")
	var out []string
	for _, p := range strings.Split(route, "→") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WeightedDistance is the weighted Euclidean distance between two vectors.
func WeightedDistance(a, b Features) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += Weights[i] * d * d
	}
	return math.Sqrt(sum)
}
