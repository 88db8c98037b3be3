package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	// Bengaluru City to Mysuru Junction, roughly 126 km as the crow flies.
	d := Haversine(12.9784, 77.5697, 12.3163, 76.6459)
	assert.InDelta(t, 124_000, d, 4_000)

	assert.Equal(t, 0.0, Haversine(12.9, 77.5, 12.9, 77.5))

	// One thousandth of a degree of latitude is about 111 m.
	assert.InDelta(t, 111.2, Haversine(12.0, 77.0, 12.001, 77.0), 0.5)
}

func TestHaversineSymmetric(t *testing.T) {
	assert.InDelta(t,
		Haversine(12.1, 77.2, 13.4, 75.9),
		Haversine(13.4, 75.9, 12.1, 77.2),
		1e-9)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 12.97162, Round(12.971617, 5))
	assert.Equal(t, 77.5946, Round(77.59462, 4))
}

func TestHeadingDifference(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{10, 20, 10},
		{350, 10, 20},
		{0, 180, 180},
		{90, 270, 180},
		{45, 45, 0},
		{720, 5, 5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, HeadingDifference(tt.a, tt.b), 1e-9)
		assert.InDelta(t, tt.want, HeadingDifference(tt.b, tt.a), 1e-9)
	}
}

func TestRegionContains(t *testing.T) {
	assert.True(t, KarnatakaRegion.Contains(12.97, 77.59))
	assert.True(t, KarnatakaRegion.Contains(11.5, 74.0))
	assert.False(t, KarnatakaRegion.Contains(19.07, 72.87), "Mumbai")
	assert.False(t, KarnatakaRegion.Contains(13.08, 80.27), "Chennai")

	lat, lng := KarnatakaRegion.Center()
	assert.InDelta(t, 15.0, lat, 1e-9)
	assert.InDelta(t, 76.3, lng, 1e-9)
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(-90, 180))
	assert.False(t, ValidCoordinates(90.1, 0))
	assert.False(t, ValidCoordinates(0, -180.5))
}
