package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupKey(t *testing.T) {
	a := PositionSample{Latitude: 12.97161, Longitude: 77.59461, TimestampMs: 1_700_000_001_000}
	b := PositionSample{Latitude: 12.97158, Longitude: 77.59459, TimestampMs: 1_700_000_009_000}
	c := PositionSample{Latitude: 12.97161, Longitude: 77.59461, TimestampMs: 1_700_000_031_000}

	assert.Equal(t, a.DedupKey(), b.DedupKey(), "same 4dp cell and 30s bucket")
	assert.NotEqual(t, a.DedupKey(), c.DedupKey(), "next time bucket")
}

func TestCompactExpandDefaults(t *testing.T) {
	c := CompactSample{Lat: 12.9, Lng: 77.5, Acc: 15, Ts: 1000}
	s := c.Expand()

	assert.Equal(t, 12.9, s.Latitude)
	assert.Equal(t, 77.5, s.Longitude)
	assert.Equal(t, 15.0, s.AccuracyMeters)
	assert.Equal(t, int64(1000), s.TimestampMs)
	if assert.NotNil(t, s.SpeedKmh) {
		assert.Equal(t, 0.0, *s.SpeedKmh)
	}
	if assert.NotNil(t, s.HeadingDeg) {
		assert.Equal(t, 0.0, *s.HeadingDeg)
	}

	c.Spd = Float(42)
	assert.Equal(t, 42.0, c.Expand().Speed())
	back := Compact(c.Expand())
	assert.Equal(t, c.Lat, back.Lat)
	assert.Equal(t, c.Ts, back.Ts)
	assert.Equal(t, 42.0, *back.Spd)
}

func TestSpeedHeadingDefaults(t *testing.T) {
	var s PositionSample
	assert.Equal(t, 0.0, s.Speed())
	assert.Equal(t, 0.0, s.Heading())
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &UnknownTrainError{TrainNumber: "99999", Known: []string{"12627", "16591"}}
	assert.True(t, errors.Is(err, ErrUnknownTrain))
	assert.Contains(t, err.Error(), "12627")

	err = &NotFoundError{TrainNumber: "12627", TrainName: "Karnataka Express"}
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "Karnataka Express")

	err = &ValidationError{Field: "deviceId", Reason: "required"}
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStatusRank(t *testing.T) {
	assert.Greater(t, StatusUnknown.Rank(), StatusNormal.Rank())
	assert.Greater(t, StatusCritical.Rank(), StatusWarning.Rank())
	assert.Greater(t, RiskCritical.Rank(), RiskHigh.Rank())
}
