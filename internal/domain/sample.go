package domain

import (
	"fmt"
	"math"
	"time"
)

// PositionSample is a single geolocated, timestamped reading from a device.
type PositionSample struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy"`
	TimestampMs    int64    `json:"timestamp"`
	SpeedKmh       *float64 `json:"speed,omitempty"`
	HeadingDeg     *float64 `json:"heading,omitempty"`
}

// Time returns the sample timestamp as a time.Time.
func (s PositionSample) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Speed returns the reported speed, or 0 when the device did not report one.
func (s PositionSample) Speed() float64 {
	if s.SpeedKmh == nil {
		return 0
	}
	return *s.SpeedKmh
}

// Heading returns the reported heading, or 0 when absent.
func (s PositionSample) Heading() float64 {
	if s.HeadingDeg == nil {
		return 0
	}
	return *s.HeadingDeg
}

// DedupBucket is the width of the time bucket used by DedupKey.
const DedupBucket = 30 * time.Second

// DedupKey identifies samples that describe the same place at the same
// moment: coordinates rounded to 4 decimal places and a 30 second bucket.
func (s PositionSample) DedupKey() string {
	bucket := s.TimestampMs / DedupBucket.Milliseconds()
	return fmt.Sprintf("%.4f:%.4f:%d", round4(s.Latitude), round4(s.Longitude), bucket)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Float returns a pointer to v, for optional sample fields.
func Float(v float64) *float64 {
	return &v
}

// CompactSample is the bandwidth-saving wire form of a PositionSample.
type CompactSample struct {
	Lat float64  `json:"lat"`
	Lng float64  `json:"lng"`
	Acc float64  `json:"acc"`
	Ts  int64    `json:"ts"`
	Spd *float64 `json:"spd,omitempty"`
	Hdg *float64 `json:"hdg,omitempty"`
}

// Expand maps the compact form to a full sample. Missing speed and
// heading become 0.
func (c CompactSample) Expand() PositionSample {
	spd, hdg := 0.0, 0.0
	if c.Spd != nil {
		spd = *c.Spd
	}
	if c.Hdg != nil {
		hdg = *c.Hdg
	}
	return PositionSample{
		Latitude:       c.Lat,
		Longitude:      c.Lng,
		AccuracyMeters: c.Acc,
		TimestampMs:    c.Ts,
		SpeedKmh:       &spd,
		HeadingDeg:     &hdg,
	}
}

// Compact converts a sample to its compact wire form.
func Compact(s PositionSample) CompactSample {
	return CompactSample{
		Lat: s.Latitude,
		Lng: s.Longitude,
		Acc: s.AccuracyMeters,
		Ts:  s.TimestampMs,
		Spd: s.SpeedKmh,
		Hdg: s.HeadingDeg,
	}
}
