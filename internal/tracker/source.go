package tracker

import (
	"context"
	"time"
)

// Observation is one raw fix reported by a location source.
type Observation struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Time           time.Time
	SpeedKmh       *float64
	HeadingDeg     *float64
}

// WatchOptions mirrors the observation settings a source is started with.
type WatchOptions struct {
	HighAccuracy bool
	// Timeout is how long to wait for a fix before reporting its absence.
	Timeout time.Duration
	// MaxSampleAge is the oldest fix accepted as current.
	MaxSampleAge time.Duration
}

func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		HighAccuracy: false,
		Timeout:      15 * time.Second,
		MaxSampleAge: 30 * time.Second,
	}
}

// LocationSource produces observations until ctx is done, then closes the
// channel. Start errors wrap domain.ErrUnsupported when the capability is
// missing and domain.ErrPermission when access is denied.
type LocationSource interface {
	Start(ctx context.Context, opts WatchOptions) (<-chan Observation, error)
}
