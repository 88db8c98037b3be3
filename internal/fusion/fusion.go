// Package fusion turns a train's noisy multi-device sample window into a
// single live position and scores how trustworthy that window is.
package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"railpulse/internal/domain"
	"railpulse/internal/geo"
)

// DefaultHorizon is how far back samples contribute to a fused position.
const DefaultHorizon = 10 * time.Minute

// MaxPlausibleSpeedKmh bounds the point-to-point speeds used for the
// consistency factor.
const MaxPlausibleSpeedKmh = 120.0

type Engine struct {
	Horizon time.Duration
}

func NewEngine(horizon time.Duration) *Engine {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Engine{Horizon: horizon}
}

// Recent returns the samples strictly newer than the fusion horizon.
func (e *Engine) Recent(samples []domain.PositionSample, now time.Time) []domain.PositionSample {
	cutoff := now.Add(-e.Horizon).UnixMilli()
	recent := make([]domain.PositionSample, 0, len(samples))
	for _, s := range samples {
		if s.TimestampMs > cutoff && s.AccuracyMeters > 0 {
			recent = append(recent, s)
		}
	}
	return recent
}

// Fuse computes the recency and accuracy weighted position. It returns
// nil when no sample falls inside the horizon; callers must treat that as
// unknown, not as safe.
func (e *Engine) Fuse(samples []domain.PositionSample, contributors int, now time.Time) *domain.FusedPosition {
	recent := e.Recent(samples, now)
	if len(recent) == 0 {
		return nil
	}

	horizonMs := float64(e.Horizon.Milliseconds())
	nowMs := now.UnixMilli()

	n := len(recent)
	lats := make([]float64, n)
	lngs := make([]float64, n)
	speeds := make([]float64, n)
	weights := make([]float64, n)

	best := math.Inf(1)
	newest := recent[0]
	for i, s := range recent {
		recency := 1 - float64(nowMs-s.TimestampMs)/horizonMs
		weights[i] = recency * (1 / s.AccuracyMeters)
		lats[i] = s.Latitude
		lngs[i] = s.Longitude
		speeds[i] = s.Speed()

		if s.AccuracyMeters < best {
			best = s.AccuracyMeters
		}
		if s.TimestampMs > newest.TimestampMs {
			newest = s
		}
	}

	// Heading comes from the newest sample; headings are not averaged.
	return &domain.FusedPosition{
		Latitude:         stat.Mean(lats, weights),
		Longitude:        stat.Mean(lngs, weights),
		AccuracyMeters:   best,
		SpeedKmh:         stat.Mean(speeds, weights),
		HeadingDeg:       newest.Heading(),
		TimestampMs:      nowMs,
		ContributorCount: contributors,
		Confidence:       Confidence(n),
	}
}

// Confidence rates a fused position by how many recent samples fed it.
func Confidence(recentCount int) float64 {
	return math.Min(float64(recentCount)*15, 100)
}

// Quality scores a whole window (newest first) on a 0-100 scale, blending
// accuracy, movement consistency, recency and contributor count.
func Quality(samples []domain.PositionSample, contributors int, now time.Time) float64 {
	if len(samples) == 0 {
		return 0
	}

	accuracies := make([]float64, len(samples))
	newest := samples[0].TimestampMs
	for i, s := range samples {
		accuracies[i] = s.AccuracyMeters
		if s.TimestampMs > newest {
			newest = s.TimestampMs
		}
	}
	accuracyFactor := clamp((100 - stat.Mean(accuracies, nil)) * 2)

	consistencyFactor := Consistency(samples)

	minutesSince := float64(now.UnixMilli()-newest) / 60000
	recencyFactor := clamp(100 - minutesSince*2)

	contributorFactor := math.Min(100, float64(contributors)*10)

	return 0.3*accuracyFactor + 0.2*consistencyFactor + 0.3*recencyFactor + 0.2*contributorFactor
}

// Consistency scores the spread of implied speeds between consecutive
// samples (newest first input). Fewer than two samples score 100; a window
// with no plausible implied speed scores 50.
func Consistency(samples []domain.PositionSample) float64 {
	if len(samples) < 2 {
		return 100
	}

	var speeds []float64
	for i := len(samples) - 1; i > 0; i-- {
		older, newer := samples[i], samples[i-1]
		hours := float64(newer.TimestampMs-older.TimestampMs) / 3_600_000
		if hours <= 0 {
			continue
		}
		km := geo.Haversine(older.Latitude, older.Longitude, newer.Latitude, newer.Longitude) / 1000
		if v := km / hours; v <= MaxPlausibleSpeedKmh {
			speeds = append(speeds, v)
		}
	}
	if len(speeds) == 0 {
		return 50
	}

	_, std := stat.PopMeanStdDev(speeds, nil)
	return clamp(100 - std*10)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
