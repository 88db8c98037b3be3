package knn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railpulse/internal/domain"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, w := range Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, "distance", Name(FeatureDistance))
	assert.Equal(t, "routeIntersection", Name(FeatureRouteIntersection))
}

func TestRouteIntersection(t *testing.T) {
	tests := []struct {
		name   string
		r1, r2 string
		want   float64
	}{
		{"identical", "Bengaluru→Mysuru", "Bengaluru→Mysuru", 1},
		{"empty", "", "Bengaluru→Mysuru", 0},
		{"disjoint", "Hubballi→Belagavi", "Bengaluru→Mysuru", 0},
		{"partial over longer", "Bengaluru→Mandya→Mysuru", "Bengaluru → Mysuru", 2.0 / 3.0},
		{"ascii arrow and case", "bengaluru -> MYSURU", "Bengaluru→Mysuru", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RouteIntersection(tt.r1, tt.r2), 1e-9)
			assert.InDelta(t, tt.want, RouteIntersection(tt.r2, tt.r1), 1e-9)
		})
	}
}

func closingPair() (domain.KinematicState, domain.KinematicState) {
	a := domain.KinematicState{
		ID: "12627", Latitude: 12.9716, Longitude: 77.5946,
		SpeedKmh: 80, HeadingDeg: 90, Route: "Bengaluru→Mysuru",
	}
	b := domain.KinematicState{
		ID: "16591", Latitude: 12.9716 + 0.002698, Longitude: 77.5946,
		SpeedKmh: 20, HeadingDeg: 95, Route: "Bengaluru→Mysuru",
	}
	return a, b
}

func TestExtract(t *testing.T) {
	a, b := closingPair()
	f := Extract(a, b)

	assert.InDelta(t, 300, f[FeatureDistance], 0.5)
	assert.InDelta(t, 60/3.6, f[FeatureRelativeSpeed], 1e-9)
	assert.InDelta(t, 0.99619, f[FeatureConvergence], 1e-4)
	assert.InDelta(t, 5, f[FeatureHeadingDiff], 1e-9)
	assert.InDelta(t, 4, f[FeatureSpeedRatio], 1e-9)
	assert.InDelta(t, 0.485, f[FeatureProximity], 1e-4)
	assert.Equal(t, 1.0, f[FeatureRouteIntersection])

	assert.Equal(t, f, Extract(b, a))
}

func TestSpeedRatioStationary(t *testing.T) {
	assert.Equal(t, 1.0, speedRatio(0, 0))
	assert.Equal(t, 30.0, speedRatio(0, 30))
}

func TestConvergenceRateKeepsCalibratedShape(t *testing.T) {
	assert.InDelta(t, 1, convergenceRate(0), 1e-9)
	assert.InDelta(t, 0, convergenceRate(90), 1e-9)
	assert.InDelta(t, -1, convergenceRate(180), 1e-9)
}

func TestPredictCloseConvergingTrains(t *testing.T) {
	e := New(Options{})
	a, b := closingPair()

	p := e.Predict(a, b, now)

	assert.Contains(t, []domain.RiskLevel{domain.RiskHigh, domain.RiskCritical}, p.RiskLevel)
	assert.InDelta(t, 0.8694, p.Probability, 0.001)
	assert.Equal(t, [2]string{"12627", "16591"}, p.TrainPairIDs)
	assert.InDelta(t, 300, p.DistanceMeters, 0.5)
	assert.InDelta(t, 300/(60/3.6+0.1), p.TimeToCollisionSeconds, 0.1)
	assert.InDelta(t, 0.9618, p.Confidence, 1e-4)
	assert.Equal(t, now.UnixMilli(), p.TimestampMs)

	require.NotEmpty(t, p.Factors)
	assert.Contains(t, p.Factors[0], "Close proximity")
	assert.Contains(t, p.Factors[1], "High relative speed")
	assert.Contains(t, p.Factors, "CRITICAL: immediate intervention required")
}

func TestPredictSymmetric(t *testing.T) {
	e := New(Options{})
	a, b := closingPair()
	b.Latitude += 0.02
	b.AltitudeMeters = 12

	ab := e.Predict(a, b, now)
	ba := e.Predict(b, a, now)

	assert.Equal(t, ab.Probability, ba.Probability)
	assert.Equal(t, ab.RiskLevel, ba.RiskLevel)
	assert.Equal(t, ab.Factors, ba.Factors)
}

func TestProbabilityNeverIncreasesWithDistance(t *testing.T) {
	e := New(Options{})

	bases := []Features{
		{0, 10, 0.6, 40, 10, 1.5, 0.3, 0.5},
		{0, 30, 0.95, 5, 0, 1.5, 0.9, 1.0},
		{0, 1, 0, 180, 100, 1, 0, 0},
		{0, 16.7, 0.996, 5, 0, 4, 0.485, 1},
	}
	for _, base := range bases {
		prev := 1.0
		for d := 0.0; d <= 25000; d += 50 {
			f := base
			f[FeatureDistance] = d
			p := e.Probability(f)
			require.LessOrEqualf(t, p, prev+1e-12, "distance %.0f base %v", d, base)
			require.GreaterOrEqual(t, p, 0.0)
			prev = p
		}
	}
}

func TestProbabilityAlongDistance(t *testing.T) {
	e := New(Options{})
	base := Features{0, 10, 0.6, 40, 10, 1.5, 0.3, 0.5}

	for _, tt := range []struct {
		distance, want float64
	}{
		{100, 0.9252},
		{1000, 0.6587},
		{3000, 0.3973},
		{10000, 0.1163},
		{20000, 0.0276},
	} {
		f := base
		f[FeatureDistance] = tt.distance
		assert.InDelta(t, tt.want, e.Probability(f), 1e-3, "distance %.0f", tt.distance)
	}
}

func TestEstimateExactMatch(t *testing.T) {
	e := New(Options{})
	seed := SeedCorpus()[0]

	est := e.Estimate(seed.Features)

	require.Len(t, est.Neighbors, DefaultK)
	assert.Equal(t, 0.0, est.Neighbors[0].Distance)
	assert.InDelta(t, seed.Risk, est.Probability, 0.001)
	assert.True(t, est.Confidence > 0 && est.Confidence <= 1)
}

func TestEstimateEmptyCorpus(t *testing.T) {
	e := New(Options{})
	e.Load(nil)

	est := e.Estimate(Features{})

	assert.Zero(t, est.Probability)
	assert.Empty(t, est.Neighbors)
	assert.Zero(t, e.Probability(Features{}))
}

func TestLevel(t *testing.T) {
	assert.Equal(t, domain.RiskCritical, Level(0.8))
	assert.Equal(t, domain.RiskHigh, Level(0.79))
	assert.Equal(t, domain.RiskHigh, Level(0.6))
	assert.Equal(t, domain.RiskMedium, Level(0.3))
	assert.Equal(t, domain.RiskLow, Level(0.29))
}

func TestBatchPredict(t *testing.T) {
	e := New(Options{})
	a, b := closingPair()
	c := domain.KinematicState{ID: "17326", Latitude: 15.3647, Longitude: 75.1240, SpeedKmh: 45, HeadingDeg: 200}
	d := domain.KinematicState{ID: "12007", Latitude: 14.4644, Longitude: 75.9218, SpeedKmh: 90, HeadingDeg: 10}

	preds := e.BatchPredict([]domain.KinematicState{a, b, c, d}, now)

	require.Len(t, preds, 6)
	for i := 1; i < len(preds); i++ {
		assert.GreaterOrEqual(t, preds[i-1].Probability, preds[i].Probability)
	}
	assert.Equal(t, [2]string{"12627", "16591"}, preds[0].TrainPairIDs)

	assert.Empty(t, e.BatchPredict([]domain.KinematicState{a}, now))
}

func TestAddTrainingDataSlidingWindow(t *testing.T) {
	e := New(Options{MaxCorpus: 10})
	seeds := SeedCorpus()

	for i := 0; i < 5; i++ {
		e.AddTrainingData(Features{float64(100 * i)}, 0.5)
	}
	e.AddTrainingData(Features{42}, 1.7)

	corpus := e.Corpus()
	require.Len(t, corpus, 10)
	assert.Equal(t, seeds[5], corpus[0])
	assert.Equal(t, 1.0, corpus[9].Risk)
	assert.Equal(t, 42.0, corpus[9].Features[FeatureDistance])
}

func TestTrainingChangesPredictions(t *testing.T) {
	a, b := closingPair()
	seedOnly := New(Options{}).Predict(a, b, now)

	e := New(Options{})
	for i := 0; i < DefaultK; i++ {
		e.AddTrainingData(Extract(a, b), 0.1)
	}
	trained := e.Predict(a, b, now)

	assert.InDelta(t, 0.1, e.Estimate(Extract(a, b)).Probability, 1e-9)
	assert.Less(t, trained.Probability, seedOnly.Probability)
	assert.Equal(t, domain.RiskMedium, trained.RiskLevel)
}

func TestSafeOutcomesLowerReportedLevel(t *testing.T) {
	a, b := closingPair()
	e := New(Options{})
	before := e.Predict(a, b, now)
	require.Equal(t, domain.RiskCritical, before.RiskLevel)

	for i := 0; i < 20; i++ {
		e.AddTrainingData(Extract(a, b), 0)
	}
	after := e.Predict(a, b, now)

	assert.Zero(t, e.Estimate(Extract(a, b)).Probability)
	assert.Equal(t, domain.RiskMedium, after.RiskLevel)
	assert.InDelta(t, 0.3436, after.Probability, 1e-3)

	f := Extract(a, b)
	prev := 1.0
	for d := 0.0; d <= 20000; d += 10 {
		f[FeatureDistance] = d
		p := e.Probability(f)
		require.LessOrEqualf(t, p, prev+1e-12, "distance %.0f", d)
		prev = p
	}
}

func TestNonIncreasingFit(t *testing.T) {
	assert.Equal(t, []float64{3, 2, 2, 1}, nonIncreasing([]float64{3, 1, 3, 1}))
	assert.Equal(t, []float64{0.5, 0.5}, nonIncreasing([]float64{0, 1}))
	assert.Equal(t, []float64{4, 3, 2}, nonIncreasing([]float64{4, 3, 2}))
	assert.Empty(t, nonIncreasing(nil))
}

func TestSeparationGridIncludesAnchors(t *testing.T) {
	grid := separationGrid(1000, []float64{300, 300, 0, 2000})

	assert.Equal(t, 0.0, grid[0])
	assert.Equal(t, 1000.0, grid[len(grid)-1])
	assert.Contains(t, grid, 300.0)
	assert.NotContains(t, grid, 2000.0)
	for i := 1; i < len(grid); i++ {
		assert.Less(t, grid[i-1], grid[i])
	}
}

func TestLoadKeepsMostRecent(t *testing.T) {
	e := New(Options{MaxCorpus: 3})
	e.Load(SeedCorpus())

	corpus := e.Corpus()
	require.Len(t, corpus, 3)
	assert.Equal(t, SeedCorpus()[6:], corpus)
}
