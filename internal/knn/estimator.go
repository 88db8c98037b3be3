package knn

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"railpulse/internal/domain"
)

const (
	DefaultK         = 5
	DefaultMaxCorpus = 1000

	// weightEpsilon keeps inverse-distance weights finite on exact matches.
	weightEpsilon = 0.001
)

// Example is one labelled entry of the corpus.
type Example struct {
	Features Features `json:"features"`
	Risk     float64  `json:"risk"`
}

// Neighbor is a corpus example together with its distance to a query.
type Neighbor struct {
	Example
	Distance float64 `json:"distance"`
}

// Estimate is the raw k-nearest-neighbour result for one feature vector.
type Estimate struct {
	Probability float64
	Confidence  float64
	Neighbors   []Neighbor
}

// SeedCorpus returns the hand-authored exemplars spanning high, medium and
// low risk.
func SeedCorpus() []Example {
	return []Example{
		{Features{50, 30, 0.95, 5, 0, 1.5, 0.9, 1.0}, 0.98},
		{Features{200, 25, 0.9, 10, 5, 2.0, 0.8, 1.0}, 0.92},
		{Features{500, 20, 0.85, 15, 10, 2.5, 0.6, 0.8}, 0.80},
		{Features{1000, 15, 0.7, 30, 10, 1.8, 0.45, 0.6}, 0.62},
		{Features{2000, 12, 0.5, 60, 20, 1.5, 0.3, 0.5}, 0.45},
		{Features{3500, 8, 0.3, 90, 30, 1.3, 0.2, 0.3}, 0.30},
		{Features{5000, 5, 0.2, 120, 50, 1.2, 0.1, 0.2}, 0.15},
		{Features{8000, 3, 0.1, 150, 80, 1.1, 0.05, 0}, 0.05},
		{Features{15000, 1, 0, 180, 100, 1.0, 0, 0}, 0.02},
	}
}

type Options struct {
	K         int
	MaxCorpus int
}

// Estimator predicts pairwise collision risk by analogy to its corpus.
// It is safe for concurrent use.
type Estimator struct {
	mu        sync.RWMutex
	corpus    []Example
	k         int
	maxCorpus int
}

func New(opts Options) *Estimator {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.MaxCorpus <= 0 {
		opts.MaxCorpus = DefaultMaxCorpus
	}
	return &Estimator{
		corpus:    SeedCorpus(),
		k:         opts.K,
		maxCorpus: opts.MaxCorpus,
	}
}

// AddTrainingData appends one labelled example, evicting the oldest once
// the corpus exceeds its cap.
func (e *Estimator) AddTrainingData(f Features, actualRisk float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.corpus = append(e.corpus, Example{Features: f, Risk: math.Max(0, math.Min(1, actualRisk))})
	if over := len(e.corpus) - e.maxCorpus; over > 0 {
		e.corpus = append([]Example(nil), e.corpus[over:]...)
	}
}

// Corpus returns a copy of the current corpus, oldest first.
func (e *Estimator) Corpus() []Example {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Example(nil), e.corpus...)
}

// Load replaces the corpus, keeping the most recent MaxCorpus entries.
func (e *Estimator) Load(corpus []Example) {
	if len(corpus) > e.maxCorpus {
		corpus = corpus[len(corpus)-e.maxCorpus:]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.corpus = append([]Example(nil), corpus...)
}

// Estimate runs the inverse-distance weighted k-nearest-neighbour lookup.
func (e *Estimator) Estimate(f Features) Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimateLocked(f)
}

func (e *Estimator) estimateLocked(f Features) Estimate {
	if len(e.corpus) == 0 {
		return Estimate{}
	}

	neighbors := make([]Neighbor, len(e.corpus))
	for i, ex := range e.corpus {
		neighbors[i] = Neighbor{Example: ex, Distance: WeightedDistance(f, ex.Features)}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > e.k {
		neighbors = neighbors[:e.k]
	}

	risks := make([]float64, len(neighbors))
	weights := make([]float64, len(neighbors))
	for i, n := range neighbors {
		risks[i] = n.Risk
		weights[i] = 1 / (n.Distance + weightEpsilon)
	}

	_, variance := stat.PopMeanVariance(risks, nil)
	return Estimate{
		Probability: stat.Mean(risks, weights),
		Confidence:  math.Max(0, 1-variance),
		Neighbors:   neighbors,
	}
}

// Probability is the reported risk for f. The raw estimate is sampled
// along the distance axis with every other feature held at f's values,
// projected onto the closest non-increasing curve and read back at f's
// distance. Past the corpus horizon the horizon value holds.
func (e *Estimator) Probability(f Features) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.probabilityLocked(f)
}

func (e *Estimator) probabilityLocked(f Features) float64 {
	if len(e.corpus) == 0 {
		return 0
	}

	horizon := e.horizonLocked()
	grid := separationGrid(horizon, e.anchorsLocked(f))

	probe := f
	curve := make([]float64, len(grid))
	for i, g := range grid {
		probe[FeatureDistance] = g
		curve[i] = e.estimateLocked(probe).Probability
	}
	curve = nonIncreasing(curve)

	d := f[FeatureDistance]
	if d >= horizon {
		return curve[len(curve)-1]
	}
	i := sort.SearchFloat64s(grid, d)
	if i == 0 || grid[i] == d {
		return curve[i]
	}
	t := (d - grid[i-1]) / (grid[i] - grid[i-1])
	return curve[i-1] + t*(curve[i]-curve[i-1])
}

func (e *Estimator) horizonLocked() float64 {
	h := 0.0
	for _, ex := range e.corpus {
		h = math.Max(h, ex.Features[FeatureDistance])
	}
	return h
}

// anchorsLocked returns the separations of the k examples closest to f
// when distance is ignored. The grid samples them exactly, so a cluster
// of local evidence is never stepped over.
func (e *Estimator) anchorsLocked(f Features) []float64 {
	type scored struct {
		separation, distance float64
	}
	all := make([]scored, len(e.corpus))
	for i, ex := range e.corpus {
		g := ex.Features
		g[FeatureDistance] = f[FeatureDistance]
		all[i] = scored{ex.Features[FeatureDistance], WeightedDistance(f, g)}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].distance < all[j].distance
	})
	if len(all) > e.k {
		all = all[:e.k]
	}
	anchors := make([]float64, len(all))
	for i, s := range all {
		anchors[i] = s.separation
	}
	return anchors
}

// separationGrid samples [0, horizon] geometrically from 10 m, adds the
// anchors and returns the points sorted without duplicates. The query
// distance is not a grid point: queries that differ only in distance must
// read the same curve.
func separationGrid(horizon float64, anchors []float64) []float64 {
	grid := []float64{0, horizon}
	for g := 10.0; g < horizon; g *= 1.15 {
		grid = append(grid, g)
	}
	for _, a := range anchors {
		if a > 0 && a < horizon {
			grid = append(grid, a)
		}
	}
	sort.Float64s(grid)

	out := grid[:1]
	for _, g := range grid[1:] {
		if g != out[len(out)-1] {
			out = append(out, g)
		}
	}
	return out
}

// nonIncreasing is the least-squares non-increasing fit of y
// (pool adjacent violators).
func nonIncreasing(y []float64) []float64 {
	type block struct {
		sum   float64
		count int
	}
	mean := func(b block) float64 { return b.sum / float64(b.count) }

	blocks := make([]block, 0, len(y))
	for _, v := range y {
		blocks = append(blocks, block{v, 1})
		for n := len(blocks); n > 1 && mean(blocks[n-2]) < mean(blocks[n-1]); n = len(blocks) {
			blocks[n-2].sum += blocks[n-1].sum
			blocks[n-2].count += blocks[n-1].count
			blocks = blocks[:n-1]
		}
	}

	out := make([]float64, 0, len(y))
	for _, b := range blocks {
		for i := 0; i < b.count; i++ {
			out = append(out, mean(b))
		}
	}
	return out
}

// Level maps a probability to its risk category.
func Level(p float64) domain.RiskLevel {
	switch {
	case p >= 0.8:
		return domain.RiskCritical
	case p >= 0.6:
		return domain.RiskHigh
	case p >= 0.3:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Predict estimates the collision risk between two trains.
func (e *Estimator) Predict(a, b domain.KinematicState, now time.Time) domain.CollisionPrediction {
	f := Extract(a, b)

	e.mu.RLock()
	est := e.estimateLocked(f)
	p := e.probabilityLocked(f)
	e.mu.RUnlock()

	return domain.CollisionPrediction{
		TrainPairIDs:           [2]string{a.ID, b.ID},
		RiskLevel:              Level(p),
		Probability:            p,
		TimeToCollisionSeconds: f[FeatureDistance] / (f[FeatureRelativeSpeed] + 0.1),
		DistanceMeters:         f[FeatureDistance],
		Factors:                Factors(f, p),
		Confidence:             est.Confidence,
		TimestampMs:            now.UnixMilli(),
	}
}

// BatchPredict evaluates every unordered pair and returns the predictions
// by descending probability. Cost grows with the square of the fleet size.
func (e *Estimator) BatchPredict(states []domain.KinematicState, now time.Time) []domain.CollisionPrediction {
	if len(states) < 2 {
		return []domain.CollisionPrediction{}
	}
	preds := make([]domain.CollisionPrediction, 0, len(states)*(len(states)-1)/2)
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			preds = append(preds, e.Predict(states[i], states[j], now))
		}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Probability > preds[j].Probability
	})
	return preds
}

// Factors lists the human-readable reasons behind a prediction.
func Factors(f Features, probability float64) []string {
	factors := []string{}
	if d := f[FeatureDistance]; d < 1000 {
		factors = append(factors, fmt.Sprintf("Close proximity: %.0f m apart", d))
	}
	if v := f[FeatureRelativeSpeed] * 3.6; v > 50 {
		factors = append(factors, fmt.Sprintf("High relative speed: %.0f km/h", v))
	}
	if f[FeatureConvergence] > 0.7 {
		factors = append(factors, "Converging trajectories")
	}
	if h := f[FeatureHeadingDiff]; h < 30 {
		factors = append(factors, fmt.Sprintf("Similar headings: %.0f° apart", h))
	}
	if f[FeatureRouteIntersection] > 0.5 {
		factors = append(factors, "Shared route segment")
	}
	if f[FeatureProximity] > 0.6 {
		factors = append(factors, "High proximity score")
	}
	if probability > 0.8 {
		factors = append(factors, "CRITICAL: immediate intervention required")
	}
	return factors
}
