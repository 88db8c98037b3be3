package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/fusion"
	"railpulse/internal/geo"
	"railpulse/internal/hub"
	"railpulse/internal/knn"
	"railpulse/internal/metrics"
	"railpulse/internal/registry"
	"railpulse/internal/safety"
	"railpulse/internal/store"
)

const (
	MaxSampleAge     = time.Hour
	MaxClockSkew     = time.Minute
	MaxAccuracy      = 500.0
	DetailSampleSize = 10
	NearbyLimit      = 5
	knownTrainHints  = 5
)

type Broadcaster interface {
	Broadcast(updates []domain.LiveUpdate)
}

type Options struct {
	MaxBatchSize  int
	Region        geo.Region
	ZoomLevel     int
	PruneInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxBatchSize:  100,
		Region:        geo.KarnatakaRegion,
		ZoomLevel:     12,
		PruneInterval: time.Minute,
	}
}

// Service validates position batches, keeps the per-train windows and
// derives live positions, safety assessments and collision risk from them.
type Service struct {
	registry      *registry.Registry
	store         *store.Store
	engine        *fusion.Engine
	policy        safety.Policy
	estimator     *knn.Estimator
	contributions *Contributions
	broadcaster   Broadcaster
	metrics       *metrics.Metrics
	logger        *slog.Logger
	opts          Options
	ops           *operations
	onPrune       func(context.Context, []string)

	// Now is the clock used by Run.
	Now func() time.Time
}

type Deps struct {
	Registry      *registry.Registry
	Store         *store.Store
	Engine        *fusion.Engine
	Policy        safety.Policy
	Estimator     *knn.Estimator
	Contributions *Contributions
	Broadcaster   Broadcaster
	Metrics       *metrics.Metrics
}

func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	if opts.ZoomLevel <= 0 {
		opts.ZoomLevel = def.ZoomLevel
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if deps.Engine == nil {
		deps.Engine = fusion.NewEngine(fusion.DefaultHorizon)
	}
	if deps.Estimator == nil {
		deps.Estimator = knn.New(knn.Options{})
	}
	if deps.Contributions == nil {
		deps.Contributions = NewContributions(0, 0)
	}
	return &Service{
		registry:      deps.Registry,
		store:         deps.Store,
		engine:        deps.Engine,
		policy:        deps.Policy,
		estimator:     deps.Estimator,
		contributions: deps.Contributions,
		broadcaster:   deps.Broadcaster,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "ingestor"),
		opts:          opts,
		ops:           newOperations(),
		Now:           time.Now,
	}
}

// Submit runs one batch through validation, filtering, deduplication,
// storage and fusion. Requests failing structural validation or train
// lookup leave no trace in shared state.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest, now time.Time) (*domain.SubmitResult, error) {
	start := time.Now()
	res, err := s.submit(ctx, req, now)

	outcome := metrics.OutcomeAccepted
	switch {
	case errors.Is(err, domain.ErrValidation):
		outcome = metrics.OutcomeInvalid
	case errors.Is(err, domain.ErrUnknownTrain):
		outcome = metrics.OutcomeUnknownTrain
	case errors.Is(err, domain.ErrNoValidCoordinates):
		outcome = metrics.OutcomeNoCoordinates
	case err != nil:
		outcome = metrics.OutcomeError
	}
	var stored, filtered int
	if res != nil {
		stored, filtered = res.Stored, res.Filtered
	}
	s.metrics.ObserveSubmit(outcome, stored, filtered, time.Since(start))
	return res, err
}

func (s *Service) submit(ctx context.Context, req domain.SubmitRequest, now time.Time) (*domain.SubmitResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	info, ok := s.registry.Lookup(req.TrainNumber)
	if !ok {
		return nil, &domain.UnknownTrainError{TrainNumber: req.TrainNumber, Known: s.registry.Sample(knownTrainHints)}
	}

	valid := make([]domain.PositionSample, 0, len(req.Positions))
	for i, raw := range req.Positions {
		sample, err := decodeSample(raw, req.Compressed)
		if err != nil {
			s.logger.Debug("dropping undecodable sample", "train_number", req.TrainNumber, "index", i, "error", err)
			continue
		}
		if !s.Accept(sample, now) {
			continue
		}
		valid = append(valid, sample)
	}
	filtered := len(req.Positions) - len(valid)
	if len(valid) == 0 {
		return nil, fmt.Errorf("train %s: all %d samples rejected: %w", req.TrainNumber, filtered, domain.ErrNoValidCoordinates)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deduped := Dedup(valid)
	appended := s.store.Append(req.TrainNumber, req.DeviceID, deduped, now)
	snap := appended.Snapshot

	fused := s.engine.Fuse(snap.Samples, snap.Contributors(), now)
	s.contributions.Record(req.DeviceID, req.TrainNumber, req.UserType, len(deduped), now)
	s.metrics.SetTrackedTrains(s.store.Count())

	if fused != nil && s.broadcaster != nil {
		a := s.assess(snap, fused, now)
		s.broadcaster.Broadcast([]domain.LiveUpdate{{
			Type:         domain.UpdatePosition,
			TrainNumber:  req.TrainNumber,
			TrainName:    info.Name,
			Position:     fused,
			QualityScore: snap.QualityScore,
			SafetyStatus: a.Status,
			TileID:       hub.TileID(fused.Latitude, fused.Longitude, s.opts.ZoomLevel),
		}})
	}

	s.logger.Debug("batch stored",
		"train_number", req.TrainNumber,
		"device_id", req.DeviceID,
		"stored", len(deduped),
		"filtered", filtered,
		"added", appended.Added,
		"replaced", appended.Replaced,
		"evicted", appended.Evicted,
		"window", len(snap.Samples),
	)

	return &domain.SubmitResult{
		Success:      true,
		TrainNumber:  req.TrainNumber,
		TrainName:    info.Name,
		Stored:       len(deduped),
		Filtered:     filtered,
		LivePosition: fused,
		QualityScore: geo.Round(snap.QualityScore, 1),
		Contributors: snap.Contributors(),
		Timestamp:    now.UnixMilli(),
	}, nil
}

func (s *Service) validate(req *domain.SubmitRequest) error {
	req.TrainNumber = strings.TrimSpace(req.TrainNumber)
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	switch {
	case req.TrainNumber == "":
		return &domain.ValidationError{Field: "trainNumber", Reason: "required"}
	case req.DeviceID == "":
		return &domain.ValidationError{Field: "deviceId", Reason: "required"}
	case len(req.Positions) == 0:
		return &domain.ValidationError{Field: "positions", Reason: "must be a non-empty array"}
	case len(req.Positions) > s.opts.MaxBatchSize:
		return &domain.ValidationError{Field: "positions", Reason: fmt.Sprintf("at most %d entries per batch", s.opts.MaxBatchSize)}
	case !req.UserType.Valid():
		return &domain.ValidationError{Field: "userType", Reason: fmt.Sprintf("unknown user type %q", req.UserType)}
	}
	return nil
}

func decodeSample(raw json.RawMessage, compressed bool) (domain.PositionSample, error) {
	if compressed {
		var c domain.CompactSample
		if err := json.Unmarshal(raw, &c); err != nil {
			return domain.PositionSample{}, fmt.Errorf("decode compact sample: %w", err)
		}
		return c.Expand(), nil
	}
	var p domain.PositionSample
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.PositionSample{}, fmt.Errorf("decode sample: %w", err)
	}
	return p, nil
}

// Accept reports whether a sample passes the coordinate, accuracy,
// freshness and service region checks.
func (s *Service) Accept(p domain.PositionSample, now time.Time) bool {
	if !geo.ValidCoordinates(p.Latitude, p.Longitude) {
		return false
	}
	if p.AccuracyMeters <= 0 || p.AccuracyMeters > MaxAccuracy {
		return false
	}
	nowMs := now.UnixMilli()
	if p.TimestampMs < nowMs-MaxSampleAge.Milliseconds() || p.TimestampMs > nowMs+MaxClockSkew.Milliseconds() {
		return false
	}
	return s.opts.Region.Contains(p.Latitude, p.Longitude)
}

// Dedup collapses samples sharing a dedup key, keeping the most accurate.
// The first occurrence of each key fixes its position in the output.
func Dedup(samples []domain.PositionSample) []domain.PositionSample {
	index := make(map[string]int, len(samples))
	out := make([]domain.PositionSample, 0, len(samples))
	for _, p := range samples {
		key := p.DedupKey()
		if i, ok := index[key]; ok {
			if p.AccuracyMeters < out[i].AccuracyMeters {
				out[i] = p
			}
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}

func (s *Service) assess(snap *store.Snapshot, fused *domain.FusedPosition, now time.Time) safety.Assessment {
	var lastMs int64
	if latest, ok := snap.Latest(); ok {
		lastMs = latest.TimestampMs
	}
	recent := len(s.engine.Recent(snap.Samples, now))
	return s.policy.Assess(fused, recent, lastMs, now)
}

// Summary lists every tracked train with its live position and status.
func (s *Service) Summary(now time.Time) []domain.TrainSummary {
	snaps := s.store.Snapshot()
	result := make([]domain.TrainSummary, 0, len(snaps))
	for _, snap := range snaps {
		fused := s.engine.Fuse(snap.Samples, snap.Contributors(), now)
		a, _ := s.withOperations(snap.TrainNumber, s.assess(snap, fused, now), now)
		var last int64
		if latest, ok := snap.Latest(); ok {
			last = latest.TimestampMs
		}
		result = append(result, domain.TrainSummary{
			TrainNumber:   snap.TrainNumber,
			TrainName:     s.registry.Name(snap.TrainNumber),
			SampleCount:   len(snap.Samples),
			Contributors:  snap.Contributors(),
			QualityScore:  geo.Round(snap.QualityScore, 1),
			LastUpdateMs:  last,
			LivePosition:  fused,
			SafetyStatus:  a.Status,
			CollisionRisk: a.CollisionRisk,
		})
	}
	return result
}

// Detail returns the most recent samples and live assessment of one train.
func (s *Service) Detail(train string, now time.Time) (*domain.TrainDetail, error) {
	info, _ := s.registry.Lookup(train)
	snap, ok := s.store.Get(train)
	if !ok || len(snap.Samples) == 0 {
		return nil, &domain.NotFoundError{TrainNumber: train, TrainName: info.Name}
	}

	recent := snap.Samples
	if len(recent) > DetailSampleSize {
		recent = recent[:DetailSampleSize]
	}
	fused := s.engine.Fuse(snap.Samples, snap.Contributors(), now)
	a, ops := s.withOperations(train, s.assess(snap, fused, now), now)

	return &domain.TrainDetail{
		TrainNumber:   train,
		TrainName:     info.Name,
		Route:         info.Route,
		RecentSamples: recent,
		SampleCount:   len(snap.Samples),
		Contributors:  snap.Contributors(),
		QualityScore:  geo.Round(snap.QualityScore, 1),
		LivePosition:  fused,
		SafetyStatus:  a.Status,
		CollisionRisk: a.CollisionRisk,
		Alerts:        a.Alerts,
		Operations:    ops,
	}, nil
}

// NearbyTrain is one row of the nearby query.
type NearbyTrain struct {
	TrainNumber    string                      `json:"trainNumber"`
	TrainName      string                      `json:"trainName,omitempty"`
	DistanceMeters float64                     `json:"distance"`
	SpeedKmh       float64                     `json:"speed"`
	Position       *domain.FusedPosition       `json:"position"`
	CollisionRisk  domain.RiskLevel            `json:"collisionRisk"`
	SafetyStatus   domain.SafetyStatus         `json:"safetyStatus"`
	Alerts         []string                    `json:"alerts,omitempty"`
	NearestRisk    *domain.CollisionPrediction `json:"nearestRisk,omitempty"`
}

type live struct {
	snap  *store.Snapshot
	fused *domain.FusedPosition
	state domain.KinematicState
}

func (s *Service) liveTrains(now time.Time) []live {
	var trains []live
	for _, snap := range s.store.Snapshot() {
		fused := s.engine.Fuse(snap.Samples, snap.Contributors(), now)
		if fused == nil {
			continue
		}
		info, _ := s.registry.Lookup(snap.TrainNumber)
		trains = append(trains, live{
			snap:  snap,
			fused: fused,
			state: domain.KinematicState{
				ID:          snap.TrainNumber,
				Latitude:    fused.Latitude,
				Longitude:   fused.Longitude,
				SpeedKmh:    fused.SpeedKmh,
				HeadingDeg:  fused.HeadingDeg,
				TimestampMs: fused.TimestampMs,
				Route:       info.Route,
			},
		})
	}
	return trains
}

// Live returns a position update for every train with a live position.
func (s *Service) Live(now time.Time) []domain.LiveUpdate {
	trains := s.liveTrains(now)
	updates := make([]domain.LiveUpdate, len(trains))
	for i, t := range trains {
		a := s.assess(t.snap, t.fused, now)
		updates[i] = domain.LiveUpdate{
			Type:         domain.UpdatePosition,
			TrainNumber:  t.state.ID,
			TrainName:    s.registry.Name(t.state.ID),
			Position:     t.fused,
			QualityScore: geo.Round(t.snap.QualityScore, 1),
			SafetyStatus: a.Status,
			TileID:       hub.TileID(t.fused.Latitude, t.fused.Longitude, s.opts.ZoomLevel),
		}
	}
	return updates
}

// Nearby returns up to limit live trains ordered by distance from the
// point. Each carries its safety assessment merged with the collision
// risk against the closest other live train.
func (s *Service) Nearby(lat, lng float64, limit int, now time.Time) []NearbyTrain {
	if limit <= 0 || limit > NearbyLimit {
		limit = NearbyLimit
	}
	trains := s.liveTrains(now)

	result := make([]NearbyTrain, 0, len(trains))
	for i, t := range trains {
		a := s.assess(t.snap, t.fused, now)

		var nearest *domain.CollisionPrediction
		if j := closest(trains, i); j >= 0 {
			pred := s.estimator.Predict(t.state, trains[j].state, now)
			nearest = &pred
			a = safety.Merge(a, safety.Assessment{
				CollisionRisk: pred.RiskLevel,
				Status:        s.policy.FromPrediction(pred),
			})
		}

		result = append(result, NearbyTrain{
			TrainNumber:    t.state.ID,
			TrainName:      s.registry.Name(t.state.ID),
			DistanceMeters: geo.Round(geo.Haversine(lat, lng, t.fused.Latitude, t.fused.Longitude), 0),
			SpeedKmh:       geo.Round(t.fused.SpeedKmh, 1),
			Position:       t.fused,
			CollisionRisk:  a.CollisionRisk,
			SafetyStatus:   a.Status,
			Alerts:         a.Alerts,
			NearestRisk:    nearest,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DistanceMeters < result[j].DistanceMeters
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func closest(trains []live, i int) int {
	best, bestDist := -1, 0.0
	for j := range trains {
		if j == i {
			continue
		}
		d := geo.Haversine(trains[i].fused.Latitude, trains[i].fused.Longitude, trains[j].fused.Latitude, trains[j].fused.Longitude)
		if best < 0 || d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// Collisions predicts pairwise risk across every train with a live position.
func (s *Service) Collisions(now time.Time) []domain.CollisionPrediction {
	trains := s.liveTrains(now)
	states := make([]domain.KinematicState, len(trains))
	for i, t := range trains {
		states[i] = t.state
	}
	preds := s.estimator.BatchPredict(states, now)
	for _, p := range preds {
		s.metrics.ObservePrediction(string(p.RiskLevel))
	}
	return preds
}

// Run prunes stale windows on every tick until ctx is done and tells
// subscribers about trains that dropped out.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Prune(s.Now())
			if len(removed) > 0 && s.onPrune != nil {
				s.onPrune(ctx, removed)
			}
		}
	}
}

// SetOnPrune registers a callback invoked by Run with the trains each
// prune removed.
func (s *Service) SetOnPrune(fn func(context.Context, []string)) {
	s.onPrune = fn
}

// Prune drops windows with no sample inside the retention age and returns
// the removed train numbers.
func (s *Service) Prune(now time.Time) []string {
	s.ops.prune(now)
	removed := s.store.PruneStale(now)
	s.metrics.SetTrackedTrains(s.store.Count())
	if len(removed) == 0 {
		return nil
	}

	if s.broadcaster != nil {
		updates := make([]domain.LiveUpdate, len(removed))
		for i, train := range removed {
			updates[i] = domain.LiveUpdate{Type: domain.UpdateRemove, TrainNumber: train}
		}
		s.broadcaster.Broadcast(updates)
	}
	s.logger.Info("pruned stale trains", "count", len(removed), "trains", removed)
	return removed
}

// IsReady reports whether the train registry has been loaded.
func (s *Service) IsReady() bool {
	return s.registry.IsReady()
}

func (s *Service) Contributions() *Contributions {
	return s.contributions
}

func (s *Service) Estimator() *knn.Estimator {
	return s.estimator
}
