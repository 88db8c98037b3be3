package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/geo"
)

const (
	dedupDistanceMeters = 10.0
	dedupInterval       = 10 * time.Second
	coordinatePlaces    = 5
	pendingBatches      = 8
)

var ErrAlreadyTracking = errors.New("tracking already started")

type Options struct {
	TrainNumber string
	DeviceID    string
	UserType    domain.UserType

	MinAccuracy    float64
	BatchSize      int
	UpdateInterval time.Duration
	Compress       bool

	Watch WatchOptions
}

func DefaultOptions() Options {
	return Options{
		UserType:       domain.UserPassenger,
		MinAccuracy:    100,
		BatchSize:      5,
		UpdateInterval: 30 * time.Second,
		Compress:       true,
		Watch:          DefaultWatchOptions(),
	}
}

// Stats counts what happened to observations since the tracker was built.
type Stats struct {
	Observed         int64 `json:"observed"`
	Stale            int64 `json:"stale"`
	RejectedAccuracy int64 `json:"rejectedAccuracy"`
	Deduplicated     int64 `json:"deduplicated"`
	Accepted         int64 `json:"accepted"`
	Sent             int64 `json:"sent"`
	Queued           int64 `json:"queued"`
	Replayed         int64 `json:"replayed"`
	Discarded        int64 `json:"discarded"`
	FixTimeouts      int64 `json:"fixTimeouts"`
}

type counters struct {
	observed, stale, rejectedAccuracy, deduplicated, accepted atomic.Int64
	sent, queued, replayed, discarded, fixTimeouts            atomic.Int64
}

type job struct {
	batch  []domain.PositionSample
	replay bool
}

// Tracker turns raw observations into batched submissions. Accepted
// samples are either delivered, moved to the offline queue, or still
// buffered; the only samples given up are those the server rejects as
// invalid.
type Tracker struct {
	source LocationSource
	sender *Sender
	queue  Queue
	conn   Connectivity
	opts   Options
	logger *slog.Logger

	Now func() time.Time

	stats counters

	mu          sync.Mutex
	buffer      []domain.PositionSample
	last        *domain.PositionSample
	running     bool
	stopObserve context.CancelFunc
	stopDeliver context.CancelFunc
	done        chan struct{}
}

// New builds a tracker. conn may be nil, in which case queued samples are
// only replayed by a later restart.
func New(source LocationSource, sender *Sender, queue Queue, conn Connectivity, opts Options, logger *slog.Logger) *Tracker {
	def := DefaultOptions()
	if opts.UserType == "" {
		opts.UserType = def.UserType
	}
	if opts.MinAccuracy <= 0 {
		opts.MinAccuracy = def.MinAccuracy
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = def.UpdateInterval
	}
	return &Tracker{
		source: source,
		sender: sender,
		queue:  queue,
		conn:   conn,
		opts:   opts,
		logger: logger.With("component", "tracker", "train_number", opts.TrainNumber),
		Now:    time.Now,
	}
}

// StartTracking starts observing the location source. Source failures are
// returned wrapped, so domain.ErrUnsupported and domain.ErrPermission can
// be told apart with errors.Is.
func (t *Tracker) StartTracking(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyTracking
	}

	observeCtx, stopObserve := context.WithCancel(ctx)
	obs, err := t.source.Start(observeCtx, t.opts.Watch)
	if err != nil {
		stopObserve()
		return fmt.Errorf("start tracking: %w", err)
	}
	deliverCtx, stopDeliver := context.WithCancel(ctx)

	jobs := make(chan job, pendingBatches)
	done := make(chan struct{})
	t.running = true
	t.stopObserve = stopObserve
	t.stopDeliver = stopDeliver
	t.done = done

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.observe(observeCtx, obs, jobs)
	}()
	go func() {
		defer wg.Done()
		for j := range jobs {
			if j.replay {
				t.replay(deliverCtx)
			} else {
				t.deliver(deliverCtx, j.batch)
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	t.logger.Info("tracking started",
		"batch_size", t.opts.BatchSize,
		"update_interval", t.opts.UpdateInterval.String(),
		"min_accuracy", t.opts.MinAccuracy,
	)
	return nil
}

// StopTracking halts observation, abandons retries in flight (their
// batches go to the offline queue) and delivers whatever is still
// buffered using ctx.
func (t *Tracker) StopTracking(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	stopObserve, stopDeliver, done := t.stopObserve, t.stopDeliver, t.done
	t.mu.Unlock()

	stopObserve()
	stopDeliver()
	<-done

	batch := t.takeBuffer()
	t.logger.Info("tracking stopped", "flushing", len(batch))
	if len(batch) == 0 {
		return nil
	}
	return t.deliver(ctx, batch)
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Observed:         t.stats.observed.Load(),
		Stale:            t.stats.stale.Load(),
		RejectedAccuracy: t.stats.rejectedAccuracy.Load(),
		Deduplicated:     t.stats.deduplicated.Load(),
		Accepted:         t.stats.accepted.Load(),
		Sent:             t.stats.sent.Load(),
		Queued:           t.stats.queued.Load(),
		Replayed:         t.stats.replayed.Load(),
		Discarded:        t.stats.discarded.Load(),
		FixTimeouts:      t.stats.fixTimeouts.Load(),
	}
}

// Buffered returns the number of accepted samples not yet handed off.
func (t *Tracker) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

func (t *Tracker) observe(ctx context.Context, obs <-chan Observation, jobs chan<- job) {
	defer close(jobs)

	var events <-chan bool
	if t.conn != nil {
		events = t.conn.Watch(ctx)
	}
	online := false

	var flushTimer *time.Timer
	var flushC <-chan time.Time
	stopFlushTimer := func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
		flushC = nil
	}
	defer stopFlushTimer()

	var fixTimer *time.Timer
	var fixC <-chan time.Time
	if t.opts.Watch.Timeout > 0 {
		fixTimer = time.NewTimer(t.opts.Watch.Timeout)
		defer fixTimer.Stop()
		fixC = fixTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case o, ok := <-obs:
			if !ok {
				obs = nil
				fixC = nil
				stopFlushTimer()
				t.flush(jobs)
				continue
			}
			if fixTimer != nil {
				fixTimer.Reset(t.opts.Watch.Timeout)
			}
			if !t.accept(o) {
				continue
			}
			n := t.Buffered()
			if n >= t.opts.BatchSize {
				stopFlushTimer()
				t.flush(jobs)
			} else if n == 1 {
				flushTimer = time.NewTimer(t.opts.UpdateInterval)
				flushC = flushTimer.C
			}

		case <-flushC:
			flushC = nil
			t.flush(jobs)

		case <-fixC:
			t.stats.fixTimeouts.Add(1)
			t.logger.Warn("no location fix", "timeout", t.opts.Watch.Timeout.String())
			fixTimer.Reset(t.opts.Watch.Timeout)

		case up, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if up && !online {
				t.dispatch(jobs, job{replay: true})
			}
			online = up
		}
	}
}

func (t *Tracker) accept(o Observation) bool {
	t.stats.observed.Add(1)

	now := t.Now()
	at := o.Time
	if at.IsZero() {
		at = now
	}
	if maxAge := t.opts.Watch.MaxSampleAge; maxAge > 0 && now.Sub(at) > maxAge {
		t.stats.stale.Add(1)
		return false
	}
	if o.AccuracyMeters > t.opts.MinAccuracy {
		t.stats.rejectedAccuracy.Add(1)
		return false
	}

	sample := domain.PositionSample{
		Latitude:       o.Latitude,
		Longitude:      o.Longitude,
		AccuracyMeters: o.AccuracyMeters,
		TimestampMs:    at.UnixMilli(),
		SpeedKmh:       o.SpeedKmh,
		HeadingDeg:     o.HeadingDeg,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last != nil {
		moved := geo.Haversine(t.last.Latitude, t.last.Longitude, sample.Latitude, sample.Longitude)
		elapsed := sample.Time().Sub(t.last.Time()).Abs()
		if moved < dedupDistanceMeters && elapsed < dedupInterval {
			t.stats.deduplicated.Add(1)
			return false
		}
	}

	t.last = &sample
	t.buffer = append(t.buffer, sample)
	t.stats.accepted.Add(1)
	return true
}

func (t *Tracker) takeBuffer() []domain.PositionSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.buffer
	t.buffer = nil
	return batch
}

func (t *Tracker) flush(jobs chan<- job) {
	if batch := t.takeBuffer(); len(batch) > 0 {
		t.dispatch(jobs, job{batch: batch})
	}
}

// dispatch hands a job to the delivery goroutine. A batch that finds the
// pipeline full goes straight to the offline queue.
func (t *Tracker) dispatch(jobs chan<- job, j job) {
	select {
	case jobs <- j:
	default:
		if j.replay {
			t.logger.Debug("replay skipped, delivery busy")
			return
		}
		t.enqueue(j.batch, false)
	}
}

func (t *Tracker) deliver(ctx context.Context, batch []domain.PositionSample) error {
	res, err := t.sender.Send(ctx, t.request(batch))
	if err == nil {
		t.stats.sent.Add(int64(len(batch)))
		t.logger.Debug("batch delivered",
			"positions", len(batch),
			"stored", res.Stored,
			"filtered", res.Filtered,
		)
		return nil
	}
	if Permanent(err) {
		t.stats.discarded.Add(int64(len(batch)))
		t.logger.Warn("server rejected batch", "positions", len(batch), "error", err)
		return nil
	}

	t.logger.Warn("delivery failed, queueing offline", "positions", len(batch), "error", err)
	return t.enqueue(batch, false)
}

func (t *Tracker) replay(ctx context.Context) {
	samples, err := t.queue.Drain(t.opts.TrainNumber)
	if err != nil {
		t.logger.Error("failed to read offline queue", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	t.logger.Info("replaying offline queue", "positions", len(samples))
	_, err = t.sender.Send(ctx, t.request(samples))
	switch {
	case err == nil:
		t.stats.sent.Add(int64(len(samples)))
		t.stats.replayed.Add(int64(len(samples)))
	case Permanent(err):
		t.stats.discarded.Add(int64(len(samples)))
		t.logger.Warn("server rejected queued batch", "positions", len(samples), "error", err)
	default:
		t.logger.Warn("replay failed, requeueing", "positions", len(samples), "error", err)
		t.enqueue(samples, true)
	}
}

func (t *Tracker) enqueue(batch []domain.PositionSample, front bool) error {
	var err error
	if front {
		err = t.queue.PushFront(t.opts.TrainNumber, batch)
	} else {
		err = t.queue.Push(t.opts.TrainNumber, batch)
	}
	if err != nil {
		t.logger.Error("failed to queue samples", "positions", len(batch), "error", err)
		return err
	}
	t.stats.queued.Add(int64(len(batch)))
	return nil
}

func (t *Tracker) request(batch []domain.PositionSample) domain.SubmitRequest {
	positions := make([]json.RawMessage, 0, len(batch))
	for _, s := range batch {
		s.Latitude = geo.Round(s.Latitude, coordinatePlaces)
		s.Longitude = geo.Round(s.Longitude, coordinatePlaces)

		var data []byte
		if t.opts.Compress {
			data, _ = json.Marshal(domain.Compact(s))
		} else {
			data, _ = json.Marshal(s)
		}
		positions = append(positions, data)
	}
	return domain.SubmitRequest{
		TrainNumber: t.opts.TrainNumber,
		Positions:   positions,
		DeviceID:    t.opts.DeviceID,
		Timestamp:   t.Now().UnixMilli(),
		Compressed:  t.opts.Compress,
		UserType:    t.opts.UserType,
	}
}
