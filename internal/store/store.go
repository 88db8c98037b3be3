package store

import (
	"sort"
	"sync"
	"time"

	"railpulse/internal/domain"
)

// QualityFunc scores a window's samples (newest first) on a 0-100 scale.
type QualityFunc func(samples []domain.PositionSample, contributors int, now time.Time) float64

type Options struct {
	MaxSamples     int
	MaxAge         time.Duration
	ContributorTTL time.Duration
	Quality        QualityFunc
}

func DefaultOptions() Options {
	return Options{
		MaxSamples: 200,
		MaxAge:     2 * time.Hour,
	}
}

// Snapshot is a point-in-time copy of one train's rolling window.
type Snapshot struct {
	TrainNumber    string                  `json:"trainNumber"`
	Samples        []domain.PositionSample `json:"samples"`
	ContributorIDs []string                `json:"contributorIds"`
	QualityScore   float64                 `json:"qualityScore"`
	LastWrite      time.Time               `json:"lastWrite"`
}

// Contributors returns the number of distinct devices that fed the window.
func (s *Snapshot) Contributors() int {
	return len(s.ContributorIDs)
}

// Latest returns the newest sample.
func (s *Snapshot) Latest() (domain.PositionSample, bool) {
	if len(s.Samples) == 0 {
		return domain.PositionSample{}, false
	}
	return s.Samples[0], true
}

type AppendResult struct {
	Added      int
	Replaced   int
	Duplicates int
	Evicted    int
	Snapshot   *Snapshot
}

// window is the rolling sample store of one train. Samples are kept
// newest first by timestamp, not by arrival order.
type window struct {
	mu           sync.Mutex
	train        string
	samples      []domain.PositionSample
	contributors map[string]time.Time
	quality      float64
	lastWrite    time.Time
	removed      bool
}

// Store keeps one rolling window per train. The map is guarded by mu and
// each window serialises its own appends, so writers to different trains
// never contend.
type Store struct {
	mu      sync.RWMutex
	windows map[string]*window
	opts    Options
}

func New(opts Options) *Store {
	def := DefaultOptions()
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	return &Store{
		windows: make(map[string]*window),
		opts:    opts,
	}
}

func (s *Store) getOrCreate(train string) *window {
	s.mu.RLock()
	w, ok := s.windows[train]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[train]; ok {
		return w
	}
	w = &window{train: train, contributors: make(map[string]time.Time)}
	s.windows[train] = w
	return w
}

// Append merges samples into the train's window. A sample sharing a dedup
// key with a stored one replaces it only if its accuracy is better.
func (s *Store) Append(train, deviceID string, samples []domain.PositionSample, now time.Time) AppendResult {
	for {
		w := s.getOrCreate(train)
		w.mu.Lock()
		if w.removed {
			// Pruned between lookup and lock; retry against the new window.
			w.mu.Unlock()
			continue
		}
		res := s.appendLocked(w, deviceID, samples, now)
		w.mu.Unlock()
		return res
	}
}

func (s *Store) appendLocked(w *window, deviceID string, samples []domain.PositionSample, now time.Time) AppendResult {
	var res AppendResult

	for _, sample := range samples {
		key := sample.DedupKey()
		if i := w.indexOf(key); i >= 0 {
			if sample.AccuracyMeters < w.samples[i].AccuracyMeters {
				w.samples = append(w.samples[:i], w.samples[i+1:]...)
				w.insert(sample)
				res.Replaced++
			} else {
				res.Duplicates++
			}
			continue
		}
		w.insert(sample)
		res.Added++
	}

	if deviceID != "" {
		w.contributors[deviceID] = now
	}
	if ttl := s.opts.ContributorTTL; ttl > 0 {
		for id, seen := range w.contributors {
			if now.Sub(seen) > ttl {
				delete(w.contributors, id)
			}
		}
	}

	res.Evicted = w.evict(now, s.opts.MaxAge, s.opts.MaxSamples)
	w.lastWrite = now
	if s.opts.Quality != nil {
		w.quality = s.opts.Quality(w.samples, len(w.contributors), now)
	}

	res.Snapshot = w.snapshot()
	return res
}

func (w *window) indexOf(key string) int {
	for i := range w.samples {
		if w.samples[i].DedupKey() == key {
			return i
		}
	}
	return -1
}

func (w *window) insert(sample domain.PositionSample) {
	i := sort.Search(len(w.samples), func(i int) bool {
		return w.samples[i].TimestampMs < sample.TimestampMs
	})
	w.samples = append(w.samples, domain.PositionSample{})
	copy(w.samples[i+1:], w.samples[i:])
	w.samples[i] = sample
}

// evict drops samples older than maxAge relative to now, then the oldest
// samples beyond maxSamples.
func (w *window) evict(now time.Time, maxAge time.Duration, maxSamples int) int {
	cutoff := now.Add(-maxAge).UnixMilli()
	n := len(w.samples)
	keep := sort.Search(n, func(i int) bool {
		return w.samples[i].TimestampMs < cutoff
	})
	if keep > maxSamples {
		keep = maxSamples
	}
	clear(w.samples[keep:])
	w.samples = w.samples[:keep]
	return n - keep
}

func (w *window) snapshot() *Snapshot {
	samples := make([]domain.PositionSample, len(w.samples))
	copy(samples, w.samples)

	ids := make([]string, 0, len(w.contributors))
	for id := range w.contributors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Snapshot{
		TrainNumber:    w.train,
		Samples:        samples,
		ContributorIDs: ids,
		QualityScore:   w.quality,
		LastWrite:      w.lastWrite,
	}
}

func (s *Store) Get(train string) (*Snapshot, bool) {
	s.mu.RLock()
	w, ok := s.windows[train]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed {
		return nil, false
	}
	return w.snapshot(), true
}

// Snapshot returns copies of every window, ordered by train number.
func (s *Store) Snapshot() []*Snapshot {
	s.mu.RLock()
	windows := make([]*window, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	result := make([]*Snapshot, 0, len(windows))
	for _, w := range windows {
		w.mu.Lock()
		if !w.removed {
			result = append(result, w.snapshot())
		}
		w.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TrainNumber < result[j].TrainNumber
	})
	return result
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// PruneStale ages out samples everywhere and removes windows left empty.
// It returns the train numbers that were removed.
func (s *Store) PruneStale(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for train, w := range s.windows {
		w.mu.Lock()
		w.evict(now, s.opts.MaxAge, s.opts.MaxSamples)
		if len(w.samples) == 0 {
			w.removed = true
			delete(s.windows, train)
			removed = append(removed, train)
		}
		w.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// Restore replaces a train's window with a previously taken snapshot.
func (s *Store) Restore(snap *Snapshot, now time.Time) {
	w := &window{
		train:        snap.TrainNumber,
		samples:      make([]domain.PositionSample, 0, len(snap.Samples)),
		contributors: make(map[string]time.Time, len(snap.ContributorIDs)),
		lastWrite:    snap.LastWrite,
		quality:      snap.QualityScore,
	}
	for _, sample := range snap.Samples {
		w.insert(sample)
	}
	for _, id := range snap.ContributorIDs {
		w.contributors[id] = snap.LastWrite
	}
	w.evict(now, s.opts.MaxAge, s.opts.MaxSamples)
	if len(w.samples) == 0 {
		return
	}
	if s.opts.Quality != nil {
		w.quality = s.opts.Quality(w.samples, len(w.contributors), now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.windows[snap.TrainNumber]; ok {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
	}
	s.windows[snap.TrainNumber] = w
}
