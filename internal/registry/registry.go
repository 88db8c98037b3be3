package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"railpulse/internal/domain"
	"railpulse/pkg/gtfs"
)

// RouteDelimiter separates waypoints in a route string.
const RouteDelimiter = "→"

// Registry is the set of train numbers the service accepts positions for.
type Registry struct {
	mu     sync.RWMutex
	trains map[string]domain.TrainInfo
	ready  bool
}

func New(trains []domain.TrainInfo) *Registry {
	r := &Registry{trains: make(map[string]domain.TrainInfo, len(trains))}
	for _, t := range trains {
		r.trains[t.Number] = t
	}
	r.ready = true
	return r
}

// NewStatic returns a registry seeded with trains running through Karnataka.
func NewStatic() *Registry {
	return New(seedTrains)
}

var seedTrains = []domain.TrainInfo{
	{Number: "12627", Name: "Karnataka Express", Route: "KSR Bengaluru→Tumakuru→Davangere→Hubballi→New Delhi", Type: "superfast"},
	{Number: "12628", Name: "Karnataka Express", Route: "New Delhi→Hubballi→Davangere→Tumakuru→KSR Bengaluru", Type: "superfast"},
	{Number: "16591", Name: "Hampi Express", Route: "Hubballi→Hosapete→Ballari→KSR Bengaluru→Mysuru", Type: "express"},
	{Number: "16592", Name: "Hampi Express", Route: "Mysuru→KSR Bengaluru→Ballari→Hosapete→Hubballi", Type: "express"},
	{Number: "12007", Name: "Shatabdi Express", Route: "MGR Chennai Central→KSR Bengaluru→Mysuru", Type: "shatabdi"},
	{Number: "12008", Name: "Shatabdi Express", Route: "Mysuru→KSR Bengaluru→MGR Chennai Central", Type: "shatabdi"},
	{Number: "16535", Name: "Gol Gumbaz Express", Route: "Mysuru→KSR Bengaluru→Tumakuru→Vijayapura", Type: "express"},
	{Number: "12725", Name: "Siddaganga Intercity", Route: "KSR Bengaluru→Tumakuru→Arsikere→Davangere→Dharwad", Type: "intercity"},
	{Number: "17326", Name: "Vishwamanava Express", Route: "Belagavi→Dharwad→Hubballi→Davangere→Arsikere→Mysuru", Type: "express"},
	{Number: "16525", Name: "Island Express", Route: "Kanniyakumari→Salem→KSR Bengaluru", Type: "express"},
	{Number: "12079", Name: "Jan Shatabdi", Route: "KSR Bengaluru→Arsikere→Davangere→Hubballi", Type: "shatabdi"},
	{Number: "16021", Name: "Kaveri Express", Route: "MGR Chennai Central→KSR Bengaluru→Mysuru", Type: "express"},
}

// LoadGTFS merges the rail routes of a GTFS feed into the registry.
// Entries already present keep their static names.
func (r *Registry) LoadGTFS(ctx context.Context, url string, logger *slog.Logger) error {
	downloader := gtfs.NewDownloader(url, logger)
	reader, _, err := downloader.Download(ctx)
	if err != nil {
		return fmt.Errorf("download registry feed: %w", err)
	}

	routes, err := gtfs.NewParser(logger).ParseRail(reader)
	if err != nil {
		return fmt.Errorf("parse registry feed: %w", err)
	}

	trains := make([]domain.TrainInfo, 0, len(routes))
	for _, rt := range routes {
		if rt.ShortName == "" {
			continue
		}
		info := domain.TrainInfo{
			Number: rt.ShortName,
			Name:   rt.LongName,
			Type:   "rail",
		}
		if rt.FirstStop != "" && rt.LastStop != "" {
			info.Route = rt.FirstStop + RouteDelimiter + rt.LastStop
		}
		trains = append(trains, info)
	}

	added := r.Merge(trains)
	logger.Info("registry loaded from gtfs", "added", added, "total", r.Count())
	return nil
}

// Merge adds trains not yet known and returns how many were added.
// Existing entries are left untouched.
func (r *Registry) Merge(trains []domain.TrainInfo) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, t := range trains {
		if t.Number == "" {
			continue
		}
		if _, ok := r.trains[t.Number]; ok {
			continue
		}
		r.trains[t.Number] = t
		added++
	}
	r.ready = true
	return added
}

func (r *Registry) Lookup(number string) (domain.TrainInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trains[number]
	return t, ok
}

func (r *Registry) Contains(number string) bool {
	_, ok := r.Lookup(number)
	return ok
}

// Name returns the display name of a train, or "" when unknown.
func (r *Registry) Name(number string) string {
	t, _ := r.Lookup(number)
	return t.Name
}

// Sample returns up to n train numbers in ascending order.
func (r *Registry) Sample(n int) []string {
	numbers := r.numbers()
	if len(numbers) > n {
		numbers = numbers[:n]
	}
	return numbers
}

func (r *Registry) All() []domain.TrainInfo {
	numbers := r.numbers()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]domain.TrainInfo, 0, len(numbers))
	for _, n := range numbers {
		result = append(result, r.trains[n])
	}
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trains)
}

func (r *Registry) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func (r *Registry) numbers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	numbers := make([]string, 0, len(r.trains))
	for n := range r.trains {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)
	return numbers
}
