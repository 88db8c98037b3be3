package ingestor

import (
	"sync"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/safety"
)

const (
	// OperationsTTL is how long an operations report stays in effect.
	OperationsTTL   = 30 * time.Minute
	maxOccupancyPct = 300.0
	maxDelayMinutes = 24 * 60.0
)

type operations struct {
	mu      sync.RWMutex
	reports map[string]domain.OperationsReport
}

func newOperations() *operations {
	return &operations{reports: make(map[string]domain.OperationsReport)}
}

func (o *operations) get(train string, now time.Time) (domain.OperationsReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.reports[train]
	if !ok || now.Sub(r.ReportedAt) > OperationsTTL {
		return domain.OperationsReport{}, false
	}
	return r, true
}

func (o *operations) set(train string, r domain.OperationsReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports[train] = r
}

func (o *operations) prune(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for train, r := range o.reports {
		if now.Sub(r.ReportedAt) > OperationsTTL {
			delete(o.reports, train)
		}
	}
}

// ReportOperations records occupancy and delay for a registered train and
// returns the alert level those figures alone produce.
func (s *Service) ReportOperations(train string, occupancyPct, delayMinutes float64, now time.Time) (safety.Assessment, error) {
	switch {
	case occupancyPct < 0 || occupancyPct > maxOccupancyPct:
		return safety.Assessment{}, &domain.ValidationError{Field: "occupancyPct", Reason: "must be between 0 and 300"}
	case delayMinutes < 0 || delayMinutes > maxDelayMinutes:
		return safety.Assessment{}, &domain.ValidationError{Field: "delayMinutes", Reason: "must be between 0 and 1440"}
	}
	if !s.registry.Contains(train) {
		return safety.Assessment{}, &domain.UnknownTrainError{TrainNumber: train, Known: s.registry.Sample(knownTrainHints)}
	}

	s.ops.set(train, domain.OperationsReport{
		OccupancyPct: occupancyPct,
		DelayMinutes: delayMinutes,
		ReportedAt:   now,
	})
	a := s.policy.Operational(occupancyPct, delayMinutes)
	s.logger.Info("operations reported",
		"train_number", train,
		"occupancy_pct", occupancyPct,
		"delay_minutes", delayMinutes,
		"status", a.Status,
	)
	return a, nil
}

// withOperations folds a fresh operations report into a position-based
// assessment.
func (s *Service) withOperations(train string, a safety.Assessment, now time.Time) (safety.Assessment, *domain.OperationsReport) {
	r, ok := s.ops.get(train, now)
	if !ok {
		return a, nil
	}
	op := s.policy.Operational(r.OccupancyPct, r.DelayMinutes)
	// Occupancy and delay never move the collision risk.
	op.CollisionRisk = a.CollisionRisk
	return safety.Merge(a, op), &r
}
