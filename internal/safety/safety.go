package safety

import (
	"fmt"
	"math"
	"time"

	"railpulse/internal/domain"
)

// Policy holds the alert thresholds. They are operating policy, not
// physics, and can be tuned per deployment.
type Policy struct {
	HighSpeedKmh       float64
	MediumSpeedKmh     float64
	MinRecentPositions int
	StaleAfter         time.Duration
	OccupancyWarnPct   float64
	DelayWarnMinutes   float64
}

func DefaultPolicy() Policy {
	return Policy{
		HighSpeedKmh:       60,
		MediumSpeedKmh:     40,
		MinRecentPositions: 2,
		StaleAfter:         5 * time.Minute,
		OccupancyWarnPct:   90,
		DelayWarnMinutes:   30,
	}
}

type Assessment struct {
	CollisionRisk domain.RiskLevel    `json:"collisionRisk"`
	Status        domain.SafetyStatus `json:"safetyStatus"`
	Alerts        []string            `json:"alerts,omitempty"`
}

// Assess derives a train's alert level from its fused position. A nil
// position yields UNKNOWN with an empty risk level.
func (p Policy) Assess(fused *domain.FusedPosition, recentCount int, lastSampleMs int64, now time.Time) Assessment {
	if fused == nil {
		return Assessment{
			Status: domain.StatusUnknown,
			Alerts: []string{"No live position available"},
		}
	}

	a := Assessment{CollisionRisk: domain.RiskLow, Status: domain.StatusNormal}
	enough := recentCount > p.MinRecentPositions

	switch {
	case enough && fused.SpeedKmh > p.HighSpeedKmh:
		a.CollisionRisk = domain.RiskHigh
		a.Status = domain.StatusCritical
		a.Alerts = append(a.Alerts, fmt.Sprintf("High speed: %.0f km/h", fused.SpeedKmh))
	case enough && fused.SpeedKmh > p.MediumSpeedKmh:
		a.CollisionRisk = domain.RiskMedium
		a.Status = domain.StatusWarning
		a.Alerts = append(a.Alerts, fmt.Sprintf("Elevated speed: %.0f km/h", fused.SpeedKmh))
	}

	// Stale data cannot back a speed-based verdict either way.
	if age := now.Sub(time.UnixMilli(lastSampleMs)); age > p.StaleAfter {
		a.Status = domain.StatusWarning
		a.Alerts = append(a.Alerts, fmt.Sprintf("Position data is %d minutes old", int(math.Floor(age.Minutes()))))
	}
	return a
}

// FromPrediction maps a pairwise collision prediction to a status.
func (p Policy) FromPrediction(pred domain.CollisionPrediction) domain.SafetyStatus {
	switch pred.RiskLevel {
	case domain.RiskCritical, domain.RiskHigh:
		return domain.StatusCritical
	case domain.RiskMedium:
		return domain.StatusWarning
	default:
		return domain.StatusNormal
	}
}

// Operational thresholds occupancy and delay figures supplied by the
// operations side.
func (p Policy) Operational(occupancyPct, delayMinutes float64) Assessment {
	a := Assessment{CollisionRisk: domain.RiskLow, Status: domain.StatusNormal}
	if occupancyPct > p.OccupancyWarnPct {
		a.Status = domain.StatusWarning
		a.Alerts = append(a.Alerts, fmt.Sprintf("Overcrowded: %.0f%% occupancy", occupancyPct))
	}
	if delayMinutes > p.DelayWarnMinutes {
		a.Status = domain.StatusWarning
		a.Alerts = append(a.Alerts, fmt.Sprintf("Running %.0f minutes late", delayMinutes))
	}
	return a
}

// Merge combines two assessments, keeping the more severe status and risk.
func Merge(a, b Assessment) Assessment {
	out := Assessment{
		CollisionRisk: a.CollisionRisk,
		Status:        Worst(a.Status, b.Status),
		Alerts:        append(append([]string(nil), a.Alerts...), b.Alerts...),
	}
	if out.CollisionRisk == "" || b.CollisionRisk.Rank() > out.CollisionRisk.Rank() {
		out.CollisionRisk = b.CollisionRisk
	}
	return out
}

// Worst returns the most severe status.
func Worst(statuses ...domain.SafetyStatus) domain.SafetyStatus {
	worst := domain.StatusNormal
	for _, s := range statuses {
		if s.Rank() > worst.Rank() {
			worst = s
		}
	}
	return worst
}
