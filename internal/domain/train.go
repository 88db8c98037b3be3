package domain

import (
	"encoding/json"
	"time"
)

// TrainInfo describes a train known to the registry.
type TrainInfo struct {
	Number string `json:"number"`
	Name   string `json:"name"`
	Route  string `json:"route"`
	Type   string `json:"type,omitempty"`
}

// UserType is the role of the person carrying a reporting device.
type UserType string

const (
	UserPassenger UserType = "passenger"
	UserStaff     UserType = "staff"
	UserDriver    UserType = "driver"
	UserGuard     UserType = "guard"
)

// Valid reports whether t is one of the known user types. Empty is valid.
func (t UserType) Valid() bool {
	switch t {
	case "", UserPassenger, UserStaff, UserDriver, UserGuard:
		return true
	default:
		return false
	}
}

// FusedPosition is the best estimate of a train's live position.
type FusedPosition struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	AccuracyMeters   float64 `json:"accuracy"`
	SpeedKmh         float64 `json:"speed"`
	HeadingDeg       float64 `json:"heading"`
	TimestampMs      int64   `json:"timestamp"`
	ContributorCount int     `json:"contributors"`
	Confidence       float64 `json:"confidence"`
}

// TrainSummary is the per-train row of the ingestion summary view.
type TrainSummary struct {
	TrainNumber   string         `json:"trainNumber"`
	TrainName     string         `json:"trainName,omitempty"`
	SampleCount   int            `json:"sampleCount"`
	Contributors  int            `json:"contributors"`
	QualityScore  float64        `json:"qualityScore"`
	LastUpdateMs  int64          `json:"lastUpdate"`
	LivePosition  *FusedPosition `json:"livePosition"`
	SafetyStatus  SafetyStatus   `json:"safetyStatus"`
	CollisionRisk RiskLevel      `json:"collisionRisk"`
}

// TrainDetail is the full view of one train's recent data.
type TrainDetail struct {
	TrainNumber   string            `json:"trainNumber"`
	TrainName     string            `json:"trainName,omitempty"`
	Route         string            `json:"route,omitempty"`
	RecentSamples []PositionSample  `json:"recentPositions"`
	SampleCount   int               `json:"sampleCount"`
	Contributors  int               `json:"contributors"`
	QualityScore  float64           `json:"qualityScore"`
	LivePosition  *FusedPosition    `json:"livePosition"`
	SafetyStatus  SafetyStatus      `json:"safetyStatus"`
	CollisionRisk RiskLevel         `json:"collisionRisk"`
	Alerts        []string          `json:"alerts,omitempty"`
	Operations    *OperationsReport `json:"operations,omitempty"`
}

// OperationsReport carries occupancy and delay figures reported by
// operations staff for one train.
type OperationsReport struct {
	OccupancyPct float64   `json:"occupancyPct"`
	DelayMinutes float64   `json:"delayMinutes"`
	ReportedAt   time.Time `json:"reportedAt"`
}

// UpdateType indicates whether a live update carries a position or a removal.
type UpdateType string

const (
	UpdatePosition UpdateType = "update"
	UpdateRemove   UpdateType = "remove"
)

// LiveUpdate is a change in a train's live position pushed to subscribers.
type LiveUpdate struct {
	Type         UpdateType     `json:"type"`
	TrainNumber  string         `json:"trainNumber"`
	TrainName    string         `json:"trainName,omitempty"`
	Position     *FusedPosition `json:"position,omitempty"`
	QualityScore float64        `json:"qualityScore,omitempty"`
	SafetyStatus SafetyStatus   `json:"safetyStatus,omitempty"`
	TileID       string         `json:"tileId"`
}

// DeviceContribution is per-device submission bookkeeping.
type DeviceContribution struct {
	DeviceID        string    `json:"deviceId"`
	SubmissionCount int       `json:"submissionCount"`
	SampleCount     int       `json:"sampleCount"`
	LastSubmission  time.Time `json:"lastSubmission"`
	LastTrainNumber string    `json:"lastTrainNumber"`
	LastUserType    UserType  `json:"lastUserType,omitempty"`
}

// SubmitRequest is the body of a position batch submission. Positions are
// kept raw because their shape depends on Compressed.
type SubmitRequest struct {
	TrainNumber string            `json:"trainNumber"`
	Positions   []json.RawMessage `json:"positions"`
	DeviceID    string            `json:"deviceId"`
	Timestamp   int64             `json:"timestamp"`
	Compressed  bool              `json:"compressed,omitempty"`
	UserType    UserType          `json:"userType,omitempty"`
}

// SubmitResult is the response to an accepted submission.
type SubmitResult struct {
	Success      bool           `json:"success"`
	TrainNumber  string         `json:"trainNumber"`
	TrainName    string         `json:"trainName"`
	Stored       int            `json:"stored"`
	Filtered     int            `json:"filtered"`
	LivePosition *FusedPosition `json:"livePosition"`
	QualityScore float64        `json:"qualityScore"`
	Contributors int            `json:"contributors"`
	Timestamp    int64          `json:"timestamp"`
}
