package domain

// RiskLevel is the four-level collision risk category.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from LOW (0) to CRITICAL (3).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// SafetyStatus is the discrete alert level shown to operators.
type SafetyStatus string

const (
	StatusUnknown  SafetyStatus = "UNKNOWN"
	StatusNormal   SafetyStatus = "NORMAL"
	StatusWarning  SafetyStatus = "WARNING"
	StatusCritical SafetyStatus = "CRITICAL"
)

// Rank orders statuses by severity. UNKNOWN ranks above NORMAL so that
// missing data is never reported as safe.
func (s SafetyStatus) Rank() int {
	switch s {
	case StatusNormal:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarning:
		return 2
	case StatusCritical:
		return 3
	default:
		return 1
	}
}

// KinematicState is a train's instantaneous state, supplied per prediction.
type KinematicState struct {
	ID             string  `json:"id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	SpeedKmh       float64 `json:"speed"`
	HeadingDeg     float64 `json:"heading"`
	AltitudeMeters float64 `json:"altitude"`
	TimestampMs    int64   `json:"timestamp"`
	Route          string  `json:"route"`
	NextStation    string  `json:"nextStation"`
}

// CollisionPrediction is the estimated collision risk for one train pair.
type CollisionPrediction struct {
	TrainPairIDs           [2]string `json:"trainPair"`
	RiskLevel              RiskLevel `json:"riskLevel"`
	Probability            float64   `json:"probability"`
	TimeToCollisionSeconds float64   `json:"timeToCollision"`
	DistanceMeters         float64   `json:"distance"`
	Factors                []string  `json:"factors"`
	Confidence             float64   `json:"confidence"`
	TimestampMs            int64     `json:"timestamp"`
}
