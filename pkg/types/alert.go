package types

import "time"

// AlertType classifies how urgently an alert needs attention.
type AlertType string

const (
	AlertCritical AlertType = "critical"
	AlertWarning  AlertType = "warning"
	AlertInfo     AlertType = "info"
)

// Alert is a detected anomaly requiring attention. Alerts are created by the
// dispatcher and mutated only through acknowledgement; they are never deleted
// in-process.
type Alert struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	Type           AlertType `json:"type"`
	Message        string    `json:"message"`
	Severity       int       `json:"severity"` // 1 (lowest) to 5 (highest)
	Timestamp      time.Time `json:"timestamp"`
	Automated      bool      `json:"automated"`
	Acknowledged   bool      `json:"acknowledged"`
	ActionRequired bool      `json:"action_required"`
}

// Urgency grades a predictive insight.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// PredictiveInsight is a forward-looking statement derived from trend and
// network analysis. Immutable once created; emission is rate-limited per
// entity.
type PredictiveInsight struct {
	ID              string    `json:"id"`
	EntityID        string    `json:"entity_id"`
	Prediction      string    `json:"prediction"`
	Confidence      float64   `json:"confidence"` // 0..1
	Timeframe       string    `json:"timeframe"`
	RiskFactors     []string  `json:"risk_factors"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Urgency         Urgency   `json:"urgency"`
	CreatedAt       time.Time `json:"created_at"`
}
