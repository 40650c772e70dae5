package model

// CompositeScore is the set of derived numeric outputs computed from all
// stage payloads. A score set is all-or-nothing: it is computed and
// persisted in one step only once every required stage has finished, so
// observers never see a partial set.
type CompositeScore struct {
	RiskScore          float64 `json:"risk_score"`          // 0-100, higher = riskier
	SuccessProbability float64 `json:"success_probability"` // 0-100
	PredictedMargin    float64 `json:"predicted_margin"`    // percentage, may be negative
	Confidence         float64 `json:"confidence"`          // 0.0-1.0
	Degraded           bool    `json:"degraded"`
	DegradedReason     string  `json:"degraded_reason,omitempty"`
}

// Sanity bounds for PredictedMargin. Values outside this range are flagged
// implausible rather than silently accepted or clamped.
const (
	MarginPlausibleMin = -50.0
	MarginPlausibleMax = 100.0
)

// MarginPlausible reports whether the predicted margin is inside the sanity
// bounds.
func (s CompositeScore) MarginPlausible() bool {
	return s.PredictedMargin >= MarginPlausibleMin && s.PredictedMargin <= MarginPlausibleMax
}
