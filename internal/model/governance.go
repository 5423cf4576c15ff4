package model

import "time"

// CriterionScore is one row of a classification breakdown.
type CriterionScore struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	MaxScore  int    `json:"max_score"`
	Rationale string `json:"rationale,omitempty"`
}

// ProhibitedCheckStatus reports the outcome of the prohibited-item check.
type ProhibitedCheckStatus string

const (
	ProhibitedClear       ProhibitedCheckStatus = "CLEAR"
	ProhibitedMatched     ProhibitedCheckStatus = "MATCHED"
	ProhibitedUnavailable ProhibitedCheckStatus = "UNAVAILABLE"
)

// Scorecard is a persisted classification result. The most recent row per
// proposal is authoritative.
type Scorecard struct {
	ID              string                `json:"id"`
	ProposalID      string                `json:"proposal_id"`
	Breakdown       []CriterionScore      `json:"breakdown"`
	TotalScore      int                   `json:"total_score"`
	CalculatedTier  Tier                  `json:"calculated_tier"`
	AssignedTier    Tier                  `json:"assigned_tier"`
	OverrideReason  *string               `json:"override_reason,omitempty"`
	ProhibitedCheck ProhibitedCheckStatus `json:"prohibited_check"`
	ProhibitedCodes []string              `json:"prohibited_codes"`
	CreatedBy       string                `json:"created_by"`
	CreatedAt       time.Time             `json:"created_at"`
}

// ProhibitedItem is one entry of the prohibited-items reference list.
type ProhibitedItem struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	// ProductPattern is a doublestar glob over Proposal.ProductType.
	ProductPattern  string `json:"product_pattern"`
	ProductCategory string `json:"product_category"`
	// Jurisdiction is an ISO code or "*" for every jurisdiction.
	Jurisdiction  string     `json:"jurisdiction"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Reason        string     `json:"reason"`
}

// BreachAlert is raised by the monitor for a detected SLA breach.
type BreachAlert struct {
	ID             string        `json:"id"`
	ProposalID     string        `json:"proposal_id"`
	SignoffID      string        `json:"signoff_id"`
	Party          string        `json:"party"`
	Title          string        `json:"title"`
	Severity       AlertSeverity `json:"severity"`
	Metric         string        `json:"metric"`
	ThresholdValue float64       `json:"threshold_value"`
	ActualValue    float64       `json:"actual_value"`
	Status         AlertStatus   `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy     *string       `json:"resolved_by,omitempty"`
	ResolutionNote *string       `json:"resolution_note,omitempty"`
}

// Escalation elevates a proposal to a higher authority.
type Escalation struct {
	ID          string              `json:"id"`
	ProposalID  string              `json:"proposal_id"`
	Level       int                 `json:"level"`
	Reason      string              `json:"reason"`
	Trigger     string              `json:"trigger"` // MANUAL, LOOP_BACK_CIRCUIT_BREAKER
	Status      EscalationStatus    `json:"status"`
	PriorStage  Stage               `json:"prior_stage"`
	EscalatedBy string              `json:"escalated_by"`
	Decision    *EscalationDecision `json:"decision,omitempty"`
	Resolution  *string             `json:"resolution,omitempty"`
	ResolvedBy  *string             `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Escalation triggers.
const (
	TriggerManual                 = "MANUAL"
	TriggerLoopBackCircuitBreaker = "LOOP_BACK_CIRCUIT_BREAKER"
)
