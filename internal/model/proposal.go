// Package model defines the typed records the governance engine reads and
// writes. Storage implementations validate rows into these types at the
// boundary; the core packages only ever see these records.
package model

import "time"

// Proposal is one New Product Approval.
type Proposal struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	ProductCategory string `json:"product_category"`
	// ProductType is a slash-separated path such as "derivatives/fx/option".
	ProductType      string    `json:"product_type"`
	NotionalAmount   int64     `json:"notional_amount"` // minor units
	Currency         string    `json:"currency"`
	IsCrossBorder    bool      `json:"is_cross_border"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Jurisdictions    []string  `json:"jurisdictions"`
	RiskChecks       []string  `json:"risk_checks"`
	CounterpartyType *string   `json:"counterparty_type,omitempty"`
	ParentID         *string   `json:"parent_id,omitempty"`

	Stage   Stage  `json:"stage"`
	Status  Status `json:"status"`
	Track   Track  `json:"track"`
	NPAType Tier   `json:"npa_type"`

	LaunchedAt     *time.Time `json:"launched_at,omitempty"`
	ValidityExpiry *time.Time `json:"validity_expiry,omitempty"`
	PIRDueDate     *time.Time `json:"pir_due_date,omitempty"`
	PIRStatus      PIRStatus  `json:"pir_status"`

	CreatedBy string    `json:"created_by"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookingProxy returns the attribute standing in for booking entity when two
// proposals are compared. Currency is used because the booking entity is not
// captured on the proposal.
func (p *Proposal) BookingProxy() string {
	return p.Currency
}

// Clone returns a deep copy so callers can mutate without aliasing slices.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Jurisdictions = append([]string(nil), p.Jurisdictions...)
	c.RiskChecks = append([]string(nil), p.RiskChecks...)
	c.CounterpartyType = cloneString(p.CounterpartyType)
	c.ParentID = cloneString(p.ParentID)
	c.LaunchedAt = cloneTime(p.LaunchedAt)
	c.ValidityExpiry = cloneTime(p.ValidityExpiry)
	c.PIRDueDate = cloneTime(p.PIRDueDate)
	return &c
}

// PerformanceMetric is one post-launch performance observation.
type PerformanceMetric struct {
	ID          string    `json:"id"`
	ProposalID  string    `json:"proposal_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TradeCount  int64     `json:"trade_count"`
	Volume      int64     `json:"volume"` // minor units
	PnL         int64     `json:"pnl"`    // minor units
	Incidents   int       `json:"incidents"`
	IsBaseline  bool      `json:"is_baseline"`
	RecordedBy  string    `json:"recorded_by"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AuditEntry is one immutable record of a governance mutation.
type AuditEntry struct {
	ID         string                 `json:"id"`
	ProposalID string                 `json:"proposal_id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Audit actions.
const (
	AuditProposalCreated     = "PROPOSAL_CREATED"
	AuditClassified          = "CLASSIFIED"
	AuditStageChanged        = "STAGE_CHANGED"
	AuditTransitionRejected  = "TRANSITION_REJECTED"
	AuditSignoffsSeeded      = "SIGNOFFS_SEEDED"
	AuditSignoffDecision     = "SIGNOFF_DECISION"
	AuditSignoffComment      = "SIGNOFF_COMMENT"
	AuditLoopBackCreated     = "LOOP_BACK_CREATED"
	AuditEscalationCreated   = "ESCALATION_CREATED"
	AuditEscalationResolved  = "ESCALATION_RESOLVED"
	AuditBundlingApplied     = "BUNDLING_APPLIED"
	AuditSLABreached         = "SLA_BREACHED"
	AuditValidityExpired     = "VALIDITY_EXPIRED"
	AuditPIROverdue          = "PIR_OVERDUE"
	AuditPIRCompleted        = "PIR_COMPLETED"
	AuditMarkedDormant       = "MARKED_DORMANT"
	AuditMetricsRecorded     = "METRICS_RECORDED"
	AuditBreachAlertResolved = "BREACH_ALERT_RESOLVED"
)
