package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// Store opens transactions over the governance records. Every multi-step
// mutation runs inside one InTx call; the callback's error rolls it back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// ProhibitedItems loads the prohibited-items reference list.
	ProhibitedItems(ctx context.Context) ([]model.ProhibitedItem, error)
	Ping(ctx context.Context) error
}

// Tx is the set of record operations available inside a transaction. The
// ForUpdate variants take row locks held until the transaction ends; callers
// lock the proposal before its signoffs.
type Tx interface {
	ProposalTx
	SignoffTx
	EscalationTx
	AlertTx
	ScorecardTx
	MetricTx
	AuditTx
}

// ProposalTx reads and writes proposals.
type ProposalTx interface {
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	GetProposalForUpdate(ctx context.Context, id string) (*model.Proposal, error)
	InsertProposal(ctx context.Context, p *model.Proposal) error
	// UpdateProposal writes p if its version is current and bumps p.Version.
	// A stale version is a concurrency conflict.
	UpdateProposal(ctx context.Context, p *model.Proposal) error
	ListProposals(ctx context.Context, filter ProposalFilter) ([]*model.Proposal, error)

	// Sweep candidates.
	ListExpiryCandidates(ctx context.Context, now time.Time) ([]string, error)
	ListPIROverdueCandidates(ctx context.Context, now time.Time) ([]string, error)
	ListDormancyCandidates(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SignoffTx reads and writes the sign-off ledger.
type SignoffTx interface {
	ListSignoffs(ctx context.Context, proposalID string) ([]*model.Signoff, error)
	ListSignoffsForUpdate(ctx context.Context, proposalID string) ([]*model.Signoff, error)
	InsertSignoff(ctx context.Context, s *model.Signoff) error
	UpdateSignoff(ctx context.Context, s *model.Signoff) error
	// ListOverdueSignoffs returns open, not yet breached signoffs whose
	// deadline is before now.
	ListOverdueSignoffs(ctx context.Context, now time.Time) ([]*model.Signoff, error)

	InsertLoopBack(ctx context.Context, lb *model.LoopBack) error
	CountLoopBacks(ctx context.Context, proposalID string) (int, error)
	ListLoopBacks(ctx context.Context, proposalID string) ([]*model.LoopBack, error)
	ResolveOpenLoopBacks(ctx context.Context, proposalID, resolution string, at time.Time) (int, error)

	InsertComment(ctx context.Context, c *model.SignoffComment) error
	ListComments(ctx context.Context, signoffID string) ([]*model.SignoffComment, error)
}

// EscalationTx reads and writes escalations.
type EscalationTx interface {
	InsertEscalation(ctx context.Context, e *model.Escalation) error
	GetEscalationForUpdate(ctx context.Context, id string) (*model.Escalation, error)
	UpdateEscalation(ctx context.Context, e *model.Escalation) error
	ListBlockingEscalations(ctx context.Context, proposalID string) ([]*model.Escalation, error)
}

// AlertTx reads and writes breach alerts.
type AlertTx interface {
	// InsertBreachAlert creates the alert unless an open alert already exists
	// for the same signoff, in which case it reports false.
	InsertBreachAlert(ctx context.Context, a *model.BreachAlert) (bool, error)
	GetBreachAlertForUpdate(ctx context.Context, id string) (*model.BreachAlert, error)
	UpdateBreachAlert(ctx context.Context, a *model.BreachAlert) error
	ListBreachAlerts(ctx context.Context, filter AlertFilter) ([]*model.BreachAlert, error)
}

// ScorecardTx reads and writes classification scorecards.
type ScorecardTx interface {
	InsertScorecard(ctx context.Context, s *model.Scorecard) error
	// LatestScorecard returns nil without error when none exists.
	LatestScorecard(ctx context.Context, proposalID string) (*model.Scorecard, error)
}

// MetricTx records post-launch performance.
type MetricTx interface {
	InsertPerformanceMetric(ctx context.Context, m *model.PerformanceMetric) error
	// LatestMetricAt returns the newest non-baseline metric time, or nil.
	LatestMetricAt(ctx context.Context, proposalID string) (*time.Time, error)
	ListPerformanceMetrics(ctx context.Context, proposalID string) ([]*model.PerformanceMetric, error)
}

// AuditTx appends to and reads the audit trail.
type AuditTx interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, proposalID string) ([]*model.AuditEntry, error)
}

// ProposalFilter narrows ListProposals.
type ProposalFilter struct {
	Stage  model.Stage
	Status model.Status
	Limit  int
	Offset int
}

// AlertFilter narrows ListBreachAlerts.
type AlertFilter struct {
	ProposalID string
	Status     model.AlertStatus
	Limit      int
}
