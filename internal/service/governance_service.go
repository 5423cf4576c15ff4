package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/bundling"
	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/ledger"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/metrics"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/monitor"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// Event types published after a successful mutation.
const (
	EventProposalCreated    = "proposal.created"
	EventProposalClassified = "proposal.classified"
	EventStageChanged       = "stage.changed"
	EventSignoffDecision    = "signoff.decision"
	EventBundlingApplied    = "bundling.applied"
	EventPIRCompleted       = "pir.completed"
)

// Notifier publishes governance events. Implementations must not fail the
// caller; delivery problems are theirs to log.
type Notifier interface {
	monitor.Notifier
	PublishEscalation(ctx context.Context, e *model.Escalation, p *model.Proposal)
}

// GovernanceService orchestrates classification, the lifecycle machine and
// the sign-off ledger. It is the only component that writes governance
// records; every mutation runs in one store transaction.
type GovernanceService struct {
	store    repository.Store
	engine   *classification.Engine
	machine  *workflow.Machine
	ledger   *ledger.Ledger
	sweeper  *monitor.Sweeper
	notifier Notifier
	metrics  *metrics.Collectors
	log      *logger.Logger
	now      func() time.Time
}

// Option configures a GovernanceService.
type Option func(*GovernanceService)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *GovernanceService) { s.now = now }
}

// WithNotifier publishes events through n.
func WithNotifier(n Notifier) Option {
	return func(s *GovernanceService) { s.notifier = n }
}

// WithMetrics records outcomes on c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(s *GovernanceService) { s.metrics = c }
}

// NewGovernanceService creates a new GovernanceService.
func NewGovernanceService(
	store repository.Store,
	engine *classification.Engine,
	machine *workflow.Machine,
	ledger *ledger.Ledger,
	sweeper *monitor.Sweeper,
	log *logger.Logger,
	opts ...Option,
) *GovernanceService {
	s := &GovernanceService{
		store:   store,
		engine:  engine,
		machine: machine,
		ledger:  ledger,
		sweeper: sweeper,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProposalView is a proposal with its current classification and the
// escalations still holding it.
type ProposalView struct {
	Proposal    *model.Proposal     `json:"proposal"`
	Scorecard   *model.Scorecard    `json:"scorecard,omitempty"`
	Escalations []*model.Escalation `json:"escalations,omitempty"`
}

// ── Classification ────────────────────────────────────────────────────────────

// Classify scores attributes against the current prohibited-items list. An
// unreachable list yields a degraded result rather than an error.
func (s *GovernanceService) Classify(ctx context.Context, attrs classification.Attributes) (classification.Result, error) {
	now := s.clock()
	res, err := s.engine.Classify(attrs, s.referenceList(ctx, now))
	if err != nil {
		return classification.Result{}, err
	}
	s.metrics.Classified(string(res.Tier), res.Degraded)
	return res, nil
}

func (s *GovernanceService) referenceList(ctx context.Context, now time.Time) classification.ReferenceList {
	items, err := s.store.ProhibitedItems(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Prohibited-items list unavailable; classification is degraded")
		return classification.UnavailableReferenceList(now)
	}
	return classification.NewReferenceList(items, now)
}

// ── Proposal creation ─────────────────────────────────────────────────────────

// CreateProposalRequest carries a new proposal.
type CreateProposalRequest struct {
	Title            string                    `json:"title"`
	Description      string                    `json:"description"`
	Attributes       classification.Attributes `json:"attributes"`
	RiskChecks       []string                  `json:"risk_checks"`
	CounterpartyType *string                   `json:"counterparty_type,omitempty"`
	ParentID         *string                   `json:"parent_id,omitempty"`
	Actor            string                    `json:"-"`
}

// CreateProposal classifies and stores a new proposal in INITIATION. A
// prohibited match moves it straight to PROHIBITED.
func (s *GovernanceService) CreateProposal(ctx context.Context, req *CreateProposalRequest) (*ProposalView, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	now := s.clock()
	attrs := req.Attributes.Normalized()
	res, err := s.engine.Classify(attrs, s.referenceList(ctx, now))
	if err != nil {
		return nil, err
	}

	p := &model.Proposal{
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		RiskChecks:       classification.NormalizeCodes(req.RiskChecks),
		CounterpartyType: req.CounterpartyType,
		ParentID:         req.ParentID,
		Stage:            model.StageInitiation,
		Status:           model.StatusOnTrack,
		Track:            res.RecommendedTrack,
		NPAType:          res.Tier,
		PIRStatus:        model.PIRNotScheduled,
		CreatedBy:        req.Actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	applyAttributes(p, attrs)

	var (
		view       *ProposalView
		transition *workflow.Transition
	)
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		if p.ParentID != nil {
			if _, err := tx.GetProposal(ctx, *p.ParentID); err != nil {
				return err
			}
		}
		if err := tx.InsertProposal(ctx, p); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, p.ID, req.Actor, model.AuditProposalCreated, now, map[string]interface{}{
			"title":            p.Title,
			"product_category": p.ProductCategory,
			"product_type":     p.ProductType,
			"notional_amount":  p.NotionalAmount,
			"currency":         p.Currency,
		}); err != nil {
			return err
		}

		sc, err := s.recordClassification(ctx, tx, p, res, req.Actor, now)
		if err != nil {
			return err
		}
		if res.Tier == model.TierProhibited {
			t, err := s.machine.Prohibit(workflow.Snapshot{Proposal: p}, *res.OverrideReason)
			if err != nil {
				return err
			}
			if err := s.applyTransition(ctx, tx, p, t, req.Actor, now); err != nil {
				return err
			}
			transition = &t
		}
		view = &ProposalView{Proposal: p, Scorecard: sc}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Classified(string(res.Tier), res.Degraded)
	s.log.Info().
		Str("proposal_id", p.ID).
		Str("tier", string(p.NPAType)).
		Str("track", string(p.Track)).
		Bool("degraded", res.Degraded).
		Msg("Proposal created")
	s.publish(ctx, EventProposalCreated, p, req.Actor, map[string]interface{}{"tier": p.NPAType, "track": p.Track})
	s.committed(ctx, p, transition, req.Actor)
	return view, nil
}

func validateCreate(req *CreateProposalRequest) error {
	if strings.TrimSpace(req.Actor) == "" {
		return errors.InvalidInput("actor", "is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errors.InvalidInput("title", "is required")
	}
	return validateAttributes(req.Attributes)
}

func validateAttributes(a classification.Attributes) error {
	if strings.TrimSpace(a.ProductCategory) == "" {
		return errors.InvalidInput("product_category", "is required")
	}
	if strings.TrimSpace(a.ProductType) == "" {
		return errors.InvalidInput("product_type", "is required")
	}
	if len(strings.TrimSpace(a.Currency)) != 3 {
		return errors.InvalidInput("currency", "must be a three-letter ISO code")
	}
	if !a.RiskLevel.Valid() {
		return errors.InvalidInput("risk_level", "must be LOW, MEDIUM or HIGH")
	}
	if a.RequestedTrack != "" && !a.RequestedTrack.Valid() {
		return errors.InvalidInput("requested_track", fmt.Sprintf("unknown track %q", a.RequestedTrack))
	}
	return nil
}

// applyAttributes copies normalized attributes onto the proposal.
func applyAttributes(p *model.Proposal, a classification.Attributes) {
	p.ProductCategory = a.ProductCategory
	p.ProductType = a.ProductType
	p.NotionalAmount = a.NotionalAmount
	p.Currency = a.Currency
	p.IsCrossBorder = a.IsCrossBorder
	p.RiskLevel = a.RiskLevel
	p.Jurisdictions = a.Jurisdictions
}

// recordClassification writes the scorecard row and its audit entry.
func (s *GovernanceService) recordClassification(
	ctx context.Context,
	tx repository.Tx,
	p *model.Proposal,
	res classification.Result,
	actor string,
	now time.Time,
) (*model.Scorecard, error) {
	codes := make([]string, 0, len(res.Prohibited.Matches))
	for _, m := range res.Prohibited.Matches {
		codes = append(codes, m.Code)
	}
	sc := &model.Scorecard{
		ProposalID:      p.ID,
		Breakdown:       res.Breakdown,
		TotalScore:      res.TotalScore,
		CalculatedTier:  res.CalculatedTier,
		AssignedTier:    res.Tier,
		OverrideReason:  res.OverrideReason,
		ProhibitedCheck: res.Prohibited.Status,
		ProhibitedCodes: codes,
		CreatedBy:       actor,
		CreatedAt:       now,
	}
	if err := tx.InsertScorecard(ctx, sc); err != nil {
		return nil, err
	}
	return sc, s.audit(ctx, tx, p.ID, actor, model.AuditClassified, now, map[string]interface{}{
		"scorecard_id":     sc.ID,
		"total_score":      sc.TotalScore,
		"calculated_tier":  sc.CalculatedTier,
		"assigned_tier":    sc.AssignedTier,
		"override_reason":  sc.OverrideReason,
		"prohibited_check": sc.ProhibitedCheck,
		"prohibited_codes": codes,
		"degraded":         res.Degraded,
	})
}

// ReclassifyProposal rescores a proposal whose ledger has not been seeded.
// The new scorecard becomes authoritative; a prohibited match ends the
// proposal.
func (s *GovernanceService) ReclassifyProposal(
	ctx context.Context,
	proposalID string,
	attrs classification.Attributes,
	actor string,
) (*ProposalView, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, errors.InvalidInput("actor", "is required")
	}
	attrs = attrs.Normalized()
	if err := validateAttributes(attrs); err != nil {
		return nil, err
	}
	now := s.clock()
	res, err := s.engine.Classify(attrs, s.referenceList(ctx, now))
	if err != nil {
		return nil, err
	}

	var (
		view       *ProposalView
		transition *workflow.Transition
	)
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if err := workflow.CheckClassificationOpen(p); err != nil {
			return err
		}

		applyAttributes(p, attrs)
		p.NPAType = res.Tier
		if p.Track != model.TrackBundling || res.Tier == model.TierProhibited {
			p.Track = res.RecommendedTrack
		}
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		sc, err := s.recordClassification(ctx, tx, p, res, actor, now)
		if err != nil {
			return err
		}
		if res.Tier == model.TierProhibited {
			t, err := s.machine.Prohibit(workflow.Snapshot{Proposal: p}, *res.OverrideReason)
			if err != nil {
				return err
			}
			if err := s.applyTransition(ctx, tx, p, t, actor, now); err != nil {
				return err
			}
			transition = &t
		}
		view = &ProposalView{Proposal: p, Scorecard: sc}
		return nil
	})
	if err != nil {
		s.rejected(ctx, proposalID, actor, "reclassify", err)
		return nil, err
	}

	s.metrics.Classified(string(res.Tier), res.Degraded)
	s.publish(ctx, EventProposalClassified, view.Proposal, actor, map[string]interface{}{"tier": res.Tier})
	s.committed(ctx, view.Proposal, transition, actor)
	return view, nil
}

// ── Bundling ──────────────────────────────────────────────────────────────────

// EvaluateBundling runs the bundling gate. A missing parent fails the
// conditions that depend on it rather than erroring.
func (s *GovernanceService) EvaluateBundling(ctx context.Context, candidateID, parentID string) (bundling.Evaluation, error) {
	var ev bundling.Evaluation
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		candidate, err := tx.GetProposal(ctx, candidateID)
		if err != nil {
			return err
		}
		in, err := bundlingInput(ctx, tx, candidate, parentID)
		if err != nil {
			return err
		}
		ev = bundling.Evaluate(in)
		return nil
	})
	return ev, err
}

func bundlingInput(ctx context.Context, tx repository.Tx, candidate *model.Proposal, parentID string) (bundling.Input, error) {
	in := bundling.Input{Candidate: candidate}
	parent, err := tx.GetProposal(ctx, parentID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return in, nil
	}
	if err != nil {
		return in, err
	}
	signoffs, err := tx.ListSignoffs(ctx, parent.ID)
	if err != nil {
		return in, err
	}
	in.Parent = parent
	in.ParentSignoffs = signoffs
	return in, nil
}

// ApplyBundling evaluates the gate and sets the candidate's track to its
// recommendation. Only allowed before sign-off starts.
func (s *GovernanceService) ApplyBundling(ctx context.Context, candidateID, parentID, actor string) (bundling.Evaluation, error) {
	if strings.TrimSpace(actor) == "" {
		return bundling.Evaluation{}, errors.InvalidInput("actor", "is required")
	}
	now := s.clock()

	var (
		ev bundling.Evaluation
		p  *model.Proposal
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(ctx, candidateID)
		if err != nil {
			return err
		}
		if err := workflow.CheckClassificationOpen(p); err != nil {
			return err
		}
		if p.NPAType == model.TierProhibited {
			return errors.New(errors.ErrCodeConflict, "a prohibited proposal cannot be bundled")
		}
		in, err := bundlingInput(ctx, tx, p, parentID)
		if err != nil {
			return err
		}
		ev = bundling.Evaluate(in)

		previous := p.Track
		p.Track = ev.RecommendedTrack
		if ev.AllPassed {
			parent := parentID
			p.ParentID = &parent
		}
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}

		failed := make([]string, 0)
		for _, c := range ev.Conditions {
			if !c.Passed {
				failed = append(failed, c.Code)
			}
		}
		return s.audit(ctx, tx, p.ID, actor, model.AuditBundlingApplied, now, map[string]interface{}{
			"parent_id":         parentID,
			"passed":            ev.PassedCount,
			"failed_conditions": failed,
			"previous_track":    previous,
			"track":             p.Track,
		})
	})
	if err != nil {
		s.rejected(ctx, candidateID, actor, "apply_bundling", err)
		return bundling.Evaluation{}, err
	}

	s.log.Info().
		Str("proposal_id", candidateID).
		Str("parent_id", parentID).
		Int("passed", ev.PassedCount).
		Str("track", string(ev.RecommendedTrack)).
		Msg("Bundling recommendation applied")
	s.publish(ctx, EventBundlingApplied, p, actor, map[string]interface{}{
		"parent_id": parentID,
		"track":     ev.RecommendedTrack,
	})
	return ev, nil
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// AdvanceStage moves the proposal one stage forward. A guard violation
// returns *workflow.StateTransitionError and is recorded in the audit trail.
func (s *GovernanceService) AdvanceStage(ctx context.Context, proposalID, actor string) (model.Stage, error) {
	if strings.TrimSpace(actor) == "" {
		return "", errors.InvalidInput("actor", "is required")
	}
	now := s.clock()

	var (
		p *model.Proposal
		t workflow.Transition
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		snap, err := s.snapshot(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		p = snap.Proposal
		t, err = s.machine.Advance(snap, now)
		if err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, p, t, actor, now)
	})
	if err != nil {
		s.rejected(ctx, proposalID, actor, "advance_stage", err)
		return "", err
	}

	s.committed(ctx, p, &t, actor)
	return p.Stage, nil
}

// snapshot locks the proposal and its signoffs and loads what the machine
// needs.
func (s *GovernanceService) snapshot(ctx context.Context, tx repository.Tx, proposalID string) (workflow.Snapshot, error) {
	p, err := tx.GetProposalForUpdate(ctx, proposalID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	signoffs, err := tx.ListSignoffsForUpdate(ctx, p.ID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	escalations, err := tx.ListBlockingEscalations(ctx, p.ID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	sc, err := tx.LatestScorecard(ctx, p.ID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	return workflow.Snapshot{Proposal: p, Signoffs: signoffs, Escalations: escalations, Scorecard: sc}, nil
}

// applyTransition persists t on p with its side effects: the stage audit
// entry, ledger seeding and the launch baseline.
func (s *GovernanceService) applyTransition(
	ctx context.Context,
	tx repository.Tx,
	p *model.Proposal,
	t workflow.Transition,
	actor string,
	now time.Time,
) error {
	unchanged := t.To == p.Stage && t.Status == p.Status && (t.PIRStatus == "" || t.PIRStatus == p.PIRStatus)
	if unchanged && !t.SeedSignoffs {
		return nil
	}
	t.Apply(p)
	p.UpdatedAt = now
	if err := tx.UpdateProposal(ctx, p); err != nil {
		return err
	}
	if t.From != t.To {
		if err := s.audit(ctx, tx, p.ID, actor, model.AuditStageChanged, now, map[string]interface{}{
			"from":   t.From,
			"to":     t.To,
			"status": t.Status,
			"reason": t.Reason,
		}); err != nil {
			return err
		}
	}
	if t.SeedSignoffs {
		if err := s.seedSignoffs(ctx, tx, p, actor, now); err != nil {
			return err
		}
	}
	if t.SeedBaseline {
		if err := tx.InsertPerformanceMetric(ctx, &model.PerformanceMetric{
			ProposalID:  p.ID,
			PeriodStart: now,
			PeriodEnd:   now,
			IsBaseline:  true,
			RecordedBy:  actor,
			RecordedAt:  now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// seedSignoffs creates the missing ledger rows, reopens REWORK rows and
// closes the loop-backs the resubmission answers.
func (s *GovernanceService) seedSignoffs(ctx context.Context, tx repository.Tx, p *model.Proposal, actor string, now time.Time) error {
	existing, err := tx.ListSignoffsForUpdate(ctx, p.ID)
	if err != nil {
		return err
	}
	parties := s.engine.Matrix().RequiredParties(p.NPAType, p.Track)
	plan := s.ledger.Seed(p, parties, existing, now)

	created := make([]string, 0, len(plan.Create))
	for _, so := range plan.Create {
		if err := tx.InsertSignoff(ctx, so); err != nil {
			return err
		}
		created = append(created, so.Party)
	}
	reopened := make([]string, 0, len(plan.Reopen))
	for _, so := range plan.Reopen {
		if err := tx.UpdateSignoff(ctx, so); err != nil {
			return err
		}
		reopened = append(reopened, so.Party)
	}
	resolved, err := tx.ResolveOpenLoopBacks(ctx, p.ID, ledger.ResubmittedResolution, now)
	if err != nil {
		return err
	}
	if plan.Empty() && resolved == 0 {
		return nil
	}
	return s.audit(ctx, tx, p.ID, actor, model.AuditSignoffsSeeded, now, map[string]interface{}{
		"created":             created,
		"reopened":            reopened,
		"loop_backs_resolved": resolved,
		"track":               p.Track,
	})
}

// CompletePIR records the post-implementation review of a LAUNCHED proposal.
func (s *GovernanceService) CompletePIR(ctx context.Context, proposalID, actor, summary string) (*model.Proposal, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, errors.InvalidInput("actor", "is required")
	}
	if strings.TrimSpace(summary) == "" {
		return nil, errors.InvalidInput("summary", "is required")
	}
	now := s.clock()

	var p *model.Proposal
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.PIRStatus == model.PIRCompleted && p.Stage == model.StageLaunched {
			return nil
		}
		t, err := s.machine.CompletePIR(workflow.Snapshot{Proposal: p})
		if err != nil {
			return err
		}
		due := p.PIRDueDate
		if err := s.applyTransition(ctx, tx, p, t, actor, now); err != nil {
			return err
		}
		return s.audit(ctx, tx, p.ID, actor, model.AuditPIRCompleted, now, map[string]interface{}{
			"summary":      summary,
			"pir_due_date": due,
		})
	})
	if err != nil {
		s.rejected(ctx, proposalID, actor, "complete_pir", err)
		return nil, err
	}
	s.publish(ctx, EventPIRCompleted, p, actor, nil)
	return p, nil
}

// RecordMetricsRequest carries one post-launch performance observation.
type RecordMetricsRequest struct {
	ProposalID  string    `json:"proposal_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TradeCount  int64     `json:"trade_count"`
	Volume      int64     `json:"volume"`
	PnL         int64     `json:"pnl"`
	Incidents   int       `json:"incidents"`
	Actor       string    `json:"-"`
}

// RecordPerformanceMetrics stores an observation for a launched product. The
// dormancy scan reads these.
func (s *GovernanceService) RecordPerformanceMetrics(ctx context.Context, req *RecordMetricsRequest) (*model.PerformanceMetric, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return nil, errors.InvalidInput("actor", "is required")
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || req.PeriodEnd.Before(req.PeriodStart) {
		return nil, errors.InvalidInput("period", "period_end must not precede period_start")
	}
	if req.TradeCount < 0 || req.Volume < 0 || req.Incidents < 0 {
		return nil, errors.InvalidInput("metrics", "counts cannot be negative")
	}
	now := s.clock()

	m := &model.PerformanceMetric{
		ProposalID:  req.ProposalID,
		PeriodStart: req.PeriodStart.UTC(),
		PeriodEnd:   req.PeriodEnd.UTC(),
		TradeCount:  req.TradeCount,
		Volume:      req.Volume,
		PnL:         req.PnL,
		Incidents:   req.Incidents,
		RecordedBy:  req.Actor,
		RecordedAt:  now,
	}
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, req.ProposalID)
		if err != nil {
			return err
		}
		if p.Stage != model.StageLaunched && p.Stage != model.StageMonitoring {
			return &workflow.StateTransitionError{
				Guard:   workflow.GuardNotLaunched,
				From:    p.Stage,
				Message: "performance metrics are only recorded for launched products",
			}
		}
		if err := tx.InsertPerformanceMetric(ctx, m); err != nil {
			return err
		}
		return s.audit(ctx, tx, p.ID, req.Actor, model.AuditMetricsRecorded, now, map[string]interface{}{
			"metric_id":    m.ID,
			"period_start": m.PeriodStart,
			"period_end":   m.PeriodEnd,
			"trade_count":  m.TradeCount,
			"incidents":    m.Incidents,
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ── Sign-off ──────────────────────────────────────────────────────────────────

// SignoffDecisionRequest is one party's decision on a proposal.
type SignoffDecisionRequest struct {
	ProposalID string              `json:"proposal_id"`
	Party      string              `json:"party"`
	Decision   model.SignoffStatus `json:"decision"`
	Comments   string              `json:"comments"`
	Actor      string              `json:"-"`
}

// RecordSignoffDecision applies a decision and whatever it triggers: a
// loop-back, the circuit-breaker escalation, rejection of the proposal or the
// advance to final approval. Repeating a decision the signoff already holds
// is a no-op.
func (s *GovernanceService) RecordSignoffDecision(ctx context.Context, req *SignoffDecisionRequest) (ledger.State, error) {
	now := s.clock()

	var (
		state ledger.State
		out   ledger.Outcome
		p     *model.Proposal
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		snap, err := s.snapshot(ctx, tx, req.ProposalID)
		if err != nil {
			return err
		}
		p = snap.Proposal
		loopBacks, err := tx.CountLoopBacks(ctx, p.ID)
		if err != nil {
			return err
		}
		out, err = s.ledger.Decide(snap, loopBacks, ledger.DecisionRequest{
			Party:    req.Party,
			Decision: req.Decision,
			Comments: req.Comments,
			Actor:    req.Actor,
		}, now)
		if err != nil {
			return err
		}
		if out.Changed {
			if err := s.persistOutcome(ctx, tx, p, out, req.Actor, now); err != nil {
				return err
			}
		}

		signoffs, err := tx.ListSignoffs(ctx, p.ID)
		if err != nil {
			return err
		}
		count, err := tx.CountLoopBacks(ctx, p.ID)
		if err != nil {
			return err
		}
		state = ledger.Summarize(p, signoffs, count)
		return nil
	})
	if err != nil {
		s.rejected(ctx, req.ProposalID, req.Actor, "record_signoff_decision", err)
		return ledger.State{}, err
	}
	if !out.Changed {
		return state, nil
	}

	s.metrics.Decision(string(req.Decision))
	s.log.Info().
		Str("proposal_id", p.ID).
		Str("party", out.Signoff.Party).
		Str("decision", string(req.Decision)).
		Str("stage", string(p.Stage)).
		Msg("Signoff decision recorded")
	s.publish(ctx, EventSignoffDecision, p, req.Actor, map[string]interface{}{
		"party":    out.Signoff.Party,
		"decision": req.Decision,
	})
	if out.LoopBack != nil {
		s.metrics.LoopBack()
	}
	if out.Escalation != nil {
		s.metrics.Escalation(out.Escalation.Trigger)
		if s.notifier != nil {
			s.notifier.PublishEscalation(ctx, out.Escalation, p)
		}
	}
	s.committed(ctx, p, out.Transition, req.Actor)
	return state, nil
}

func (s *GovernanceService) persistOutcome(
	ctx context.Context,
	tx repository.Tx,
	p *model.Proposal,
	out ledger.Outcome,
	actor string,
	now time.Time,
) error {
	if err := tx.UpdateSignoff(ctx, out.Signoff); err != nil {
		return err
	}
	if err := s.audit(ctx, tx, p.ID, actor, model.AuditSignoffDecision, now, map[string]interface{}{
		"signoff_id": out.Signoff.ID,
		"party":      out.Signoff.Party,
		"decision":   out.Signoff.Status,
		"comments":   out.Signoff.Comments,
	}); err != nil {
		return err
	}

	if lb := out.LoopBack; lb != nil {
		if err := tx.InsertLoopBack(ctx, lb); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, p.ID, actor, model.AuditLoopBackCreated, now, map[string]interface{}{
			"loop_back_id": lb.ID,
			"initiated_by": lb.InitiatedBy,
			"routed_to":    lb.RoutedTo,
			"sequence":     lb.Sequence,
			"reason":       lb.Reason,
		}); err != nil {
			return err
		}
	}

	if esc := out.Escalation; esc != nil {
		if err := tx.InsertEscalation(ctx, esc); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, p.ID, actor, model.AuditEscalationCreated, now, map[string]interface{}{
			"escalation_id": esc.ID,
			"level":         esc.Level,
			"trigger":       esc.Trigger,
			"reason":        esc.Reason,
		}); err != nil {
			return err
		}
	}

	if out.Transition != nil {
		return s.applyTransition(ctx, tx, p, *out.Transition, actor, now)
	}
	return nil
}

// AddSignoffComment appends a remark to a party's signoff thread. It never
// changes the signoff.
func (s *GovernanceService) AddSignoffComment(ctx context.Context, proposalID, party, author, body string) (*model.SignoffComment, error) {
	now := s.clock()
	var c *model.SignoffComment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		so, err := findSignoff(ctx, tx, proposalID, party)
		if err != nil {
			return err
		}
		c, err = ledger.NewComment(so, author, body, now)
		if err != nil {
			return err
		}
		if err := tx.InsertComment(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, proposalID, author, model.AuditSignoffComment, now, map[string]interface{}{
			"signoff_id": so.ID,
			"party":      so.Party,
			"comment_id": c.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListSignoffComments returns a party's comment thread, oldest first.
func (s *GovernanceService) ListSignoffComments(ctx context.Context, proposalID, party string) ([]*model.SignoffComment, error) {
	var comments []*model.SignoffComment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		so, err := findSignoff(ctx, tx, proposalID, party)
		if err != nil {
			return err
		}
		comments, err = tx.ListComments(ctx, so.ID)
		return err
	})
	return comments, err
}

func findSignoff(ctx context.Context, tx repository.Tx, proposalID, party string) (*model.Signoff, error) {
	if _, err := tx.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	signoffs, err := tx.ListSignoffs(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	for _, so := range signoffs {
		if strings.EqualFold(so.Party, strings.TrimSpace(party)) {
			return so, nil
		}
	}
	return nil, errors.NotFound("signoff", party)
}

// ── Escalation ────────────────────────────────────────────────────────────────

// EscalateRequest raises a manual escalation.
type EscalateRequest struct {
	ProposalID string `json:"proposal_id"`
	Level      int    `json:"level"`
	Reason     string `json:"reason"`
	Actor      string `json:"-"`
}

// Escalate holds the proposal in ESCALATED until every escalation resolves.
// It returns the new escalation's id.
func (s *GovernanceService) Escalate(ctx context.Context, req *EscalateRequest) (string, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return "", errors.InvalidInput("actor", "is required")
	}
	if req.Level < 1 || req.Level > 5 {
		return "", errors.InvalidInput("level", "must be between 1 and 5")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return "", errors.InvalidInput("reason", "is required")
	}
	now := s.clock()

	var (
		p   *model.Proposal
		esc *model.Escalation
		t   workflow.Transition
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		snap, err := s.snapshot(ctx, tx, req.ProposalID)
		if err != nil {
			return err
		}
		p = snap.Proposal
		var prior model.Stage
		t, prior, err = s.machine.Escalate(snap)
		if err != nil {
			return err
		}

		esc = &model.Escalation{
			ProposalID:  p.ID,
			Level:       req.Level,
			Reason:      req.Reason,
			Trigger:     model.TriggerManual,
			Status:      model.EscalationActive,
			PriorStage:  prior,
			EscalatedBy: req.Actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertEscalation(ctx, esc); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, p.ID, req.Actor, model.AuditEscalationCreated, now, map[string]interface{}{
			"escalation_id": esc.ID,
			"level":         esc.Level,
			"trigger":       esc.Trigger,
			"reason":        esc.Reason,
			"prior_stage":   prior,
		}); err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, p, t, req.Actor, now)
	})
	if err != nil {
		s.rejected(ctx, req.ProposalID, req.Actor, "escalate", err)
		return "", err
	}

	s.metrics.Escalation(model.TriggerManual)
	s.log.Warn().
		Str("proposal_id", p.ID).
		Str("escalation_id", esc.ID).
		Int("level", esc.Level).
		Msg("Proposal escalated")
	if s.notifier != nil {
		s.notifier.PublishEscalation(ctx, esc, p)
	}
	s.committed(ctx, p, &t, req.Actor)
	return esc.ID, nil
}

// ResolveEscalationRequest closes an escalation.
type ResolveEscalationRequest struct {
	EscalationID string                   `json:"escalation_id"`
	Decision     model.EscalationDecision `json:"decision"`
	Resolution   string                   `json:"resolution"`
	Actor        string                   `json:"-"`
}

// ResolveEscalation records the decision. REJECT ends the proposal; PROCEED
// releases it once no other escalation holds it. It returns the proposal's
// resulting stage.
func (s *GovernanceService) ResolveEscalation(ctx context.Context, req *ResolveEscalationRequest) (model.Stage, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return "", errors.InvalidInput("actor", "is required")
	}
	if req.Decision != model.DecisionProceed && req.Decision != model.DecisionReject {
		return "", errors.InvalidInput("decision", "must be PROCEED or REJECT")
	}
	if strings.TrimSpace(req.Resolution) == "" {
		return "", errors.InvalidInput("resolution", "is required")
	}
	now := s.clock()

	var (
		p          *model.Proposal
		t          workflow.Transition
		proposalID string
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		esc, err := tx.GetEscalationForUpdate(ctx, req.EscalationID)
		if err != nil {
			return err
		}
		proposalID = esc.ProposalID
		snap, err := s.snapshot(ctx, tx, esc.ProposalID)
		if err != nil {
			return err
		}
		p = snap.Proposal
		t, err = s.machine.ResolveEscalation(snap, esc, req.Decision)
		if err != nil {
			return err
		}

		decision := req.Decision
		resolution := req.Resolution
		actor := req.Actor
		resolvedAt := now
		esc.Status = model.EscalationResolved
		esc.Decision = &decision
		esc.Resolution = &resolution
		esc.ResolvedBy = &actor
		esc.ResolvedAt = &resolvedAt
		esc.UpdatedAt = now
		if err := tx.UpdateEscalation(ctx, esc); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, p.ID, req.Actor, model.AuditEscalationResolved, now, map[string]interface{}{
			"escalation_id": esc.ID,
			"decision":      decision,
			"resolution":    resolution,
			"resume_stage":  t.To,
		}); err != nil {
			return err
		}
		if t.From != t.To && t.To.IsTerminal() {
			if err := s.closeSiblingEscalations(ctx, tx, snap.Escalations, esc, now); err != nil {
				return err
			}
		}
		return s.applyTransition(ctx, tx, p, t, req.Actor, now)
	})
	if err != nil {
		if proposalID != "" {
			s.rejected(ctx, proposalID, req.Actor, "resolve_escalation", err)
		}
		return "", err
	}

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("escalation_id", req.EscalationID).
		Str("decision", string(req.Decision)).
		Str("stage", string(p.Stage)).
		Msg("Escalation resolved")
	s.committed(ctx, p, &t, req.Actor)
	return p.Stage, nil
}

// closeSiblingEscalations resolves the escalations still open alongside the
// one that ended the proposal.
func (s *GovernanceService) closeSiblingEscalations(
	ctx context.Context,
	tx repository.Tx,
	open []*model.Escalation,
	closing *model.Escalation,
	now time.Time,
) error {
	for _, e := range open {
		if e.ID == closing.ID || !e.Status.Blocking() {
			continue
		}
		decision := *closing.Decision
		resolution := "superseded by escalation " + closing.ID
		actor := *closing.ResolvedBy
		resolvedAt := now
		e.Status = model.EscalationResolved
		e.Decision = &decision
		e.Resolution = &resolution
		e.ResolvedBy = &actor
		e.ResolvedAt = &resolvedAt
		e.UpdatedAt = now
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, e.ProposalID, actor, model.AuditEscalationResolved, now, map[string]interface{}{
			"escalation_id": e.ID,
			"decision":      decision,
			"resolution":    resolution,
			"superseded_by": closing.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ── Monitoring ────────────────────────────────────────────────────────────────

// RunEscalationSweep runs the monitor's four scans once.
func (s *GovernanceService) RunEscalationSweep(ctx context.Context) monitor.SweepResult {
	return s.sweeper.RunSweep(ctx)
}

// LastSweep returns the most recent sweep result and the number of sweeps run.
func (s *GovernanceService) LastSweep() (monitor.SweepResult, int64) {
	return s.sweeper.LastResult(), s.sweeper.Sweeps()
}

// Ping checks the store.
func (s *GovernanceService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveBreachAlert closes an alert. The signoff's breach flag stays set.
func (s *GovernanceService) ResolveBreachAlert(ctx context.Context, alertID, actor, note string) (*model.BreachAlert, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, errors.InvalidInput("actor", "is required")
	}
	now := s.clock()

	var alert *model.BreachAlert
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		alert, err = tx.GetBreachAlertForUpdate(ctx, alertID)
		if err != nil {
			return err
		}
		if alert.Status == model.AlertResolved {
			return nil
		}
		by, resolvedAt := actor, now
		alert.Status = model.AlertResolved
		alert.ResolvedAt = &resolvedAt
		alert.ResolvedBy = &by
		if note != "" {
			n := note
			alert.ResolutionNote = &n
		}
		if err := tx.UpdateBreachAlert(ctx, alert); err != nil {
			return err
		}
		return s.audit(ctx, tx, alert.ProposalID, actor, model.AuditBreachAlertResolved, now, map[string]interface{}{
			"alert_id":   alert.ID,
			"signoff_id": alert.SignoffID,
			"note":       note,
		})
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetProposal returns the proposal with its latest scorecard and blocking
// escalations.
func (s *GovernanceService) GetProposal(ctx context.Context, proposalID string) (*ProposalView, error) {
	var view *ProposalView
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		sc, err := tx.LatestScorecard(ctx, p.ID)
		if err != nil {
			return err
		}
		escalations, err := tx.ListBlockingEscalations(ctx, p.ID)
		if err != nil {
			return err
		}
		view = &ProposalView{Proposal: p, Scorecard: sc, Escalations: escalations}
		return nil
	})
	return view, err
}

// ListProposals returns proposals newest first.
func (s *GovernanceService) ListProposals(ctx context.Context, filter repository.ProposalFilter) ([]*model.Proposal, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	var proposals []*model.Proposal
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		proposals, err = tx.ListProposals(ctx, filter)
		return err
	})
	return proposals, err
}

// GetLedger returns the sign-off ledger of a proposal.
func (s *GovernanceService) GetLedger(ctx context.Context, proposalID string) (ledger.State, error) {
	var state ledger.State
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		signoffs, err := tx.ListSignoffs(ctx, p.ID)
		if err != nil {
			return err
		}
		count, err := tx.CountLoopBacks(ctx, p.ID)
		if err != nil {
			return err
		}
		state = ledger.Summarize(p, signoffs, count)
		return nil
	})
	return state, err
}

// ListLoopBacks returns a proposal's rework cycles in order.
func (s *GovernanceService) ListLoopBacks(ctx context.Context, proposalID string) ([]*model.LoopBack, error) {
	var loopBacks []*model.LoopBack
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetProposal(ctx, proposalID); err != nil {
			return err
		}
		var err error
		loopBacks, err = tx.ListLoopBacks(ctx, proposalID)
		return err
	})
	return loopBacks, err
}

// ListBreachAlerts returns alerts newest first.
func (s *GovernanceService) ListBreachAlerts(ctx context.Context, filter repository.AlertFilter) ([]*model.BreachAlert, error) {
	var alerts []*model.BreachAlert
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		alerts, err = tx.ListBreachAlerts(ctx, filter)
		return err
	})
	return alerts, err
}

// GetAuditTrail returns a proposal's audit entries oldest first.
func (s *GovernanceService) GetAuditTrail(ctx context.Context, proposalID string) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetProposal(ctx, proposalID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListAudit(ctx, proposalID)
		return err
	})
	return entries, err
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *GovernanceService) clock() time.Time {
	return s.now().UTC()
}

func (s *GovernanceService) audit(
	ctx context.Context,
	tx repository.Tx,
	proposalID, actor, action string,
	now time.Time,
	detail map[string]interface{},
) error {
	return tx.AppendAudit(ctx, &model.AuditEntry{
		ProposalID: proposalID,
		Actor:      actor,
		Action:     action,
		Detail:     detail,
		CreatedAt:  now,
	})
}

// rejected records a guard violation after its transaction rolled back. It
// never returns an error; a failed write is only logged.
func (s *GovernanceService) rejected(ctx context.Context, proposalID, actor, operation string, err error) {
	var ste *workflow.StateTransitionError
	if !errors.As(err, &ste) {
		return
	}
	s.metrics.Denied(ste.Guard)

	auditErr := s.store.InTx(ctx, func(tx repository.Tx) error {
		return s.audit(ctx, tx, proposalID, actor, model.AuditTransitionRejected, s.clock(), map[string]interface{}{
			"operation": operation,
			"guard":     ste.Guard,
			"from":      ste.From,
			"to":        ste.To,
			"message":   ste.Message,
		})
	})
	if auditErr != nil {
		s.log.Warn().Err(auditErr).
			Str("proposal_id", proposalID).
			Str("guard", ste.Guard).
			Msg("Failed to write audit log entry")
	}
}

// committed records and announces a stage change after its transaction
// committed.
func (s *GovernanceService) committed(ctx context.Context, p *model.Proposal, t *workflow.Transition, actor string) {
	if t == nil || t.From == t.To {
		return
	}
	s.metrics.Transition(string(t.From), string(t.To))
	s.log.Info().
		Str("proposal_id", p.ID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("actor", actor).
		Msg("Proposal stage changed")
	s.publish(ctx, EventStageChanged, p, actor, map[string]interface{}{
		"from":   t.From,
		"to":     t.To,
		"status": t.Status,
	})
}

func (s *GovernanceService) publish(ctx context.Context, eventType string, p *model.Proposal, actor string, payload map[string]interface{}) {
	if s.notifier == nil || p == nil {
		return
	}
	s.notifier.PublishProposalEvent(ctx, eventType, p, actor, payload)
}
