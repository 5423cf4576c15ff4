// Package monitor runs the periodic escalation sweep: SLA breaches, validity
// expiry, overdue post-implementation reviews and dormancy. Every scan is
// idempotent and processes each row in its own transaction, re-checking the
// condition under lock, so a crash mid-sweep loses only unprocessed rows.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/metrics"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// Scan names, used in logs and metrics.
const (
	ScanSLABreach = "sla_breach"
	ScanExpiry    = "validity_expiry"
	ScanPIR       = "pir_overdue"
	ScanDormancy  = "dormancy"
)

// Notifier receives sweep events after their transaction commits.
type Notifier interface {
	PublishBreach(ctx context.Context, a *model.BreachAlert)
	PublishProposalEvent(ctx context.Context, eventType string, p *model.Proposal, actor string, payload map[string]interface{})
}

// SweepResult counts what one sweep flagged.
type SweepResult struct {
	BreachesFound int           `json:"breaches_found"`
	Expired       int           `json:"expired"`
	PIROverdue    int           `json:"pir_overdue"`
	Dormant       int           `json:"dormant"`
	Errors        int           `json:"errors"`
	RanAt         time.Time     `json:"ran_at"`
	Duration      time.Duration `json:"duration"`
}

// Sweeper performs the sweep against a Store.
type Sweeper struct {
	store    repository.Store
	machine  *workflow.Machine
	cfg      Config
	notifier Notifier
	metrics  *metrics.Collectors
	log      *logger.Logger
	now      func() time.Time

	sweeps      atomic.Int64
	lastMu      sync.RWMutex
	lastResult  SweepResult
	sweepActive sync.Mutex
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithNotifier publishes sweep events.
func WithNotifier(n Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

// WithMetrics records sweep metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper creates a Sweeper.
func NewSweeper(store repository.Store, machine *workflow.Machine, cfg Config, log *logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   store,
		machine: machine,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastResult returns the outcome of the most recent sweep.
func (s *Sweeper) LastResult() SweepResult {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastResult
}

// Sweeps returns how many sweeps have completed.
func (s *Sweeper) Sweeps() int64 { return s.sweeps.Load() }

// RunSweep runs the four scans once. A failing scan or row is logged and
// counted; it never stops the others. Concurrent calls in one process are
// serialised; concurrent processes are made safe by the row locks.
func (s *Sweeper) RunSweep(ctx context.Context) SweepResult {
	s.sweepActive.Lock()
	defer s.sweepActive.Unlock()

	start := time.Now()
	now := s.now()
	res := SweepResult{RanAt: now}

	res.BreachesFound = s.scanBreaches(ctx, now, &res)
	res.Expired = s.scanProposals(ctx, ScanExpiry, now, &res, s.expireOne,
		func(tx repository.Tx) ([]string, error) { return tx.ListExpiryCandidates(ctx, now) })
	res.PIROverdue = s.scanProposals(ctx, ScanPIR, now, &res, s.flagPIROverdue,
		func(tx repository.Tx) ([]string, error) { return tx.ListPIROverdueCandidates(ctx, now) })
	res.Dormant = s.scanProposals(ctx, ScanDormancy, now, &res, s.flagDormant,
		func(tx repository.Tx) ([]string, error) {
			return tx.ListDormancyCandidates(ctx, now.AddDate(0, -s.cfg.DormancyMonths, 0))
		})

	res.Duration = time.Since(start)
	s.metrics.ObserveSweep(res.Duration)
	s.sweeps.Add(1)
	s.lastMu.Lock()
	s.lastResult = res
	s.lastMu.Unlock()

	s.log.Info().
		Int("breaches", res.BreachesFound).
		Int("expired", res.Expired).
		Int("pir_overdue", res.PIROverdue).
		Int("dormant", res.Dormant).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("Escalation sweep completed")
	return res
}

// ── SLA breach ────────────────────────────────────────────────────────────────

func (s *Sweeper) scanBreaches(ctx context.Context, now time.Time, res *SweepResult) int {
	var candidates []*model.Signoff
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		candidates, err = tx.ListOverdueSignoffs(ctx, now)
		return err
	})
	if err != nil {
		s.scanFailed(ScanSLABreach, err, res)
		return 0
	}

	found := 0
	for _, c := range candidates {
		alert, err := s.flagBreach(ctx, c, now)
		if err != nil {
			res.Errors++
			s.metrics.SweepError(ScanSLABreach)
			s.log.Error().Err(err).
				Str("proposal_id", c.ProposalID).
				Str("signoff_id", c.ID).
				Msg("SLA breach scan failed for signoff")
			continue
		}
		if alert == nil {
			continue
		}
		found++
		if s.notifier != nil {
			s.notifier.PublishBreach(ctx, alert)
		}
	}
	s.metrics.Finding(ScanSLABreach, found)
	return found
}

// flagBreach marks one signoff breached, raises its alert and delays the
// proposal. It returns nil when the row no longer qualifies.
func (s *Sweeper) flagBreach(ctx context.Context, candidate *model.Signoff, now time.Time) (*model.BreachAlert, error) {
	var alert *model.BreachAlert
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, candidate.ProposalID)
		if err != nil {
			return err
		}
		// Signoffs on a finished proposal can no longer be decided.
		if p.Stage.IsTerminal() {
			return nil
		}
		signoffs, err := tx.ListSignoffsForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		var so *model.Signoff
		for _, row := range signoffs {
			if row.ID == candidate.ID {
				so = row
				break
			}
		}
		if so == nil || !IsSLABreached(so, now) {
			return nil
		}

		overdue := HoursOverdue(so, now)
		severity := BreachSeverity(overdue, s.cfg.CriticalOverdueHours)

		so.SLABreached = true
		so.UpdatedAt = now
		if err := tx.UpdateSignoff(ctx, so); err != nil {
			return err
		}

		a := &model.BreachAlert{
			ProposalID:     p.ID,
			SignoffID:      so.ID,
			Party:          so.Party,
			Title:          fmt.Sprintf("%s signoff %.1fh overdue on %s", so.Party, overdue, p.Title),
			Severity:       severity,
			Metric:         "hours_overdue",
			ThresholdValue: 0,
			ActualValue:    overdue,
			Status:         model.AlertOpen,
			CreatedAt:      now,
		}
		created, err := tx.InsertBreachAlert(ctx, a)
		if err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ProposalID: p.ID,
			Actor:      SystemActor,
			Action:     model.AuditSLABreached,
			Detail: map[string]interface{}{
				"signoff_id":    so.ID,
				"party":         so.Party,
				"sla_deadline":  so.SLADeadline,
				"hours_overdue": overdue,
				"severity":      severity,
				"alert_created": created,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		if !keepsStatus(p.Status) && p.Status != model.StatusDelayed {
			p.Status = model.StatusDelayed
			p.UpdatedAt = now
			if err := tx.UpdateProposal(ctx, p); err != nil {
				return err
			}
		}
		if created {
			alert = a
		}
		return nil
	})
	return alert, err
}

// ── Proposal scans ────────────────────────────────────────────────────────────

type proposalFlagger func(ctx context.Context, id string, now time.Time) (*model.Proposal, error)

func (s *Sweeper) scanProposals(
	ctx context.Context,
	scan string,
	now time.Time,
	res *SweepResult,
	flag proposalFlagger,
	list func(tx repository.Tx) ([]string, error),
) int {
	var ids []string
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		ids, err = list(tx)
		return err
	})
	if err != nil {
		s.scanFailed(scan, err, res)
		return 0
	}

	found := 0
	for _, id := range ids {
		p, err := flag(ctx, id, now)
		if err != nil {
			res.Errors++
			s.metrics.SweepError(scan)
			s.log.Error().Err(err).Str("scan", scan).Str("proposal_id", id).Msg("Sweep scan failed for proposal")
			continue
		}
		if p == nil {
			continue
		}
		found++
		if s.notifier != nil {
			s.notifier.PublishProposalEvent(ctx, scan, p, SystemActor, map[string]interface{}{
				"stage":  p.Stage,
				"status": p.Status,
			})
		}
	}
	s.metrics.Finding(scan, found)
	return found
}

func (s *Sweeper) expireOne(ctx context.Context, id string, now time.Time) (*model.Proposal, error) {
	var flagged *model.Proposal
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !ShouldExpire(p, now) {
			return nil
		}
		t, err := s.machine.Expire(workflow.Snapshot{Proposal: p}, now)
		if err != nil {
			return nil
		}
		t.Apply(p)
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ProposalID: p.ID,
			Actor:      SystemActor,
			Action:     model.AuditValidityExpired,
			Detail: map[string]interface{}{
				"from":            t.From,
				"to":              t.To,
				"validity_expiry": p.ValidityExpiry,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		s.metrics.Transition(string(t.From), string(t.To))
		flagged = p
		return nil
	})
	return flagged, err
}

func (s *Sweeper) flagPIROverdue(ctx context.Context, id string, now time.Time) (*model.Proposal, error) {
	var flagged *model.Proposal
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !IsPIROverdue(p, now) {
			return nil
		}
		p.PIRStatus = model.PIROverdue
		if !keepsStatus(p.Status) {
			p.Status = model.StatusAtRisk
		}
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ProposalID: p.ID,
			Actor:      SystemActor,
			Action:     model.AuditPIROverdue,
			Detail:     map[string]interface{}{"pir_due_date": p.PIRDueDate},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		flagged = p
		return nil
	})
	return flagged, err
}

func (s *Sweeper) flagDormant(ctx context.Context, id string, now time.Time) (*model.Proposal, error) {
	var flagged *model.Proposal
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		last, err := tx.LatestMetricAt(ctx, p.ID)
		if err != nil {
			return err
		}
		if !IsDormant(p, last, now, s.cfg.DormancyMonths) || keepsStatus(p.Status) {
			return nil
		}
		p.Status = model.StatusDormant
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ProposalID: p.ID,
			Actor:      SystemActor,
			Action:     model.AuditMarkedDormant,
			Detail: map[string]interface{}{
				"launched_at":    p.LaunchedAt,
				"last_metric_at": last,
				"window_months":  s.cfg.DormancyMonths,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		flagged = p
		return nil
	})
	return flagged, err
}

func (s *Sweeper) scanFailed(scan string, err error, res *SweepResult) {
	res.Errors++
	s.metrics.SweepError(scan)
	s.log.Error().Err(err).Str("scan", scan).Msg("Sweep scan could not list candidates")
}
