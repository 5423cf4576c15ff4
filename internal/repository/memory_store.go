package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// MemoryStore is an in-process Store. Transactions are serialised by a single
// mutex, which gives every transaction the isolation the row locks give the
// PostgreSQL store. Work is applied to a copy and swapped in on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData

	prohibitedMu  sync.RWMutex
	prohibited    []model.ProhibitedItem
	prohibitedErr error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

type memData struct {
	proposals   map[string]*model.Proposal
	signoffs    map[string]*model.Signoff
	loopBacks   []*model.LoopBack
	comments    []*model.SignoffComment
	escalations map[string]*model.Escalation
	alerts      map[string]*model.BreachAlert
	scorecards  []*model.Scorecard
	metrics     []*model.PerformanceMetric
	audit       []*model.AuditEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		proposals:   map[string]*model.Proposal{},
		signoffs:    map[string]*model.Signoff{},
		escalations: map[string]*model.Escalation{},
		alerts:      map[string]*model.BreachAlert{},
	}}
}

// SetProhibitedItems replaces the reference list.
func (s *MemoryStore) SetProhibitedItems(items []model.ProhibitedItem) {
	s.prohibitedMu.Lock()
	defer s.prohibitedMu.Unlock()
	s.prohibited = append([]model.ProhibitedItem(nil), items...)
	s.prohibitedErr = nil
}

// FailProhibitedItems makes the reference list unavailable.
func (s *MemoryStore) FailProhibitedItems(err error) {
	s.prohibitedMu.Lock()
	defer s.prohibitedMu.Unlock()
	s.prohibitedErr = err
}

// ProhibitedItems implements Store.
func (s *MemoryStore) ProhibitedItems(_ context.Context) ([]model.ProhibitedItem, error) {
	s.prohibitedMu.RLock()
	defer s.prohibitedMu.RUnlock()
	if s.prohibitedErr != nil {
		return nil, errors.ExternalDependency("prohibited-items reference list", s.prohibitedErr)
	}
	return append([]model.ProhibitedItem(nil), s.prohibited...), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "transaction not started")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.copy()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (d *memData) copy() *memData {
	c := &memData{
		proposals:   make(map[string]*model.Proposal, len(d.proposals)),
		signoffs:    make(map[string]*model.Signoff, len(d.signoffs)),
		escalations: make(map[string]*model.Escalation, len(d.escalations)),
		alerts:      make(map[string]*model.BreachAlert, len(d.alerts)),
		loopBacks:   append([]*model.LoopBack(nil), d.loopBacks...),
		comments:    append([]*model.SignoffComment(nil), d.comments...),
		scorecards:  append([]*model.Scorecard(nil), d.scorecards...),
		metrics:     append([]*model.PerformanceMetric(nil), d.metrics...),
		audit:       append([]*model.AuditEntry(nil), d.audit...),
	}
	for k, v := range d.proposals {
		c.proposals[k] = v
	}
	for k, v := range d.signoffs {
		c.signoffs[k] = v
	}
	for k, v := range d.escalations {
		c.escalations[k] = v
	}
	for k, v := range d.alerts {
		c.alerts[k] = v
	}
	return c
}

// memTx stores private copies of records; nothing handed out aliases stored
// state, so an uncommitted mutation can never leak.
type memTx struct {
	d *memData
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// ── Proposals ─────────────────────────────────────────────────────────────────

func (t *memTx) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	p, ok := t.d.proposals[id]
	if !ok {
		return nil, errors.NotFound("proposal", id)
	}
	return p.Clone(), nil
}

func (t *memTx) GetProposalForUpdate(ctx context.Context, id string) (*model.Proposal, error) {
	return t.GetProposal(ctx, id)
}

func (t *memTx) InsertProposal(_ context.Context, p *model.Proposal) error {
	newID(&p.ID)
	if _, exists := t.d.proposals[p.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "proposal already exists: "+p.ID)
	}
	stamp(&p.CreatedAt)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.Version = 1
	t.d.proposals[p.ID] = p.Clone()
	return nil
}

func (t *memTx) UpdateProposal(_ context.Context, p *model.Proposal) error {
	cur, ok := t.d.proposals[p.ID]
	if !ok {
		return errors.NotFound("proposal", p.ID)
	}
	if cur.Version != p.Version {
		return errors.Concurrency("proposal "+p.ID+" was modified concurrently", nil)
	}
	p.Version++
	stamp(&p.UpdatedAt)
	t.d.proposals[p.ID] = p.Clone()
	return nil
}

func (t *memTx) ListProposals(_ context.Context, f ProposalFilter) ([]*model.Proposal, error) {
	var out []*model.Proposal
	for _, p := range t.d.proposals {
		if f.Stage != "" && p.Stage != f.Stage {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit), nil
}

func (t *memTx) proposalIDs(match func(p *model.Proposal) bool) []string {
	var ids []string
	for id, p := range t.d.proposals {
		if match(p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *memTx) ListExpiryCandidates(_ context.Context, now time.Time) ([]string, error) {
	return t.proposalIDs(func(p *model.Proposal) bool {
		return p.Stage == model.StageLaunched && p.ValidityExpiry != nil && !p.ValidityExpiry.After(now)
	}), nil
}

func (t *memTx) ListPIROverdueCandidates(_ context.Context, now time.Time) ([]string, error) {
	return t.proposalIDs(func(p *model.Proposal) bool {
		return p.Stage == model.StageLaunched && p.PIRStatus == model.PIRPending &&
			p.PIRDueDate != nil && p.PIRDueDate.Before(now)
	}), nil
}

func (t *memTx) ListDormancyCandidates(_ context.Context, cutoff time.Time) ([]string, error) {
	return t.proposalIDs(func(p *model.Proposal) bool {
		return p.Stage == model.StageLaunched && p.Status != model.StatusDormant &&
			p.LaunchedAt != nil && p.LaunchedAt.Before(cutoff)
	}), nil
}

// ── Signoffs ──────────────────────────────────────────────────────────────────

func (t *memTx) ListSignoffs(_ context.Context, proposalID string) ([]*model.Signoff, error) {
	var out []*model.Signoff
	for _, s := range t.d.signoffs {
		if s.ProposalID == proposalID {
			out = append(out, s.Clone())
		}
	}
	sortSignoffs(out)
	return out, nil
}

func (t *memTx) ListSignoffsForUpdate(ctx context.Context, proposalID string) ([]*model.Signoff, error) {
	return t.ListSignoffs(ctx, proposalID)
}

func (t *memTx) InsertSignoff(_ context.Context, s *model.Signoff) error {
	for _, cur := range t.d.signoffs {
		if cur.ProposalID == s.ProposalID && strings.EqualFold(cur.Party, s.Party) {
			return errors.New(errors.ErrCodeConflict, "signoff already exists for party "+s.Party)
		}
	}
	newID(&s.ID)
	stamp(&s.CreatedAt)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	t.d.signoffs[s.ID] = s.Clone()
	return nil
}

func (t *memTx) UpdateSignoff(_ context.Context, s *model.Signoff) error {
	cur, ok := t.d.signoffs[s.ID]
	if !ok {
		return errors.NotFound("signoff", s.ID)
	}
	c := s.Clone()
	// The breach flag is monotonic.
	c.SLABreached = c.SLABreached || cur.SLABreached
	t.d.signoffs[s.ID] = c
	return nil
}

func (t *memTx) ListOverdueSignoffs(_ context.Context, now time.Time) ([]*model.Signoff, error) {
	var out []*model.Signoff
	for _, s := range t.d.signoffs {
		if p, ok := t.d.proposals[s.ProposalID]; ok && p.Stage.IsTerminal() {
			continue
		}
		if s.Status.IsOpen() && !s.SLABreached && s.SLADeadline.Before(now) {
			out = append(out, s.Clone())
		}
	}
	sortSignoffs(out)
	return out, nil
}

func (t *memTx) InsertLoopBack(_ context.Context, lb *model.LoopBack) error {
	newID(&lb.ID)
	stamp(&lb.CreatedAt)
	c := *lb
	t.d.loopBacks = append(t.d.loopBacks, &c)
	return nil
}

func (t *memTx) CountLoopBacks(_ context.Context, proposalID string) (int, error) {
	n := 0
	for _, lb := range t.d.loopBacks {
		if lb.ProposalID == proposalID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListLoopBacks(_ context.Context, proposalID string) ([]*model.LoopBack, error) {
	var out []*model.LoopBack
	for _, lb := range t.d.loopBacks {
		if lb.ProposalID == proposalID {
			c := *lb
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memTx) ResolveOpenLoopBacks(_ context.Context, proposalID, resolution string, at time.Time) (int, error) {
	n := 0
	for i, lb := range t.d.loopBacks {
		if lb.ProposalID != proposalID || lb.ResolvedAt != nil {
			continue
		}
		c := *lb
		resolvedAt, res := at, resolution
		c.ResolvedAt = &resolvedAt
		c.Resolution = &res
		t.d.loopBacks[i] = &c
		n++
	}
	return n, nil
}

func (t *memTx) InsertComment(_ context.Context, c *model.SignoffComment) error {
	newID(&c.ID)
	stamp(&c.CreatedAt)
	cp := *c
	t.d.comments = append(t.d.comments, &cp)
	return nil
}

func (t *memTx) ListComments(_ context.Context, signoffID string) ([]*model.SignoffComment, error) {
	var out []*model.SignoffComment
	for _, c := range t.d.comments {
		if c.SignoffID == signoffID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Escalations ───────────────────────────────────────────────────────────────

func (t *memTx) InsertEscalation(_ context.Context, e *model.Escalation) error {
	newID(&e.ID)
	stamp(&e.CreatedAt)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	t.d.escalations[e.ID] = cloneEscalation(e)
	return nil
}

func (t *memTx) GetEscalationForUpdate(_ context.Context, id string) (*model.Escalation, error) {
	e, ok := t.d.escalations[id]
	if !ok {
		return nil, errors.NotFound("escalation", id)
	}
	return cloneEscalation(e), nil
}

func (t *memTx) UpdateEscalation(_ context.Context, e *model.Escalation) error {
	if _, ok := t.d.escalations[e.ID]; !ok {
		return errors.NotFound("escalation", e.ID)
	}
	t.d.escalations[e.ID] = cloneEscalation(e)
	return nil
}

func (t *memTx) ListBlockingEscalations(_ context.Context, proposalID string) ([]*model.Escalation, error) {
	var out []*model.Escalation
	for _, e := range t.d.escalations {
		if e.ProposalID == proposalID && e.Status.Blocking() {
			out = append(out, cloneEscalation(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Breach alerts ─────────────────────────────────────────────────────────────

func (t *memTx) InsertBreachAlert(_ context.Context, a *model.BreachAlert) (bool, error) {
	for _, cur := range t.d.alerts {
		if cur.SignoffID == a.SignoffID && cur.Status == model.AlertOpen {
			return false, nil
		}
	}
	newID(&a.ID)
	stamp(&a.CreatedAt)
	t.d.alerts[a.ID] = cloneAlert(a)
	return true, nil
}

func (t *memTx) GetBreachAlertForUpdate(_ context.Context, id string) (*model.BreachAlert, error) {
	a, ok := t.d.alerts[id]
	if !ok {
		return nil, errors.NotFound("breach alert", id)
	}
	return cloneAlert(a), nil
}

func (t *memTx) UpdateBreachAlert(_ context.Context, a *model.BreachAlert) error {
	if _, ok := t.d.alerts[a.ID]; !ok {
		return errors.NotFound("breach alert", a.ID)
	}
	t.d.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (t *memTx) ListBreachAlerts(_ context.Context, f AlertFilter) ([]*model.BreachAlert, error) {
	var out []*model.BreachAlert
	for _, a := range t.d.alerts {
		if f.ProposalID != "" && a.ProposalID != f.ProposalID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, 0, f.Limit), nil
}

// ── Scorecards, metrics, audit ────────────────────────────────────────────────

func (t *memTx) InsertScorecard(_ context.Context, s *model.Scorecard) error {
	newID(&s.ID)
	stamp(&s.CreatedAt)
	c := *s
	c.Breakdown = append([]model.CriterionScore(nil), s.Breakdown...)
	c.ProhibitedCodes = append([]string(nil), s.ProhibitedCodes...)
	t.d.scorecards = append(t.d.scorecards, &c)
	return nil
}

func (t *memTx) LatestScorecard(_ context.Context, proposalID string) (*model.Scorecard, error) {
	// Insertion order breaks ties between rows written in the same instant.
	for i := len(t.d.scorecards) - 1; i >= 0; i-- {
		if s := t.d.scorecards[i]; s.ProposalID == proposalID {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertPerformanceMetric(_ context.Context, m *model.PerformanceMetric) error {
	newID(&m.ID)
	stamp(&m.RecordedAt)
	c := *m
	t.d.metrics = append(t.d.metrics, &c)
	return nil
}

func (t *memTx) LatestMetricAt(_ context.Context, proposalID string) (*time.Time, error) {
	var latest *time.Time
	for _, m := range t.d.metrics {
		if m.ProposalID != proposalID || m.IsBaseline {
			continue
		}
		if latest == nil || m.RecordedAt.After(*latest) {
			at := m.RecordedAt
			latest = &at
		}
	}
	return latest, nil
}

func (t *memTx) ListPerformanceMetrics(_ context.Context, proposalID string) ([]*model.PerformanceMetric, error) {
	var out []*model.PerformanceMetric
	for _, m := range t.d.metrics {
		if m.ProposalID == proposalID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memTx) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	newID(&e.ID)
	stamp(&e.CreatedAt)
	c := *e
	t.d.audit = append(t.d.audit, &c)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, proposalID string) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range t.d.audit {
		if e.ProposalID == proposalID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func sortSignoffs(s []*model.Signoff) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].Party < s[j].Party
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneEscalation(e *model.Escalation) *model.Escalation {
	c := *e
	if e.Decision != nil {
		d := *e.Decision
		c.Decision = &d
	}
	c.Resolution = cloneStr(e.Resolution)
	c.ResolvedBy = cloneStr(e.ResolvedBy)
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func cloneAlert(a *model.BreachAlert) *model.BreachAlert {
	c := *a
	c.ResolvedBy = cloneStr(a.ResolvedBy)
	c.ResolutionNote = cloneStr(a.ResolutionNote)
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
