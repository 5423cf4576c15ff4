package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-npa-governance/internal/database"
	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// PostgreSQL error codes surfaced as concurrency conflicts.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return mapPgError(err)
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ProhibitedItems implements Store.
func (s *PostgresStore) ProhibitedItems(ctx context.Context) ([]model.ProhibitedItem, error) {
	query := `
		SELECT id, code, name, product_pattern, product_category, jurisdiction,
		       effective_from, effective_to, reason
		FROM prohibited_items
		ORDER BY code
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.ExternalDependency("prohibited-items reference list", err)
	}
	defer rows.Close()

	var items []model.ProhibitedItem
	for rows.Next() {
		var it model.ProhibitedItem
		if err := rows.Scan(
			&it.ID, &it.Code, &it.Name, &it.ProductPattern, &it.ProductCategory, &it.Jurisdiction,
			&it.EffectiveFrom, &it.EffectiveTo, &it.Reason,
		); err != nil {
			return nil, errors.ExternalDependency("prohibited-items reference list", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ExternalDependency("prohibited-items reference list", err)
	}
	return items, nil
}

// mapPgError turns lock contention into a retryable concurrency error and a
// unique violation into a conflict. Errors without a PostgreSQL cause pass
// through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return errors.Concurrency("record is locked by another operation", err)
	case pgUniqueViolation:
		return errors.Wrap(err, errors.ErrCodeConflict, "record already exists")
	}
	return err
}

// validID rejects ids that would fail the uuid cast so they read as missing.
func validID(resource, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound(resource, id)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// ── Proposals ─────────────────────────────────────────────────────────────────

const proposalColumns = `
	id, title, description, product_category, product_type, notional_amount, currency,
	is_cross_border, risk_level, jurisdictions, risk_checks, counterparty_type, parent_id,
	stage, status, track, npa_type,
	launched_at, validity_expiry, pir_due_date, pir_status,
	created_by, version, created_at, updated_at
`

func scanProposal(row pgx.Row) (*model.Proposal, error) {
	p := &model.Proposal{}
	err := row.Scan(
		&p.ID, &p.Title, &p.Description, &p.ProductCategory, &p.ProductType, &p.NotionalAmount, &p.Currency,
		&p.IsCrossBorder, &p.RiskLevel, &p.Jurisdictions, &p.RiskChecks, &p.CounterpartyType, &p.ParentID,
		&p.Stage, &p.Status, &p.Track, &p.NPAType,
		&p.LaunchedAt, &p.ValidityExpiry, &p.PIRDueDate, &p.PIRStatus,
		&p.CreatedBy, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *pgTx) getProposal(ctx context.Context, id, lock string) (*model.Proposal, error) {
	if err := validID("proposal", id); err != nil {
		return nil, err
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1` + lock

	p, err := scanProposal(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("proposal", id)
	}
	if err != nil {
		if mapped := mapPgError(err); mapped != err {
			return nil, mapped
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get proposal")
	}
	return p, nil
}

func (t *pgTx) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return t.getProposal(ctx, id, "")
}

func (t *pgTx) GetProposalForUpdate(ctx context.Context, id string) (*model.Proposal, error) {
	return t.getProposal(ctx, id, " FOR UPDATE")
}

func (t *pgTx) InsertProposal(ctx context.Context, p *model.Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	query := `
		INSERT INTO proposals (id, title, description, product_category, product_type,
		                       notional_amount, currency, is_cross_border, risk_level,
		                       jurisdictions, risk_checks, counterparty_type, parent_id,
		                       stage, status, track, npa_type,
		                       launched_at, validity_expiry, pir_due_date, pir_status,
		                       created_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, 1, $23, $24)
		RETURNING version
	`

	err := t.tx.QueryRow(ctx, query,
		p.ID,
		p.Title,
		p.Description,
		p.ProductCategory,
		p.ProductType,
		p.NotionalAmount,
		p.Currency,
		p.IsCrossBorder,
		string(p.RiskLevel),
		nonNil(p.Jurisdictions),
		nonNil(p.RiskChecks),
		p.CounterpartyType,
		p.ParentID,
		string(p.Stage),
		string(p.Status),
		string(p.Track),
		string(p.NPAType),
		p.LaunchedAt,
		p.ValidityExpiry,
		p.PIRDueDate,
		string(p.PIRStatus),
		p.CreatedBy,
		p.CreatedAt,
		p.UpdatedAt,
	).Scan(&p.Version)
	if err != nil {
		return wrapWrite(err, "failed to create proposal")
	}
	return nil
}

func (t *pgTx) UpdateProposal(ctx context.Context, p *model.Proposal) error {
	query := `
		UPDATE proposals
		SET title = $3, description = $4, product_category = $5, product_type = $6,
		    notional_amount = $7, currency = $8, is_cross_border = $9, risk_level = $10,
		    jurisdictions = $11, risk_checks = $12, counterparty_type = $13, parent_id = $14,
		    stage = $15, status = $16, track = $17, npa_type = $18,
		    launched_at = $19, validity_expiry = $20, pir_due_date = $21, pir_status = $22,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		p.ID,
		p.Version,
		p.Title,
		p.Description,
		p.ProductCategory,
		p.ProductType,
		p.NotionalAmount,
		p.Currency,
		p.IsCrossBorder,
		string(p.RiskLevel),
		nonNil(p.Jurisdictions),
		nonNil(p.RiskChecks),
		p.CounterpartyType,
		p.ParentID,
		string(p.Stage),
		string(p.Status),
		string(p.Track),
		string(p.NPAType),
		p.LaunchedAt,
		p.ValidityExpiry,
		p.PIRDueDate,
		string(p.PIRStatus),
	).Scan(&p.Version, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Concurrency("proposal "+p.ID+" was modified concurrently", nil)
	}
	if err != nil {
		return wrapWrite(err, "failed to update proposal")
	}
	return nil
}

func (t *pgTx) ListProposals(ctx context.Context, f ProposalFilter) ([]*model.Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals
		WHERE ($1 = '' OR stage = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3, 0) OFFSET $4
	`

	rows, err := t.tx.Query(ctx, query, string(f.Stage), string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list proposals")
	}
	defer rows.Close()

	var out []*model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan proposal")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list proposals")
	}
	return out, nil
}

func (t *pgTx) ListExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return t.ids(ctx, `
		SELECT id FROM proposals
		WHERE stage = 'LAUNCHED' AND validity_expiry IS NOT NULL AND validity_expiry <= $1
		ORDER BY id
	`, now)
}

func (t *pgTx) ListPIROverdueCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return t.ids(ctx, `
		SELECT id FROM proposals
		WHERE stage = 'LAUNCHED' AND pir_status = 'PENDING'
		  AND pir_due_date IS NOT NULL AND pir_due_date < $1
		ORDER BY id
	`, now)
}

func (t *pgTx) ListDormancyCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	return t.ids(ctx, `
		SELECT id FROM proposals
		WHERE stage = 'LAUNCHED' AND status <> 'Dormant'
		  AND launched_at IS NOT NULL AND launched_at < $1
		ORDER BY id
	`, cutoff)
}

func (t *pgTx) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sweep candidates")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan sweep candidates")
	}
	return ids, nil
}

// ── Signoffs ──────────────────────────────────────────────────────────────────

const signoffColumns = `
	id, proposal_id, party, department, status, sla_hours, sla_deadline, sla_breached,
	loop_back_count, comments, decided_by, decided_at, created_at, updated_at
`

func scanSignoff(row pgx.Row) (*model.Signoff, error) {
	s := &model.Signoff{}
	err := row.Scan(
		&s.ID, &s.ProposalID, &s.Party, &s.Department, &s.Status, &s.SLAHours, &s.SLADeadline, &s.SLABreached,
		&s.LoopBackCount, &s.Comments, &s.DecidedBy, &s.DecidedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *pgTx) signoffs(ctx context.Context, query string, args ...any) ([]*model.Signoff, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		if mapped := mapPgError(err); mapped != err {
			return nil, mapped
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list signoffs")
	}
	defer rows.Close()

	var out []*model.Signoff
	for rows.Next() {
		s, err := scanSignoff(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan signoff")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		if mapped := mapPgError(err); mapped != err {
			return nil, mapped
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list signoffs")
	}
	return out, nil
}

func (t *pgTx) ListSignoffs(ctx context.Context, proposalID string) ([]*model.Signoff, error) {
	if validID("proposal", proposalID) != nil {
		return nil, nil
	}
	return t.signoffs(ctx, `
		SELECT `+signoffColumns+` FROM signoffs
		WHERE proposal_id = $1
		ORDER BY created_at, party
	`, proposalID)
}

func (t *pgTx) ListSignoffsForUpdate(ctx context.Context, proposalID string) ([]*model.Signoff, error) {
	if validID("proposal", proposalID) != nil {
		return nil, nil
	}
	return t.signoffs(ctx, `
		SELECT `+signoffColumns+` FROM signoffs
		WHERE proposal_id = $1
		ORDER BY created_at, party
		FOR UPDATE
	`, proposalID)
}

func (t *pgTx) InsertSignoff(ctx context.Context, s *model.Signoff) error {
	query := `
		INSERT INTO signoffs (proposal_id, party, department, status, sla_hours, sla_deadline,
		                      sla_breached, loop_back_count, comments, decided_by, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		s.ProposalID,
		s.Party,
		s.Department,
		string(s.Status),
		s.SLAHours,
		s.SLADeadline,
		s.SLABreached,
		s.LoopBackCount,
		s.Comments,
		s.DecidedBy,
		s.DecidedAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "failed to create signoff")
	}
	return nil
}

func (t *pgTx) UpdateSignoff(ctx context.Context, s *model.Signoff) error {
	// sla_breached never flips back to false.
	query := `
		UPDATE signoffs
		SET status = $2, sla_hours = $3, sla_deadline = $4, sla_breached = sla_breached OR $5,
		    loop_back_count = $6, comments = $7, decided_by = $8, decided_at = $9,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		s.ID,
		string(s.Status),
		s.SLAHours,
		s.SLADeadline,
		s.SLABreached,
		s.LoopBackCount,
		s.Comments,
		s.DecidedBy,
		s.DecidedAt,
	).Scan(&s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("signoff", s.ID)
	}
	if err != nil {
		return wrapWrite(err, "failed to update signoff")
	}
	return nil
}

func (t *pgTx) ListOverdueSignoffs(ctx context.Context, now time.Time) ([]*model.Signoff, error) {
	return t.signoffs(ctx, `
		SELECT `+signoffColumns+` FROM signoffs
		WHERE status IN ('PENDING', 'UNDER_REVIEW', 'CLARIFICATION_NEEDED')
		  AND NOT sla_breached AND sla_deadline < $1
		  AND proposal_id IN (
		      SELECT id FROM proposals
		      WHERE stage NOT IN ('EXPIRED', 'COMPLETED', 'REJECTED', 'PROHIBITED')
		  )
		ORDER BY created_at, party
	`, now)
}

func (t *pgTx) InsertLoopBack(ctx context.Context, lb *model.LoopBack) error {
	query := `
		INSERT INTO loop_backs (proposal_id, signoff_id, initiated_by, reason, routed_to, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := t.tx.QueryRow(ctx, query,
		lb.ProposalID,
		lb.SignoffID,
		lb.InitiatedBy,
		lb.Reason,
		lb.RoutedTo,
		lb.Sequence,
	).Scan(&lb.ID, &lb.CreatedAt)
	if err != nil {
		return wrapWrite(err, "failed to create loop-back")
	}
	return nil
}

func (t *pgTx) CountLoopBacks(ctx context.Context, proposalID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM loop_backs WHERE proposal_id = $1`, proposalID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count loop-backs")
	}
	return n, nil
}

func (t *pgTx) ListLoopBacks(ctx context.Context, proposalID string) ([]*model.LoopBack, error) {
	query := `
		SELECT id, proposal_id, signoff_id, initiated_by, reason, routed_to, sequence,
		       created_at, resolved_at, resolution
		FROM loop_backs
		WHERE proposal_id = $1
		ORDER BY sequence
	`

	rows, err := t.tx.Query(ctx, query, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list loop-backs")
	}
	defer rows.Close()

	var out []*model.LoopBack
	for rows.Next() {
		lb := &model.LoopBack{}
		if err := rows.Scan(
			&lb.ID, &lb.ProposalID, &lb.SignoffID, &lb.InitiatedBy, &lb.Reason, &lb.RoutedTo, &lb.Sequence,
			&lb.CreatedAt, &lb.ResolvedAt, &lb.Resolution,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan loop-back")
		}
		out = append(out, lb)
	}
	return out, rows.Err()
}

func (t *pgTx) ResolveOpenLoopBacks(ctx context.Context, proposalID, resolution string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE loop_backs SET resolved_at = $3, resolution = $2
		WHERE proposal_id = $1 AND resolved_at IS NULL
	`, proposalID, resolution, at)
	if err != nil {
		return 0, wrapWrite(err, "failed to resolve loop-backs")
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertComment(ctx context.Context, c *model.SignoffComment) error {
	query := `
		INSERT INTO signoff_comments (signoff_id, proposal_id, author, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := t.tx.QueryRow(ctx, query, c.SignoffID, c.ProposalID, c.Author, c.Body).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return wrapWrite(err, "failed to create comment")
	}
	return nil
}

func (t *pgTx) ListComments(ctx context.Context, signoffID string) ([]*model.SignoffComment, error) {
	query := `
		SELECT id, signoff_id, proposal_id, author, body, created_at
		FROM signoff_comments
		WHERE signoff_id = $1
		ORDER BY created_at, id
	`

	rows, err := t.tx.Query(ctx, query, signoffID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list comments")
	}
	defer rows.Close()

	var out []*model.SignoffComment
	for rows.Next() {
		c := &model.SignoffComment{}
		if err := rows.Scan(&c.ID, &c.SignoffID, &c.ProposalID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan comment")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── Escalations ───────────────────────────────────────────────────────────────

const escalationColumns = `
	id, proposal_id, level, reason, trigger, status, prior_stage, escalated_by,
	decision, resolution, resolved_by, resolved_at, created_at, updated_at
`

func scanEscalation(row pgx.Row) (*model.Escalation, error) {
	e := &model.Escalation{}
	var decision *string
	err := row.Scan(
		&e.ID, &e.ProposalID, &e.Level, &e.Reason, &e.Trigger, &e.Status, &e.PriorStage, &e.EscalatedBy,
		&decision, &e.Resolution, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		d := model.EscalationDecision(*decision)
		e.Decision = &d
	}
	return e, nil
}

func decisionParam(d *model.EscalationDecision) *string {
	if d == nil {
		return nil
	}
	s := string(*d)
	return &s
}

func (t *pgTx) InsertEscalation(ctx context.Context, e *model.Escalation) error {
	query := `
		INSERT INTO escalations (proposal_id, level, reason, trigger, status, prior_stage, escalated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		e.ProposalID,
		e.Level,
		e.Reason,
		e.Trigger,
		string(e.Status),
		string(e.PriorStage),
		e.EscalatedBy,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "failed to create escalation")
	}
	return nil
}

func (t *pgTx) GetEscalationForUpdate(ctx context.Context, id string) (*model.Escalation, error) {
	if err := validID("escalation", id); err != nil {
		return nil, err
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE id = $1 FOR UPDATE`

	e, err := scanEscalation(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation", id)
	}
	if err != nil {
		return nil, wrapWrite(err, "failed to get escalation")
	}
	return e, nil
}

func (t *pgTx) UpdateEscalation(ctx context.Context, e *model.Escalation) error {
	query := `
		UPDATE escalations
		SET status = $2, decision = $3, resolution = $4, resolved_by = $5, resolved_at = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		e.ID,
		string(e.Status),
		decisionParam(e.Decision),
		e.Resolution,
		e.ResolvedBy,
		e.ResolvedAt,
	).Scan(&e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("escalation", e.ID)
	}
	if err != nil {
		return wrapWrite(err, "failed to update escalation")
	}
	return nil
}

func (t *pgTx) ListBlockingEscalations(ctx context.Context, proposalID string) ([]*model.Escalation, error) {
	query := `
		SELECT ` + escalationColumns + ` FROM escalations
		WHERE proposal_id = $1 AND status IN ('ACTIVE', 'UNDER_REVIEW')
		ORDER BY created_at
	`

	rows, err := t.tx.Query(ctx, query, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list escalations")
	}
	defer rows.Close()

	var out []*model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Breach alerts ─────────────────────────────────────────────────────────────

const alertColumns = `
	id, proposal_id, signoff_id, party, title, severity, metric, threshold_value, actual_value,
	status, created_at, resolved_at, resolved_by, resolution_note
`

func scanAlert(row pgx.Row) (*model.BreachAlert, error) {
	a := &model.BreachAlert{}
	err := row.Scan(
		&a.ID, &a.ProposalID, &a.SignoffID, &a.Party, &a.Title, &a.Severity, &a.Metric, &a.ThresholdValue, &a.ActualValue,
		&a.Status, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNote,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (t *pgTx) InsertBreachAlert(ctx context.Context, a *model.BreachAlert) (bool, error) {
	// The partial unique index on open alerts makes the second insert a no-op.
	query := `
		INSERT INTO breach_alerts (proposal_id, signoff_id, party, title, severity, metric,
		                           threshold_value, actual_value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signoff_id) WHERE status = 'OPEN' DO NOTHING
		RETURNING id, created_at
	`

	err := t.tx.QueryRow(ctx, query,
		a.ProposalID,
		a.SignoffID,
		a.Party,
		a.Title,
		string(a.Severity),
		a.Metric,
		a.ThresholdValue,
		a.ActualValue,
		string(a.Status),
	).Scan(&a.ID, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapWrite(err, "failed to create breach alert")
	}
	return true, nil
}

func (t *pgTx) GetBreachAlertForUpdate(ctx context.Context, id string) (*model.BreachAlert, error) {
	if err := validID("breach alert", id); err != nil {
		return nil, err
	}
	query := `SELECT ` + alertColumns + ` FROM breach_alerts WHERE id = $1 FOR UPDATE`

	a, err := scanAlert(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("breach alert", id)
	}
	if err != nil {
		return nil, wrapWrite(err, "failed to get breach alert")
	}
	return a, nil
}

func (t *pgTx) UpdateBreachAlert(ctx context.Context, a *model.BreachAlert) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE breach_alerts
		SET status = $2, resolved_at = $3, resolved_by = $4, resolution_note = $5
		WHERE id = $1
	`, a.ID, string(a.Status), a.ResolvedAt, a.ResolvedBy, a.ResolutionNote)
	if err != nil {
		return wrapWrite(err, "failed to update breach alert")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("breach alert", a.ID)
	}
	return nil
}

func (t *pgTx) ListBreachAlerts(ctx context.Context, f AlertFilter) ([]*model.BreachAlert, error) {
	if f.ProposalID != "" && validID("proposal", f.ProposalID) != nil {
		return nil, nil
	}
	query := `
		SELECT ` + alertColumns + ` FROM breach_alerts
		WHERE ($1 = '' OR proposal_id::text = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3, 0)
	`

	rows, err := t.tx.Query(ctx, query, f.ProposalID, string(f.Status), f.Limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list breach alerts")
	}
	defer rows.Close()

	var out []*model.BreachAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan breach alert")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Scorecards, metrics, audit ────────────────────────────────────────────────

func (t *pgTx) InsertScorecard(ctx context.Context, s *model.Scorecard) error {
	query := `
		INSERT INTO scorecards (proposal_id, breakdown, total_score, calculated_tier, assigned_tier,
		                        override_reason, prohibited_check, prohibited_codes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := t.tx.QueryRow(ctx, query,
		s.ProposalID,
		s.Breakdown,
		s.TotalScore,
		string(s.CalculatedTier),
		string(s.AssignedTier),
		s.OverrideReason,
		string(s.ProhibitedCheck),
		nonNil(s.ProhibitedCodes),
		s.CreatedBy,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return wrapWrite(err, "failed to create scorecard")
	}
	return nil
}

func (t *pgTx) LatestScorecard(ctx context.Context, proposalID string) (*model.Scorecard, error) {
	query := `
		SELECT id, proposal_id, breakdown, total_score, calculated_tier, assigned_tier,
		       override_reason, prohibited_check, prohibited_codes, created_by, created_at
		FROM scorecards
		WHERE proposal_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`

	s := &model.Scorecard{}
	err := t.tx.QueryRow(ctx, query, proposalID).Scan(
		&s.ID, &s.ProposalID, &s.Breakdown, &s.TotalScore, &s.CalculatedTier, &s.AssignedTier,
		&s.OverrideReason, &s.ProhibitedCheck, &s.ProhibitedCodes, &s.CreatedBy, &s.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get scorecard")
	}
	return s, nil
}

func (t *pgTx) InsertPerformanceMetric(ctx context.Context, m *model.PerformanceMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO performance_metrics (proposal_id, period_start, period_end, trade_count, volume,
		                                 pnl, incidents, is_baseline, recorded_by, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	err := t.tx.QueryRow(ctx, query,
		m.ProposalID,
		m.PeriodStart,
		m.PeriodEnd,
		m.TradeCount,
		m.Volume,
		m.PnL,
		m.Incidents,
		m.IsBaseline,
		m.RecordedBy,
		m.RecordedAt,
	).Scan(&m.ID)
	if err != nil {
		return wrapWrite(err, "failed to record performance metric")
	}
	return nil
}

func (t *pgTx) LatestMetricAt(ctx context.Context, proposalID string) (*time.Time, error) {
	var at *time.Time
	err := t.tx.QueryRow(ctx, `
		SELECT max(recorded_at) FROM performance_metrics
		WHERE proposal_id = $1 AND NOT is_baseline
	`, proposalID).Scan(&at)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest metric")
	}
	return at, nil
}

func (t *pgTx) ListPerformanceMetrics(ctx context.Context, proposalID string) ([]*model.PerformanceMetric, error) {
	query := `
		SELECT id, proposal_id, period_start, period_end, trade_count, volume, pnl, incidents,
		       is_baseline, recorded_by, recorded_at
		FROM performance_metrics
		WHERE proposal_id = $1
		ORDER BY recorded_at, id
	`

	rows, err := t.tx.Query(ctx, query, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list performance metrics")
	}
	defer rows.Close()

	var out []*model.PerformanceMetric
	for rows.Next() {
		m := &model.PerformanceMetric{}
		if err := rows.Scan(
			&m.ID, &m.ProposalID, &m.PeriodStart, &m.PeriodEnd, &m.TradeCount, &m.Volume, &m.PnL, &m.Incidents,
			&m.IsBaseline, &m.RecordedBy, &m.RecordedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan performance metric")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	query := `
		INSERT INTO audit_log (proposal_id, actor, action, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := t.tx.QueryRow(ctx, query, e.ProposalID, e.Actor, e.Action, e.Detail).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return wrapWrite(err, "failed to append audit entry")
	}
	return nil
}

func (t *pgTx) ListAudit(ctx context.Context, proposalID string) ([]*model.AuditEntry, error) {
	if validID("proposal", proposalID) != nil {
		return nil, nil
	}
	query := `
		SELECT id, proposal_id, actor, action, detail, created_at
		FROM audit_log
		WHERE proposal_id = $1
		ORDER BY seq
	`

	rows, err := t.tx.Query(ctx, query, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.Actor, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── helpers ───────────────────────────────────────────────────────────────────

func wrapWrite(err error, message string) error {
	if mapped := mapPgError(err); mapped != err {
		return mapped
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
