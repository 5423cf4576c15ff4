package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

var parties = []model.Party{
	{Name: "Market Risk", Department: "RMG-MLR"},
	{Name: "Legal", Department: "Legal & Compliance"},
	{Name: "Operations", Department: "Group Operations"},
}

func newLedger() *Ledger {
	return New(DefaultPolicy(), workflow.NewMachine(workflow.DefaultPolicy()))
}

func inSignOff(track model.Track) *model.Proposal {
	return &model.Proposal{ID: "npa-1", Stage: model.StagePendingSignOffs, Status: model.StatusOnTrack, Track: track}
}

func seeded(t *testing.T, l *Ledger, p *model.Proposal) []*model.Signoff {
	t.Helper()
	plan := l.Seed(p, parties, nil, now)
	require.Len(t, plan.Create, len(parties))
	for i, s := range plan.Create {
		s.ID = s.Party + "-id"
		plan.Create[i] = s
	}
	return plan.Create
}

func TestSeed_DeadlinesByTrack(t *testing.T) {
	l := newLedger()

	full := seeded(t, l, inSignOff(model.TrackFullNPA))
	for _, s := range full {
		assert.Equal(t, model.SignoffPending, s.Status)
		assert.Equal(t, 72, s.SLAHours)
		assert.Equal(t, now.Add(72*time.Hour), s.SLADeadline)
		assert.False(t, s.SLABreached)
	}

	lite := seeded(t, l, inSignOff(model.TrackNPALite))
	assert.Equal(t, now.Add(48*time.Hour), lite[0].SLADeadline)
}

func TestSeed_PartyOverride(t *testing.T) {
	policy := DefaultPolicy()
	policy.PartySLAHours = map[string]int{"legal": 120}
	l := New(policy, workflow.NewMachine(workflow.DefaultPolicy()))

	rows := seeded(t, l, inSignOff(model.TrackFullNPA))
	assert.Equal(t, 120, rows[1].SLAHours)
	assert.Equal(t, 72, rows[0].SLAHours)
}

func TestSeed_ReopensReworkOnly(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	existing := seeded(t, l, p)
	existing[0].Status = model.SignoffApproved
	existing[1].Status = model.SignoffRework
	existing[1].SLABreached = true
	existing = existing[:2]

	later := now.Add(100 * time.Hour)
	plan := l.Seed(p, parties, existing, later)

	require.Len(t, plan.Create, 1)
	assert.Equal(t, "Operations", plan.Create[0].Party)
	require.Len(t, plan.Reopen, 1)
	assert.Equal(t, model.SignoffPending, plan.Reopen[0].Status)
	assert.Equal(t, later.Add(72*time.Hour), plan.Reopen[0].SLADeadline)
	assert.True(t, plan.Reopen[0].SLABreached)
	assert.Equal(t, model.SignoffRework, existing[1].Status, "seed must not mutate its input")
}

func TestDecide_Validation(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	snap := workflow.Snapshot{Proposal: p, Signoffs: seeded(t, l, p)}

	tests := []struct {
		name  string
		req   DecisionRequest
		field string
	}{
		{"missing party", DecisionRequest{Decision: model.SignoffApproved, Actor: "u1"}, "party"},
		{"missing actor", DecisionRequest{Party: "Legal", Decision: model.SignoffApproved}, "actor"},
		{"missing decision", DecisionRequest{Party: "Legal", Actor: "u1"}, "decision"},
		{"pending is not a decision", DecisionRequest{Party: "Legal", Decision: model.SignoffPending, Actor: "u1"}, "decision"},
		{"reject without comments", DecisionRequest{Party: "Legal", Decision: model.SignoffRejected, Actor: "u1"}, "comments"},
		{"rework without comments", DecisionRequest{Party: "Legal", Decision: model.SignoffRework, Actor: "u1"}, "comments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Decide(snap, 0, tt.req, now)
			require.Error(t, err)
			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, errors.ErrCodeInvalidInput, appErr.Code)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}

	_, err := l.Decide(snap, 0, DecisionRequest{Party: "Treasury", Decision: model.SignoffApproved, Actor: "u1"}, now)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestDecide_ApproveAllAdvances(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)

	for i, party := range parties {
		out, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
			DecisionRequest{Party: party.Name, Decision: model.SignoffApproved, Actor: "approver"}, now)
		require.NoError(t, err)
		require.True(t, out.Changed)
		assert.Equal(t, model.SignoffApproved, out.Signoff.Status)
		require.NotNil(t, out.Signoff.DecidedAt)
		rows[i] = out.Signoff

		if i < len(parties)-1 {
			assert.Nil(t, out.Transition, "advanced early after %s", party.Name)
			continue
		}
		require.NotNil(t, out.Transition)
		assert.Equal(t, model.StagePendingFinalApproval, out.Transition.To)
	}
}

func TestDecide_RepeatIsNoOp(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)
	rows[0].Status = model.SignoffApproved

	out, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
		DecisionRequest{Party: "market risk", Decision: model.SignoffApproved, Actor: "approver"}, now)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Nil(t, out.Transition)
}

func TestDecide_FinalDecisionCannotChange(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)
	rows[0].Status = model.SignoffApproved

	_, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
		DecisionRequest{Party: "Market Risk", Decision: model.SignoffRework, Comments: "again", Actor: "approver"}, now)
	var ste *workflow.StateTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, workflow.GuardDecisionFinal, ste.Guard)
}

func TestDecide_OutsideSignOff(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)
	p.Stage = model.StageReview

	_, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
		DecisionRequest{Party: "Legal", Decision: model.SignoffApproved, Actor: "approver"}, now)
	var ste *workflow.StateTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, workflow.GuardNotInSignOff, ste.Guard)
}

func TestDecide_RejectShortCircuits(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)

	out, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
		DecisionRequest{Party: "Legal", Decision: model.SignoffRejected, Comments: "sanctions exposure", Actor: "counsel"}, now)
	require.NoError(t, err)
	require.NotNil(t, out.Transition)
	assert.Equal(t, model.StageRejected, out.Transition.To)
	assert.Equal(t, model.StatusBlocked, out.Transition.Status)
	require.NotNil(t, out.Signoff.Comments)
	assert.Equal(t, "sanctions exposure", *out.Signoff.Comments)
}

func TestDecide_ClarificationKeepsStage(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)

	out, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, 0,
		DecisionRequest{Party: "Legal", Decision: model.SignoffClarificationNeeded, Actor: "counsel"}, now)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Nil(t, out.Transition)
	assert.Nil(t, out.LoopBack)
	assert.Nil(t, out.Escalation)
	assert.Zero(t, out.Signoff.LoopBackCount)
	assert.Nil(t, out.Signoff.DecidedAt)
}

func TestDecide_CircuitBreakerOnThirdRework(t *testing.T) {
	l := newLedger()
	p := inSignOff(model.TrackFullNPA)
	rows := seeded(t, l, p)

	for loopBacks := 0; loopBacks < 3; loopBacks++ {
		// Each cycle starts back in sign-off with the rework row reopened.
		p.Stage = model.StagePendingSignOffs
		rows[1].Status = model.SignoffPending

		out, err := l.Decide(workflow.Snapshot{Proposal: p, Signoffs: rows}, loopBacks,
			DecisionRequest{Party: "Legal", Decision: model.SignoffRework, Comments: "term sheet incomplete", Actor: "counsel"}, now)
		require.NoError(t, err)
		require.NotNil(t, out.LoopBack)
		assert.Equal(t, loopBacks+1, out.LoopBack.Sequence)
		assert.Equal(t, MakerRoute, out.LoopBack.RoutedTo)
		assert.Equal(t, loopBacks+1, out.Signoff.LoopBackCount)
		require.NotNil(t, out.Transition)
		rows[1] = out.Signoff

		if loopBacks < 2 {
			assert.Nil(t, out.Escalation, "escalated on loop-back %d", loopBacks+1)
			assert.Equal(t, model.StageReturnedToMaker, out.Transition.To)
			assert.Equal(t, model.StatusAtRisk, out.Transition.Status)
			continue
		}
		require.NotNil(t, out.Escalation)
		assert.GreaterOrEqual(t, out.Escalation.Level, 2)
		assert.Equal(t, model.TriggerLoopBackCircuitBreaker, out.Escalation.Trigger)
		assert.Equal(t, model.EscalationActive, out.Escalation.Status)
		assert.Equal(t, model.StageEscalated, out.Transition.To)
		assert.Equal(t, model.StatusBlocked, out.Transition.Status)
	}
}

func TestNewComment(t *testing.T) {
	s := &model.Signoff{ID: "s1", ProposalID: "npa-1"}

	c, err := NewComment(s, "counsel", "please attach the ISDA schedule", now)
	require.NoError(t, err)
	assert.Equal(t, "s1", c.SignoffID)
	assert.Equal(t, "npa-1", c.ProposalID)

	_, err = NewComment(s, "counsel", "  ", now)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestSummarize(t *testing.T) {
	p := inSignOff(model.TrackFullNPA)
	rows := []*model.Signoff{{Status: model.SignoffApproved}, {Status: model.SignoffPending}}

	st := Summarize(p, rows, 2)
	assert.False(t, st.AllApproved)
	assert.Equal(t, 1, st.Outstanding)
	assert.Equal(t, 2, st.LoopBackCount)
}
