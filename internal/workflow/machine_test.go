package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func proposalAt(stage model.Stage) *model.Proposal {
	return &model.Proposal{
		ID:        "npa-1",
		Stage:     stage,
		Status:    model.StatusOnTrack,
		Track:     model.TrackFullNPA,
		NPAType:   model.TierNewToGroup,
		PIRStatus: model.PIRNotScheduled,
	}
}

func signoffs(statuses ...model.SignoffStatus) []*model.Signoff {
	out := make([]*model.Signoff, 0, len(statuses))
	for i, st := range statuses {
		out = append(out, &model.Signoff{ID: string(rune('a' + i)), Status: st})
	}
	return out
}

func requireGuard(t *testing.T, err error, guard string) {
	t.Helper()
	require.Error(t, err)
	var ste *StateTransitionError
	require.True(t, errors.As(err, &ste), "want StateTransitionError, got %T", err)
	assert.Equal(t, guard, ste.Guard)
	assert.Equal(t, errors.ErrCodeStateTransition, errors.CodeOf(err))
}

func TestAdvance_MainPath(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	cleared := &model.Scorecard{ProhibitedCheck: model.ProhibitedClear}
	approved := signoffs(model.SignoffApproved, model.SignoffApproved)

	p := proposalAt(model.StageInitiation)
	p.PIRStatus = model.PIRNotScheduled
	steps := []model.Stage{
		model.StageReview,
		model.StageRiskAssessment,
		model.StagePendingSignOffs,
		model.StagePendingFinalApproval,
		model.StageApproved,
		model.StageLaunched,
	}
	for _, want := range steps {
		tr, err := m.Advance(Snapshot{Proposal: p, Signoffs: approved, Scorecard: cleared}, now)
		require.NoError(t, err, "advancing from %s", p.Stage)
		assert.Equal(t, want, tr.To)
		tr.Apply(p)
	}

	assert.Equal(t, model.StageLaunched, p.Stage)
	require.NotNil(t, p.LaunchedAt)
	require.NotNil(t, p.PIRDueDate)
	assert.Equal(t, now.AddDate(0, 6, 0), *p.PIRDueDate)
	assert.Equal(t, now.AddDate(0, 24, 0), *p.ValidityExpiry)
	assert.Equal(t, model.PIRPending, p.PIRStatus)

	_, err := m.Advance(Snapshot{Proposal: p, Signoffs: approved}, now)
	requireGuard(t, err, GuardPIRIncomplete)

	p.PIRStatus = model.PIRCompleted
	tr, err := m.Advance(Snapshot{Proposal: p, Signoffs: approved}, now)
	require.NoError(t, err)
	tr.Apply(p)
	assert.Equal(t, model.StageMonitoring, p.Stage)

	tr, err = m.Advance(Snapshot{Proposal: p, Signoffs: approved}, now)
	require.NoError(t, err)
	tr.Apply(p)
	assert.Equal(t, model.StageCompleted, p.Stage)
	assert.Equal(t, model.StatusCompleted, p.Status)

	_, err = m.Advance(Snapshot{Proposal: p}, now)
	requireGuard(t, err, GuardTerminalStage)
}

func TestAdvance_SeedsSignoffsOnEnteringSignOff(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	tr, err := m.Advance(Snapshot{Proposal: proposalAt(model.StageRiskAssessment)}, now)
	require.NoError(t, err)
	assert.True(t, tr.SeedSignoffs)

	p := proposalAt(model.StageRiskAssessment)
	p.Track = ""
	_, err = m.Advance(Snapshot{Proposal: p}, now)
	requireGuard(t, err, GuardTrackRequired)
}

func TestAdvance_InitiationGuards(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StageInitiation)

	_, err := m.Advance(Snapshot{Proposal: p}, now)
	requireGuard(t, err, GuardClassificationRequired)

	_, err = m.Advance(Snapshot{Proposal: p, Scorecard: &model.Scorecard{ProhibitedCheck: model.ProhibitedUnavailable}}, now)
	requireGuard(t, err, GuardProhibitedCheckIncomplete)
}

func TestAdvance_SignoffGuard(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	open := []model.SignoffStatus{
		model.SignoffPending, model.SignoffUnderReview, model.SignoffClarificationNeeded, model.SignoffRework,
	}
	for _, st := range open {
		t.Run(string(st), func(t *testing.T) {
			p := proposalAt(model.StagePendingSignOffs)
			_, err := m.Advance(Snapshot{Proposal: p, Signoffs: signoffs(model.SignoffApproved, st)}, now)
			requireGuard(t, err, GuardSignoffsUnresolved)
			assert.Equal(t, model.StagePendingSignOffs, p.Stage)
		})
	}

	_, err := m.Advance(Snapshot{Proposal: proposalAt(model.StagePendingSignOffs)}, now)
	requireGuard(t, err, GuardSignoffsUnresolved)
}

func TestAdvance_RejectedSignoffShortCircuits(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StagePendingSignOffs)

	tr, err := m.Advance(Snapshot{Proposal: p, Signoffs: signoffs(model.SignoffPending, model.SignoffRejected)}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StageRejected, tr.To)
	assert.Equal(t, model.StatusBlocked, tr.Status)
}

// Every ledger state: PENDING_FINAL_APPROVAL is reachable only when all
// signoffs are APPROVED.
func TestAdvance_FinalApprovalRequiresAllApproved(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	all := []model.SignoffStatus{
		model.SignoffPending, model.SignoffUnderReview, model.SignoffClarificationNeeded,
		model.SignoffApproved, model.SignoffRejected, model.SignoffRework,
	}
	for _, a := range all {
		for _, b := range all {
			for _, c := range all {
				ledger := signoffs(a, b, c)
				tr, err := m.Advance(Snapshot{Proposal: proposalAt(model.StagePendingSignOffs), Signoffs: ledger}, now)
				if err != nil {
					continue
				}
				if tr.To == model.StagePendingFinalApproval {
					assert.True(t, AllApproved(ledger), "%s %s %s", a, b, c)
				}
			}
		}
	}
}

func TestLaunch_OnlyFromApproved(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	for _, st := range []model.Stage{model.StageInitiation, model.StagePendingFinalApproval, model.StageMonitoring} {
		_, err := m.Launch(Snapshot{Proposal: proposalAt(st), Signoffs: signoffs(model.SignoffApproved)}, now)
		requireGuard(t, err, GuardLaunchRequiresApproval)
	}

	p := proposalAt(model.StageApproved)
	p.NPAType = model.TierVariation
	tr, err := m.Launch(Snapshot{Proposal: p, Signoffs: signoffs(model.SignoffApproved)}, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 12, 0), *tr.PIRDueDate)
	assert.True(t, tr.SeedBaseline)
}

func TestLaunch_ClampsMonthEnd(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	endOfAugust := time.Date(2026, 8, 31, 17, 30, 0, 0, time.UTC)

	tr, err := m.Launch(Snapshot{Proposal: proposalAt(model.StageApproved), Signoffs: signoffs(model.SignoffApproved)}, endOfAugust)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 2, 28, 17, 30, 0, 0, time.UTC), *tr.PIRDueDate)
	assert.Equal(t, time.Date(2028, 8, 31, 17, 30, 0, 0, time.UTC), *tr.ValidityExpiry)
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		from   time.Time
		months int
		want   time.Time
	}{
		{time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2027, 8, 31, 0, 0, 0, 0, time.UTC), 6, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), 12, time.Date(2027, 3, 2, 9, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC), 2, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC), -12, time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AddMonths(tt.from, tt.months), "%s + %d", tt.from.Format("2006-01-02"), tt.months)
	}
}

func TestExpire(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	p := proposalAt(model.StageLaunched)
	p.ValidityExpiry = &yesterday
	tr, err := m.Expire(Snapshot{Proposal: p}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StageExpired, tr.To)
	assert.Equal(t, model.StatusCompleted, tr.Status)

	p.ValidityExpiry = &tomorrow
	_, err = m.Expire(Snapshot{Proposal: p}, now)
	requireGuard(t, err, GuardValidityNotReached)

	q := proposalAt(model.StageMonitoring)
	q.ValidityExpiry = &yesterday
	_, err = m.Expire(Snapshot{Proposal: q}, now)
	requireGuard(t, err, GuardNotLaunched)
}

func TestEscalation_BlocksAndResumes(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StagePendingFinalApproval)

	tr, prior, err := m.Escalate(Snapshot{Proposal: p})
	require.NoError(t, err)
	assert.Equal(t, model.StagePendingFinalApproval, prior)
	tr.Apply(p)
	assert.Equal(t, model.StageEscalated, p.Stage)
	assert.Equal(t, model.StatusBlocked, p.Status)

	esc := &model.Escalation{ID: "e1", Status: model.EscalationActive, PriorStage: prior}
	snap := Snapshot{Proposal: p, Signoffs: signoffs(model.SignoffApproved), Escalations: []*model.Escalation{esc}}

	_, err = m.Advance(snap, now)
	requireGuard(t, err, GuardActiveEscalation)

	tr, err = m.ResolveEscalation(snap, esc, model.DecisionProceed)
	require.NoError(t, err)
	assert.Equal(t, model.StagePendingSignOffs, tr.To)
	assert.Equal(t, model.StatusOnTrack, tr.Status)

	tr, err = m.ResolveEscalation(snap, esc, model.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, model.StageRejected, tr.To)
}

func TestEscalation_ResumesEarlierStage(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StageEscalated)
	esc := &model.Escalation{ID: "e1", Status: model.EscalationUnderReview, PriorStage: model.StageReview}

	tr, err := m.ResolveEscalation(Snapshot{Proposal: p, Escalations: []*model.Escalation{esc}}, esc, model.DecisionProceed)
	require.NoError(t, err)
	assert.Equal(t, model.StageReview, tr.To)
	assert.False(t, tr.SeedSignoffs)
}

func TestEscalation_OtherOpenEscalationKeepsBlock(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StageEscalated)
	first := &model.Escalation{ID: "e1", Status: model.EscalationActive, PriorStage: model.StagePendingSignOffs}
	second := &model.Escalation{ID: "e2", Status: model.EscalationActive, PriorStage: model.StagePendingSignOffs}

	_, prior, err := m.Escalate(Snapshot{Proposal: p, Escalations: []*model.Escalation{first}})
	require.NoError(t, err)
	assert.Equal(t, model.StagePendingSignOffs, prior)

	tr, err := m.ResolveEscalation(Snapshot{Proposal: p, Escalations: []*model.Escalation{first, second}}, first, model.DecisionProceed)
	require.NoError(t, err)
	assert.Equal(t, model.StageEscalated, tr.To)
	assert.Equal(t, model.StatusBlocked, tr.Status)

	resolved := &model.Escalation{ID: "e3", Status: model.EscalationResolved}
	_, err = m.ResolveEscalation(Snapshot{Proposal: p}, resolved, model.DecisionProceed)
	requireGuard(t, err, GuardNotEscalated)
}

func TestEscalation_ResolveOnClosedProposalOnlyRecords(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	p := proposalAt(model.StageRejected)
	p.Status = model.StatusBlocked
	esc := &model.Escalation{ID: "e2", Status: model.EscalationActive, PriorStage: model.StagePendingSignOffs}
	snap := Snapshot{Proposal: p, Escalations: []*model.Escalation{esc}}

	for _, decision := range []model.EscalationDecision{model.DecisionReject, model.DecisionProceed} {
		tr, err := m.ResolveEscalation(snap, esc, decision)
		require.NoError(t, err, decision)
		assert.Equal(t, model.StageRejected, tr.From)
		assert.Equal(t, model.StageRejected, tr.To)
		assert.Equal(t, model.StatusBlocked, tr.Status)
		assert.False(t, tr.SeedSignoffs)
	}
}

func TestSideStages(t *testing.T) {
	m := NewMachine(DefaultPolicy())

	tr, err := m.Prohibit(Snapshot{Proposal: proposalAt(model.StageInitiation)}, "matched PRH-001")
	require.NoError(t, err)
	assert.Equal(t, model.StageProhibited, tr.To)

	_, err = m.Reject(Snapshot{Proposal: proposalAt(model.StageExpired)}, "late")
	requireGuard(t, err, GuardTerminalStage)

	tr, err = m.ReturnToMaker(Snapshot{Proposal: proposalAt(model.StagePendingSignOffs)}, "rework")
	require.NoError(t, err)
	assert.Equal(t, model.StageReturnedToMaker, tr.To)
	assert.Equal(t, model.StatusAtRisk, tr.Status)

	tr, err = m.Advance(Snapshot{Proposal: proposalAt(model.StageReturnedToMaker)}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StageReview, tr.To)
}

func TestCompletePIR(t *testing.T) {
	m := NewMachine(DefaultPolicy())

	p := proposalAt(model.StageLaunched)
	p.PIRStatus = model.PIROverdue
	p.Status = model.StatusAtRisk
	tr, err := m.CompletePIR(Snapshot{Proposal: p})
	require.NoError(t, err)
	assert.Equal(t, model.StageLaunched, tr.To)
	assert.Equal(t, model.PIRCompleted, tr.PIRStatus)
	assert.Equal(t, model.StatusOnTrack, tr.Status)

	dormant := proposalAt(model.StageLaunched)
	dormant.PIRStatus = model.PIRCompleted
	dormant.Status = model.StatusDormant
	tr, err = m.CompletePIR(Snapshot{Proposal: dormant})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDormant, tr.Status)

	_, err = m.CompletePIR(Snapshot{Proposal: proposalAt(model.StageApproved)})
	requireGuard(t, err, GuardNotLaunched)
}

func TestCheckClassificationOpen(t *testing.T) {
	for _, st := range []model.Stage{model.StageInitiation, model.StageReview, model.StageRiskAssessment} {
		assert.NoError(t, CheckClassificationOpen(proposalAt(st)), st)
	}
	for _, st := range []model.Stage{model.StagePendingSignOffs, model.StageReturnedToMaker, model.StageLaunched} {
		requireGuard(t, CheckClassificationOpen(proposalAt(st)), GuardClassificationLocked)
	}
}
