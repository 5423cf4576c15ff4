// Package workflow owns the proposal lifecycle. The Machine is pure: it reads
// a snapshot of the proposal, its ledger and its escalations, and returns the
// Transition to apply. It never touches storage, so a rejected transition can
// never be partially applied.
package workflow

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// Guard names reported by StateTransitionError.
const (
	GuardActiveEscalation          = "ACTIVE_ESCALATION"
	GuardTerminalStage             = "TERMINAL_STAGE"
	GuardClassificationRequired    = "CLASSIFICATION_REQUIRED"
	GuardProhibitedCheckIncomplete = "PROHIBITED_CHECK_INCOMPLETE"
	GuardTrackRequired             = "TRACK_REQUIRED"
	GuardSignoffsUnresolved        = "SIGNOFFS_UNRESOLVED"
	GuardLaunchRequiresApproval    = "LAUNCH_REQUIRES_APPROVAL"
	GuardPIRIncomplete             = "PIR_INCOMPLETE"
	GuardNotLaunched               = "NOT_LAUNCHED"
	GuardValidityNotReached        = "VALIDITY_NOT_REACHED"
	GuardNotEscalated              = "NOT_ESCALATED"
	GuardNotInSignOff              = "NOT_IN_SIGN_OFF"
	GuardDecisionFinal             = "DECISION_FINAL"
	GuardClassificationLocked      = "CLASSIFICATION_LOCKED"
)

// StateTransitionError is returned when a guard rejects a transition. The
// proposal is left unchanged.
type StateTransitionError struct {
	Guard   string
	From    model.Stage
	To      model.Stage
	Message string
}

func (e *StateTransitionError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("transition %s -> %s rejected by %s: %s", e.From, e.To, e.Guard, e.Message)
	}
	return fmt.Sprintf("transition from %s rejected by %s: %s", e.From, e.Guard, e.Message)
}

// ErrorCode classifies the error for transport mapping.
func (e *StateTransitionError) ErrorCode() errors.ErrorCode { return errors.ErrCodeStateTransition }

func rejected(guard string, from, to model.Stage, format string, args ...any) *StateTransitionError {
	return &StateTransitionError{Guard: guard, From: from, To: to, Message: fmt.Sprintf(format, args...)}
}

// Snapshot is what the machine needs to decide a transition.
type Snapshot struct {
	Proposal *model.Proposal
	Signoffs []*model.Signoff
	// Escalations are the proposal's blocking (ACTIVE or UNDER_REVIEW) escalations.
	Escalations []*model.Escalation
	// Scorecard is the latest classification, nil if never classified.
	Scorecard *model.Scorecard
}

// Transition is the mutation a successful operation asks the caller to apply.
type Transition struct {
	From   model.Stage
	To     model.Stage
	Status model.Status

	LaunchedAt     *time.Time
	ValidityExpiry *time.Time
	PIRDueDate     *time.Time
	PIRStatus      model.PIRStatus

	// SeedSignoffs asks the caller to seed the ledger for the new stage.
	SeedSignoffs bool
	// SeedBaseline asks the caller to record a zeroed metrics baseline.
	SeedBaseline bool
	Reason       string
}

// Apply writes the transition onto p.
func (t Transition) Apply(p *model.Proposal) {
	p.Stage = t.To
	p.Status = t.Status
	if t.LaunchedAt != nil {
		p.LaunchedAt = t.LaunchedAt
	}
	if t.ValidityExpiry != nil {
		p.ValidityExpiry = t.ValidityExpiry
	}
	if t.PIRDueDate != nil {
		p.PIRDueDate = t.PIRDueDate
	}
	if t.PIRStatus != "" {
		p.PIRStatus = t.PIRStatus
	}
}

// Policy holds the lifecycle periods.
type Policy struct {
	PIRMonthsNewToGroup int
	PIRMonthsDefault    int
	ValidityMonths      int
}

// DefaultPolicy returns the standard periods.
func DefaultPolicy() Policy {
	return Policy{PIRMonthsNewToGroup: 6, PIRMonthsDefault: 12, ValidityMonths: 24}
}

// Machine evaluates lifecycle transitions.
type Machine struct {
	policy Policy
}

// NewMachine creates a Machine.
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy}
}

// AllApproved reports whether a seeded ledger is fully approved. An empty
// ledger is never approved.
func AllApproved(signoffs []*model.Signoff) bool {
	if len(signoffs) == 0 {
		return false
	}
	for _, s := range signoffs {
		if s.Status != model.SignoffApproved {
			return false
		}
	}
	return true
}

// AnyRejected reports whether any signoff carries a rejection.
func AnyRejected(signoffs []*model.Signoff) bool {
	for _, s := range signoffs {
		if s.Status == model.SignoffRejected {
			return true
		}
	}
	return false
}

// Advance moves the proposal one stage forward along the main path.
func (m *Machine) Advance(snap Snapshot, now time.Time) (Transition, error) {
	p := snap.Proposal
	from := p.Stage
	if from == model.StageEscalated || len(snap.Escalations) > 0 {
		return Transition{}, rejected(GuardActiveEscalation, from, "", "proposal has an unresolved escalation")
	}
	if from.IsTerminal() {
		return Transition{}, rejected(GuardTerminalStage, from, "", "stage %s is terminal", from)
	}

	switch from {
	case model.StageInitiation:
		if snap.Scorecard == nil {
			return Transition{}, rejected(GuardClassificationRequired, from, model.StageReview, "proposal has not been classified")
		}
		if snap.Scorecard.ProhibitedCheck != model.ProhibitedClear {
			return Transition{}, rejected(GuardProhibitedCheckIncomplete, from, model.StageReview,
				"prohibited-item check is %s; reclassify once the reference list is available", snap.Scorecard.ProhibitedCheck)
		}
		return forward(from, model.StageReview), nil

	case model.StageReview:
		return forward(from, model.StageRiskAssessment), nil

	case model.StageRiskAssessment:
		if !p.Track.Valid() {
			return Transition{}, rejected(GuardTrackRequired, from, model.StagePendingSignOffs, "approval track not assigned")
		}
		t := forward(from, model.StagePendingSignOffs)
		t.SeedSignoffs = true
		return t, nil

	case model.StageReturnedToMaker:
		return forward(from, model.StageReview), nil

	case model.StagePendingSignOffs:
		if AnyRejected(snap.Signoffs) {
			return Transition{From: from, To: model.StageRejected, Status: model.StatusBlocked, Reason: "signoff rejected"}, nil
		}
		if !AllApproved(snap.Signoffs) {
			return Transition{}, rejected(GuardSignoffsUnresolved, from, model.StagePendingFinalApproval,
				"%d of %d signoffs outstanding", outstanding(snap.Signoffs), len(snap.Signoffs))
		}
		return forward(from, model.StagePendingFinalApproval), nil

	case model.StagePendingFinalApproval:
		if !AllApproved(snap.Signoffs) {
			return Transition{}, rejected(GuardSignoffsUnresolved, from, model.StageApproved,
				"%d of %d signoffs outstanding", outstanding(snap.Signoffs), len(snap.Signoffs))
		}
		return forward(from, model.StageApproved), nil

	case model.StageApproved:
		return m.Launch(snap, now)

	case model.StageLaunched:
		if p.PIRStatus != model.PIRCompleted {
			return Transition{}, rejected(GuardPIRIncomplete, from, model.StageMonitoring, "post-implementation review is %s", p.PIRStatus)
		}
		return forward(from, model.StageMonitoring), nil

	case model.StageMonitoring:
		return Transition{From: from, To: model.StageCompleted, Status: model.StatusCompleted}, nil
	}
	return Transition{}, rejected(GuardTerminalStage, from, "", "no forward transition from %s", from)
}

// Launch moves an APPROVED proposal to LAUNCHED and schedules its PIR and
// validity.
func (m *Machine) Launch(snap Snapshot, now time.Time) (Transition, error) {
	p := snap.Proposal
	if p.Stage != model.StageApproved {
		return Transition{}, rejected(GuardLaunchRequiresApproval, p.Stage, model.StageLaunched, "launch is only allowed from APPROVED")
	}
	if !AllApproved(snap.Signoffs) {
		return Transition{}, rejected(GuardSignoffsUnresolved, p.Stage, model.StageLaunched,
			"%d of %d signoffs outstanding", outstanding(snap.Signoffs), len(snap.Signoffs))
	}
	launched := now
	pirDue := AddMonths(now, m.PIRMonths(p.NPAType))
	validity := AddMonths(now, m.policy.ValidityMonths)
	return Transition{
		From:           p.Stage,
		To:             model.StageLaunched,
		Status:         model.StatusOnTrack,
		LaunchedAt:     &launched,
		PIRDueDate:     &pirDue,
		ValidityExpiry: &validity,
		PIRStatus:      model.PIRPending,
		SeedBaseline:   true,
	}, nil
}

// AddMonths adds calendar months to t. A day past the end of the target
// month is clamped to its last day, so Aug 31 + 6 months is the end of
// February rather than early March.
func AddMonths(t time.Time, months int) time.Time {
	y, mo, d := t.Date()
	first := time.Date(y, mo+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// PIRMonths returns the post-implementation review delay for a tier.
func (m *Machine) PIRMonths(tier model.Tier) int {
	if tier == model.TierNewToGroup {
		return m.policy.PIRMonthsNewToGroup
	}
	return m.policy.PIRMonthsDefault
}

// Expire moves a LAUNCHED proposal past its validity to EXPIRED.
func (m *Machine) Expire(snap Snapshot, now time.Time) (Transition, error) {
	p := snap.Proposal
	if p.Stage != model.StageLaunched {
		return Transition{}, rejected(GuardNotLaunched, p.Stage, model.StageExpired, "only LAUNCHED proposals expire")
	}
	if p.ValidityExpiry == nil || p.ValidityExpiry.After(now) {
		return Transition{}, rejected(GuardValidityNotReached, p.Stage, model.StageExpired, "validity has not lapsed")
	}
	return Transition{From: p.Stage, To: model.StageExpired, Status: model.StatusCompleted, Reason: "validity lapsed"}, nil
}

// Reject moves any live proposal to REJECTED.
func (m *Machine) Reject(snap Snapshot, reason string) (Transition, error) {
	p := snap.Proposal
	if p.Stage.IsTerminal() {
		return Transition{}, rejected(GuardTerminalStage, p.Stage, model.StageRejected, "stage %s is terminal", p.Stage)
	}
	return Transition{From: p.Stage, To: model.StageRejected, Status: model.StatusBlocked, Reason: reason}, nil
}

// Prohibit moves a proposal that matched the prohibited list to PROHIBITED.
func (m *Machine) Prohibit(snap Snapshot, reason string) (Transition, error) {
	p := snap.Proposal
	if p.Stage.IsTerminal() {
		return Transition{}, rejected(GuardTerminalStage, p.Stage, model.StageProhibited, "stage %s is terminal", p.Stage)
	}
	return Transition{From: p.Stage, To: model.StageProhibited, Status: model.StatusBlocked, Reason: reason}, nil
}

// ReturnToMaker routes a proposal back to its maker after a rework request.
func (m *Machine) ReturnToMaker(snap Snapshot, reason string) (Transition, error) {
	p := snap.Proposal
	if p.Stage != model.StagePendingSignOffs {
		return Transition{}, rejected(GuardNotInSignOff, p.Stage, model.StageReturnedToMaker, "rework is only possible during sign-off")
	}
	return Transition{From: p.Stage, To: model.StageReturnedToMaker, Status: model.StatusAtRisk, Reason: reason}, nil
}

// CompletePIR records the post-implementation review of a LAUNCHED proposal.
// Completing an already completed review changes nothing.
func (m *Machine) CompletePIR(snap Snapshot) (Transition, error) {
	p := snap.Proposal
	if p.Stage != model.StageLaunched {
		return Transition{}, rejected(GuardNotLaunched, p.Stage, "", "post-implementation review requires a LAUNCHED proposal")
	}
	status := p.Status
	if status == model.StatusAtRisk {
		status = model.StatusOnTrack
	}
	if p.PIRStatus == model.PIRCompleted {
		status = p.Status
	}
	return Transition{From: p.Stage, To: p.Stage, Status: status, PIRStatus: model.PIRCompleted,
		Reason: "post-implementation review completed"}, nil
}

// CheckClassificationOpen rejects changes to a proposal's tier or track once
// its ledger has been seeded.
func CheckClassificationOpen(p *model.Proposal) error {
	switch p.Stage {
	case model.StageInitiation, model.StageReview, model.StageRiskAssessment:
		return nil
	}
	return rejected(GuardClassificationLocked, p.Stage, "", "classification and track are fixed once sign-off has started")
}

// Escalate holds the proposal in ESCALATED. It returns the stage to resume
// once every escalation resolves.
func (m *Machine) Escalate(snap Snapshot) (Transition, model.Stage, error) {
	p := snap.Proposal
	if p.Stage.IsTerminal() {
		return Transition{}, "", rejected(GuardTerminalStage, p.Stage, model.StageEscalated, "stage %s is terminal", p.Stage)
	}
	prior := p.Stage
	if prior == model.StageEscalated {
		prior = resumeStageOf(snap.Escalations)
	}
	return Transition{From: p.Stage, To: model.StageEscalated, Status: model.StatusBlocked, Reason: "escalated"}, prior, nil
}

// ResolveEscalation decides where the proposal goes when esc resolves. On a
// closed proposal it only records the decision. REJECT ends the proposal. PROCEED releases it only once no other
// escalation still blocks; a proposal escalated during sign-off or rework
// resumes at PENDING_SIGN_OFFS, anything else resumes where it was.
func (m *Machine) ResolveEscalation(snap Snapshot, esc *model.Escalation, decision model.EscalationDecision) (Transition, error) {
	p := snap.Proposal
	if !esc.Status.Blocking() {
		return Transition{}, rejected(GuardNotEscalated, p.Stage, "", "escalation %s is already %s", esc.ID, esc.Status)
	}
	if p.Stage.IsTerminal() {
		// Recording the decision is all that is left to do.
		return Transition{From: p.Stage, To: p.Stage, Status: p.Status, Reason: "proposal already closed"}, nil
	}
	if decision == model.DecisionReject {
		return m.Reject(snap, "escalation rejected")
	}
	if p.Stage != model.StageEscalated {
		// Proposal already left ESCALATED through another path; nothing to move.
		return Transition{From: p.Stage, To: p.Stage, Status: p.Status}, nil
	}

	for _, other := range snap.Escalations {
		if other.ID != esc.ID && other.Status.Blocking() {
			return Transition{From: p.Stage, To: model.StageEscalated, Status: model.StatusBlocked,
				Reason: "other escalations still open"}, nil
		}
	}

	switch esc.PriorStage {
	case model.StagePendingSignOffs, model.StagePendingFinalApproval, model.StageReturnedToMaker, "":
		return Transition{From: p.Stage, To: model.StagePendingSignOffs, Status: model.StatusOnTrack,
			SeedSignoffs: true, Reason: "escalation resolved"}, nil
	}
	return Transition{From: p.Stage, To: esc.PriorStage, Status: model.StatusOnTrack, Reason: "escalation resolved"}, nil
}

func resumeStageOf(escalations []*model.Escalation) model.Stage {
	for _, e := range escalations {
		if e.PriorStage != "" && e.PriorStage != model.StageEscalated {
			return e.PriorStage
		}
	}
	return model.StagePendingSignOffs
}

func forward(from, to model.Stage) Transition {
	return Transition{From: from, To: to, Status: model.StatusOnTrack}
}

func outstanding(signoffs []*model.Signoff) int {
	n := 0
	for _, s := range signoffs {
		if s.Status != model.SignoffApproved {
			n++
		}
	}
	return n
}
