// Package ledger holds the sign-off protocol of one proposal: which parties
// must decide, by when, and what a decision does to the proposal. Like the
// workflow machine it is pure and returns the mutations for the caller to
// persist in one transaction.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// MakerRoute is where a REWORK loop-back is routed.
const MakerRoute = "Maker"

// ResubmittedResolution stamps loop-backs closed by re-entering sign-off.
const ResubmittedResolution = "RESUBMITTED"

// Policy configures deadlines and the rework circuit breaker.
type Policy struct {
	DefaultSLAHours   int
	ExpeditedSLAHours int
	ExpeditedTracks   []model.Track
	// PartySLAHours overrides the track-derived SLA for named parties.
	PartySLAHours map[string]int

	CircuitBreakerThreshold int
	CircuitBreakerLevel     int
}

// DefaultPolicy returns 72h deadlines, 48h on the lighter tracks, and a
// level-2 escalation on the third loop-back.
func DefaultPolicy() Policy {
	return Policy{
		DefaultSLAHours:         72,
		ExpeditedSLAHours:       48,
		ExpeditedTracks:         []model.Track{model.TrackNPALite, model.TrackBundling, model.TrackEvergreen},
		CircuitBreakerThreshold: 3,
		CircuitBreakerLevel:     2,
	}
}

// SLAHours resolves the SLA for one party on one track.
func (p Policy) SLAHours(party string, track model.Track) int {
	for name, hours := range p.PartySLAHours {
		if strings.EqualFold(name, party) && hours > 0 {
			return hours
		}
	}
	for _, t := range p.ExpeditedTracks {
		if t == track {
			return p.ExpeditedSLAHours
		}
	}
	return p.DefaultSLAHours
}

// Ledger applies the sign-off protocol.
type Ledger struct {
	policy  Policy
	machine *workflow.Machine
}

// New creates a Ledger.
func New(policy Policy, machine *workflow.Machine) *Ledger {
	return &Ledger{policy: policy, machine: machine}
}

// Policy returns the ledger policy.
func (l *Ledger) Policy() Policy { return l.policy }

// SeedPlan lists the rows to create and the REWORK rows to reopen when a
// proposal enters sign-off.
type SeedPlan struct {
	Create []*model.Signoff
	Reopen []*model.Signoff
}

// Empty reports whether the plan changes nothing.
func (s SeedPlan) Empty() bool { return len(s.Create) == 0 && len(s.Reopen) == 0 }

// Seed plans one signoff per required party. Parties that already have a row
// keep it; REWORK rows are reopened with a fresh deadline. A breach flag is
// never cleared.
func (l *Ledger) Seed(p *model.Proposal, parties []model.Party, existing []*model.Signoff, now time.Time) SeedPlan {
	var plan SeedPlan
	for _, party := range parties {
		if s := find(existing, party.Name); s != nil {
			if s.Status == model.SignoffRework {
				r := s.Clone()
				r.Status = model.SignoffPending
				r.SLAHours = l.policy.SLAHours(r.Party, p.Track)
				r.SLADeadline = now.Add(time.Duration(r.SLAHours) * time.Hour)
				r.DecidedBy = nil
				r.DecidedAt = nil
				r.UpdatedAt = now
				plan.Reopen = append(plan.Reopen, r)
			}
			continue
		}
		hours := l.policy.SLAHours(party.Name, p.Track)
		plan.Create = append(plan.Create, &model.Signoff{
			ProposalID:  p.ID,
			Party:       party.Name,
			Department:  party.Department,
			Status:      model.SignoffPending,
			SLAHours:    hours,
			SLADeadline: now.Add(time.Duration(hours) * time.Hour),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return plan
}

// DecisionRequest is one party's decision.
type DecisionRequest struct {
	Party    string
	Decision model.SignoffStatus
	Comments string
	Actor    string
}

// Outcome is what a decision asks the caller to persist. Changed is false for
// a repeated decision, which is a no-op.
type Outcome struct {
	Changed    bool
	Signoff    *model.Signoff
	LoopBack   *model.LoopBack
	Escalation *model.Escalation
	Transition *workflow.Transition
}

// Decide validates and applies a decision against the snapshot. loopBacks is
// the number of loop-backs already recorded on the proposal.
func (l *Ledger) Decide(snap workflow.Snapshot, loopBacks int, req DecisionRequest, now time.Time) (Outcome, error) {
	if err := validateDecision(req); err != nil {
		return Outcome{}, err
	}
	p := snap.Proposal

	current := find(snap.Signoffs, req.Party)
	if current == nil {
		return Outcome{}, errors.NotFound("signoff", req.Party)
	}
	if current.Status == req.Decision {
		return Outcome{Signoff: current}, nil
	}
	if p.Stage != model.StagePendingSignOffs {
		return Outcome{}, &workflow.StateTransitionError{
			Guard:   workflow.GuardNotInSignOff,
			From:    p.Stage,
			Message: fmt.Sprintf("decisions are only accepted in %s", model.StagePendingSignOffs),
		}
	}
	if current.Status == model.SignoffApproved || current.Status == model.SignoffRejected {
		return Outcome{}, &workflow.StateTransitionError{
			Guard:   workflow.GuardDecisionFinal,
			From:    p.Stage,
			Message: fmt.Sprintf("%s signoff is already %s", current.Party, current.Status),
		}
	}

	updated := current.Clone()
	updated.Status = req.Decision
	updated.UpdatedAt = now
	if req.Comments != "" {
		comments := req.Comments
		updated.Comments = &comments
	}
	switch req.Decision {
	case model.SignoffApproved, model.SignoffRejected, model.SignoffRework:
		actor := req.Actor
		decidedAt := now
		updated.DecidedBy = &actor
		updated.DecidedAt = &decidedAt
	}

	out := Outcome{Changed: true, Signoff: updated}
	ledger := replace(snap.Signoffs, updated)

	switch req.Decision {
	case model.SignoffRework:
		updated.LoopBackCount++
		sequence := loopBacks + 1
		out.LoopBack = &model.LoopBack{
			ProposalID:  p.ID,
			SignoffID:   updated.ID,
			InitiatedBy: updated.Party,
			Reason:      req.Comments,
			RoutedTo:    MakerRoute,
			Sequence:    sequence,
			CreatedAt:   now,
		}
		if sequence >= l.policy.CircuitBreakerThreshold {
			out.Escalation = &model.Escalation{
				ProposalID:  p.ID,
				Level:       l.policy.CircuitBreakerLevel,
				Reason:      fmt.Sprintf("loop-back circuit breaker: %d rework cycles", sequence),
				Trigger:     model.TriggerLoopBackCircuitBreaker,
				Status:      model.EscalationActive,
				PriorStage:  model.StageReturnedToMaker,
				EscalatedBy: req.Actor,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			out.Transition = &workflow.Transition{
				From:   p.Stage,
				To:     model.StageEscalated,
				Status: model.StatusBlocked,
				Reason: out.Escalation.Reason,
			}
			return out, nil
		}
		t, err := l.machine.ReturnToMaker(snap, "rework requested by "+updated.Party)
		if err != nil {
			return Outcome{}, err
		}
		out.Transition = &t

	case model.SignoffRejected:
		t, err := l.machine.Reject(snap, "rejected by "+updated.Party)
		if err != nil {
			return Outcome{}, err
		}
		out.Transition = &t

	case model.SignoffApproved:
		if workflow.AllApproved(ledger) {
			next := snap
			next.Signoffs = ledger
			t, err := l.machine.Advance(next, now)
			if err == nil {
				out.Transition = &t
			}
		}
	}
	return out, nil
}

// NewComment builds an append-only comment on a signoff thread.
func NewComment(s *model.Signoff, author, body string, now time.Time) (*model.SignoffComment, error) {
	if strings.TrimSpace(author) == "" {
		return nil, errors.InvalidInput("author", "is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.InvalidInput("body", "is required")
	}
	return &model.SignoffComment{
		SignoffID:  s.ID,
		ProposalID: s.ProposalID,
		Author:     author,
		Body:       body,
		CreatedAt:  now,
	}, nil
}

// State is a read view of a proposal's ledger.
type State struct {
	ProposalID    string           `json:"proposal_id"`
	Stage         model.Stage      `json:"stage"`
	Status        model.Status     `json:"status"`
	Signoffs      []*model.Signoff `json:"signoffs"`
	AllApproved   bool             `json:"all_approved"`
	Outstanding   int              `json:"outstanding"`
	LoopBackCount int              `json:"loop_back_count"`
}

// Summarize builds the read view.
func Summarize(p *model.Proposal, signoffs []*model.Signoff, loopBacks int) State {
	st := State{
		ProposalID:    p.ID,
		Stage:         p.Stage,
		Status:        p.Status,
		Signoffs:      signoffs,
		AllApproved:   workflow.AllApproved(signoffs),
		LoopBackCount: loopBacks,
	}
	for _, s := range signoffs {
		if s.Status != model.SignoffApproved {
			st.Outstanding++
		}
	}
	return st
}

func validateDecision(req DecisionRequest) error {
	if strings.TrimSpace(req.Party) == "" {
		return errors.InvalidInput("party", "is required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return errors.InvalidInput("actor", "is required")
	}
	if !req.Decision.IsDecision() {
		return errors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", req.Decision))
	}
	if (req.Decision == model.SignoffRejected || req.Decision == model.SignoffRework) && strings.TrimSpace(req.Comments) == "" {
		return errors.InvalidInput("comments", fmt.Sprintf("required for %s", req.Decision))
	}
	return nil
}

func find(signoffs []*model.Signoff, party string) *model.Signoff {
	for _, s := range signoffs {
		if strings.EqualFold(s.Party, party) {
			return s
		}
	}
	return nil
}

func replace(signoffs []*model.Signoff, updated *model.Signoff) []*model.Signoff {
	out := make([]*model.Signoff, len(signoffs))
	for i, s := range signoffs {
		if strings.EqualFold(s.Party, updated.Party) {
			out[i] = updated
			continue
		}
		out[i] = s
	}
	return out
}
