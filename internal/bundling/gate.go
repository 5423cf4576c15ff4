// Package bundling evaluates whether a candidate proposal may ride on an
// already-launched parent under the lighter bundling track.
package bundling

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// Condition codes, in evaluation order.
const (
	CondParentLaunched      = "PARENT_LAUNCHED"
	CondSameCategory        = "SAME_CATEGORY"
	CondNoNewRiskChecks     = "NO_NEW_RISK_CHECKS"
	CondNotionalWithinLimit = "NOTIONAL_WITHIN_LIMIT"
	CondSameBookingProxy    = "SAME_BOOKING_PROXY"
	CondNoNewJurisdictions  = "NO_NEW_JURISDICTIONS"
	CondCounterpartyMatches = "COUNTERPARTY_MATCHES"
	CondParentOpsApproved   = "PARENT_OPS_APPROVED"
)

// NotionalLimitPercent caps candidate notional relative to the parent's.
const NotionalLimitPercent = 120

// OperationsParty is the party whose approval on the parent stands in for
// operational capacity.
const OperationsParty = "Operations"

// ConditionCount is the number of conditions the gate evaluates.
const ConditionCount = 8

// ConditionResult is the outcome of one condition.
type ConditionResult struct {
	Code       string `json:"code"`
	Passed     bool   `json:"passed"`
	Diagnostic string `json:"diagnostic"`
}

// Evaluation is the full gate outcome.
type Evaluation struct {
	CandidateID      string            `json:"candidate_id"`
	ParentID         string            `json:"parent_id"`
	Conditions       []ConditionResult `json:"conditions"`
	PassedCount      int               `json:"passed_count"`
	AllPassed        bool              `json:"all_passed"`
	RecommendedTrack model.Track       `json:"recommended_track"`
}

// Input is the snapshot the gate reads. Parent is nil when the claimed parent
// does not exist; ParentSignoffs are the parent's ledger rows.
type Input struct {
	Candidate      *model.Proposal
	Parent         *model.Proposal
	ParentSignoffs []*model.Signoff
}

// RecommendTrack maps the number of passed conditions to a track.
func RecommendTrack(passed int) model.Track {
	switch {
	case passed >= ConditionCount:
		return model.TrackBundling
	case passed >= 6:
		return model.TrackNPALite
	default:
		return model.TrackFullNPA
	}
}

// Summarize folds condition results into an Evaluation.
func Summarize(conditions []ConditionResult) Evaluation {
	ev := Evaluation{Conditions: conditions}
	for _, c := range conditions {
		if c.Passed {
			ev.PassedCount++
		}
	}
	ev.AllPassed = len(conditions) == ConditionCount && ev.PassedCount == ConditionCount
	ev.RecommendedTrack = RecommendTrack(ev.PassedCount)
	return ev
}

// Evaluate runs all eight conditions. It never mutates the input.
func Evaluate(in Input) Evaluation {
	c, p := in.Candidate, in.Parent
	conditions := []ConditionResult{
		parentLaunched(p),
		sameCategory(c, p),
		noNewRiskChecks(c, p),
		notionalWithinLimit(c, p),
		sameBookingProxy(c, p),
		noNewJurisdictions(c, p),
		counterpartyMatches(c, p),
		parentOpsApproved(p, in.ParentSignoffs),
	}
	ev := Summarize(conditions)
	if c != nil {
		ev.CandidateID = c.ID
	}
	if p != nil {
		ev.ParentID = p.ID
	}
	return ev
}

func fail(code, format string, args ...any) ConditionResult {
	return ConditionResult{Code: code, Diagnostic: fmt.Sprintf(format, args...)}
}

func pass(code, format string, args ...any) ConditionResult {
	return ConditionResult{Code: code, Passed: true, Diagnostic: fmt.Sprintf(format, args...)}
}

func parentLaunched(p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondParentLaunched, "parent proposal not found")
	}
	if p.Stage != model.StageLaunched {
		return fail(CondParentLaunched, "parent is in stage %s, not LAUNCHED", p.Stage)
	}
	return pass(CondParentLaunched, "parent %s is launched", p.ID)
}

func sameCategory(c, p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondSameCategory, "no parent to compare")
	}
	if !strings.EqualFold(c.ProductCategory, p.ProductCategory) {
		return fail(CondSameCategory, "category %q differs from parent %q", c.ProductCategory, p.ProductCategory)
	}
	return pass(CondSameCategory, "same category %q", c.ProductCategory)
}

func noNewRiskChecks(c, p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondNoNewRiskChecks, "no parent to compare")
	}
	if extra := difference(c.RiskChecks, p.RiskChecks); len(extra) > 0 {
		return fail(CondNoNewRiskChecks, "new risk checks: %s", strings.Join(extra, ", "))
	}
	return pass(CondNoNewRiskChecks, "risk checks covered by parent")
}

func notionalWithinLimit(c, p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondNotionalWithinLimit, "no parent to compare")
	}
	// Integer comparison keeps the 120% boundary exact.
	if c.NotionalAmount*100 > p.NotionalAmount*NotionalLimitPercent {
		return fail(CondNotionalWithinLimit, "notional %d exceeds %d%% of parent notional %d",
			c.NotionalAmount, NotionalLimitPercent, p.NotionalAmount)
	}
	return pass(CondNotionalWithinLimit, "notional %d within %d%% of parent notional %d",
		c.NotionalAmount, NotionalLimitPercent, p.NotionalAmount)
}

func sameBookingProxy(c, p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondSameBookingProxy, "no parent to compare")
	}
	if !strings.EqualFold(c.BookingProxy(), p.BookingProxy()) {
		return fail(CondSameBookingProxy, "booking proxy (currency) %s differs from parent %s", c.BookingProxy(), p.BookingProxy())
	}
	return pass(CondSameBookingProxy, "same booking proxy (currency) %s", c.BookingProxy())
}

func noNewJurisdictions(c, p *model.Proposal) ConditionResult {
	if p == nil {
		return fail(CondNoNewJurisdictions, "no parent to compare")
	}
	if extra := difference(c.Jurisdictions, p.Jurisdictions); len(extra) > 0 {
		return fail(CondNoNewJurisdictions, "new jurisdictions: %s", strings.Join(extra, ", "))
	}
	return pass(CondNoNewJurisdictions, "jurisdictions covered by parent")
}

func counterpartyMatches(c, p *model.Proposal) ConditionResult {
	if c.CounterpartyType == nil || *c.CounterpartyType == "" {
		return pass(CondCounterpartyMatches, "candidate specifies no counterparty type")
	}
	if p == nil {
		return fail(CondCounterpartyMatches, "no parent to compare")
	}
	if p.CounterpartyType == nil || !strings.EqualFold(*c.CounterpartyType, *p.CounterpartyType) {
		return fail(CondCounterpartyMatches, "counterparty type %q does not match parent", *c.CounterpartyType)
	}
	return pass(CondCounterpartyMatches, "counterparty type %q matches parent", *c.CounterpartyType)
}

func parentOpsApproved(p *model.Proposal, signoffs []*model.Signoff) ConditionResult {
	if p == nil {
		return fail(CondParentOpsApproved, "no parent to compare")
	}
	for _, s := range signoffs {
		if !strings.EqualFold(s.Party, OperationsParty) {
			continue
		}
		if s.Status == model.SignoffApproved {
			return pass(CondParentOpsApproved, "parent Operations signoff approved")
		}
		return fail(CondParentOpsApproved, "parent Operations signoff is %s", s.Status)
	}
	return fail(CondParentOpsApproved, "parent has no Operations signoff")
}

// difference returns the items of a missing from b, case-insensitively.
func difference(a, b []string) []string {
	have := make(map[string]struct{}, len(b))
	for _, v := range b {
		have[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := have[strings.ToUpper(strings.TrimSpace(v))]; !ok {
			out = append(out, v)
		}
	}
	return out
}
