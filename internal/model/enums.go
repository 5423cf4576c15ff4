package model

import "strings"

// Stage is a proposal's lifecycle stage.
type Stage string

const (
	StageInitiation           Stage = "INITIATION"
	StageReview               Stage = "REVIEW"
	StageRiskAssessment       Stage = "RISK_ASSESSMENT"
	StagePendingSignOffs      Stage = "PENDING_SIGN_OFFS"
	StagePendingFinalApproval Stage = "PENDING_FINAL_APPROVAL"
	StageApproved             Stage = "APPROVED"
	StageLaunched             Stage = "LAUNCHED"
	StageMonitoring           Stage = "MONITORING"
	StageExpired              Stage = "EXPIRED"
	StageCompleted            Stage = "COMPLETED"

	// Side stages.
	StageRejected        Stage = "REJECTED"
	StageProhibited      Stage = "PROHIBITED"
	StageEscalated       Stage = "ESCALATED"
	StageReturnedToMaker Stage = "RETURNED_TO_MAKER"
)

// stageAliases maps legacy stage names onto their canonical stage.
var stageAliases = map[string]Stage{
	"DISCOVERY":  StageReview,
	"DCE_REVIEW": StageRiskAssessment,
}

// ParseStage normalises a stage name, accepting legacy aliases.
func ParseStage(s string) (Stage, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := stageAliases[s]; ok {
		return alias, true
	}
	switch st := Stage(s); st {
	case StageInitiation, StageReview, StageRiskAssessment, StagePendingSignOffs,
		StagePendingFinalApproval, StageApproved, StageLaunched, StageMonitoring,
		StageExpired, StageCompleted, StageRejected, StageProhibited,
		StageEscalated, StageReturnedToMaker:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transition may leave the stage.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageExpired, StageCompleted, StageRejected, StageProhibited:
		return true
	}
	return false
}

// Status is the aggregate health of a proposal.
type Status string

const (
	StatusOnTrack   Status = "On Track"
	StatusAtRisk    Status = "At Risk"
	StatusBlocked   Status = "Blocked"
	StatusDelayed   Status = "Delayed"
	StatusDormant   Status = "Dormant"
	StatusCompleted Status = "Completed"
)

// Track is the approval pathway.
type Track string

const (
	TrackFullNPA   Track = "FULL_NPA"
	TrackNPALite   Track = "NPA_LITE"
	TrackBundling  Track = "BUNDLING"
	TrackEvergreen Track = "EVERGREEN"
)

// Valid reports whether t is a known track.
func (t Track) Valid() bool {
	switch t {
	case TrackFullNPA, TrackNPALite, TrackBundling, TrackEvergreen:
		return true
	}
	return false
}

// Tier is the classification outcome, persisted as the proposal's npa_type.
type Tier string

const (
	TierNewToGroup Tier = "New-to-Group"
	TierVariation  Tier = "Variation"
	TierExisting   Tier = "Existing"
	TierProhibited Tier = "PROHIBITED"
)

// Rank orders the score-derived tiers: Existing < Variation < New-to-Group.
// PROHIBITED sits above all of them.
func (t Tier) Rank() int {
	switch t {
	case TierExisting:
		return 1
	case TierVariation:
		return 2
	case TierNewToGroup:
		return 3
	case TierProhibited:
		return 4
	}
	return 0
}

// RiskLevel is the maker's declared risk level.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// SignoffStatus is one party's decision state.
type SignoffStatus string

const (
	SignoffPending             SignoffStatus = "PENDING"
	SignoffUnderReview         SignoffStatus = "UNDER_REVIEW"
	SignoffClarificationNeeded SignoffStatus = "CLARIFICATION_NEEDED"
	SignoffApproved            SignoffStatus = "APPROVED"
	SignoffRejected            SignoffStatus = "REJECTED"
	SignoffRework              SignoffStatus = "REWORK"
)

// IsOpen reports whether the signoff still awaits the party and so is subject
// to SLA tracking.
func (s SignoffStatus) IsOpen() bool {
	return s == SignoffPending || s == SignoffUnderReview || s == SignoffClarificationNeeded
}

// IsDecision reports whether s may be posted as a decision.
func (s SignoffStatus) IsDecision() bool {
	switch s {
	case SignoffUnderReview, SignoffClarificationNeeded, SignoffApproved, SignoffRejected, SignoffRework:
		return true
	}
	return false
}

// PIRStatus tracks the post-implementation review.
type PIRStatus string

const (
	PIRNotScheduled PIRStatus = "NOT_SCHEDULED"
	PIRPending      PIRStatus = "PENDING"
	PIROverdue      PIRStatus = "OVERDUE"
	PIRCompleted    PIRStatus = "COMPLETED"
)

// AlertSeverity grades a breach.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the lifecycle of a breach alert.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertResolved AlertStatus = "RESOLVED"
)

// EscalationStatus is the lifecycle of an escalation.
type EscalationStatus string

const (
	EscalationActive      EscalationStatus = "ACTIVE"
	EscalationUnderReview EscalationStatus = "UNDER_REVIEW"
	EscalationResolved    EscalationStatus = "RESOLVED"
)

// Blocking reports whether the escalation still holds the proposal.
func (s EscalationStatus) Blocking() bool {
	return s == EscalationActive || s == EscalationUnderReview
}

// EscalationDecision is the outcome recorded when an escalation resolves.
type EscalationDecision string

const (
	DecisionProceed EscalationDecision = "PROCEED"
	DecisionReject  EscalationDecision = "REJECT"
)
