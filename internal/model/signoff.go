package model

import "time"

// Party is an approving function and the department that staffs it.
type Party struct {
	Name       string `yaml:"name" json:"name"`
	Department string `yaml:"department" json:"department"`
}

// Signoff is one party's required decision on one proposal.
type Signoff struct {
	ID            string        `json:"id"`
	ProposalID    string        `json:"proposal_id"`
	Party         string        `json:"party"`
	Department    string        `json:"department"`
	Status        SignoffStatus `json:"status"`
	SLAHours      int           `json:"sla_hours"`
	SLADeadline   time.Time     `json:"sla_deadline"`
	SLABreached   bool          `json:"sla_breached"`
	LoopBackCount int           `json:"loop_back_count"`
	Comments      *string       `json:"comments,omitempty"`
	DecidedBy     *string       `json:"decided_by,omitempty"`
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (s *Signoff) Clone() *Signoff {
	if s == nil {
		return nil
	}
	c := *s
	c.Comments = cloneString(s.Comments)
	c.DecidedBy = cloneString(s.DecidedBy)
	c.DecidedAt = cloneTime(s.DecidedAt)
	return &c
}

// SignoffComment is an append-only remark on a signoff thread.
type SignoffComment struct {
	ID         string    `json:"id"`
	SignoffID  string    `json:"signoff_id"`
	ProposalID string    `json:"proposal_id"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoopBack records one rework cycle.
type LoopBack struct {
	ID          string     `json:"id"`
	ProposalID  string     `json:"proposal_id"`
	SignoffID   string     `json:"signoff_id"`
	InitiatedBy string     `json:"initiated_by"` // party that requested rework
	Reason      string     `json:"reason"`
	RoutedTo    string     `json:"routed_to"`
	Sequence    int        `json:"sequence"` // 1-based count of loop-backs on the proposal
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolution  *string    `json:"resolution,omitempty"`
}
