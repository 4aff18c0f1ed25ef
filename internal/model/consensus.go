package model

import "time"

// Objection records a veto or an escalation raised against a document.
type Objection struct {
	Actor  string    `json:"actor" yaml:"actor"`
	Reason string    `json:"reason" yaml:"reason"`
	At     time.Time `json:"at" yaml:"at"`
}

// PassiveConsensusItem is one document under opt-out review.
type PassiveConsensusItem struct {
	ID                 string          `json:"id" yaml:"id"`
	WorkflowID         string          `json:"workflow_id" yaml:"workflow_id"`
	DocumentID         string          `json:"document_id" yaml:"document_id"`
	Title              string          `json:"title" yaml:"title"`
	ContentHash        string          `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	RiskLevel          RiskLevel       `json:"risk_level" yaml:"risk_level"`
	Status             ConsensusStatus `json:"status" yaml:"status"`
	CreatedAt          time.Time       `json:"created_at" yaml:"created_at"`
	ReviewPeriodEndsAt time.Time       `json:"review_period_ends_at" yaml:"review_period_ends_at"`
	Vetoes             []Objection     `json:"vetoes,omitempty" yaml:"vetoes,omitempty"`
	Escalations        []Objection     `json:"escalations,omitempty" yaml:"escalations,omitempty"`
	ApprovedBy         string          `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
	OverdueNotifiedAt  *time.Time      `json:"overdue_notified_at,omitempty" yaml:"overdue_notified_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of it.
func (it *PassiveConsensusItem) Clone() *PassiveConsensusItem {
	if it == nil {
		return nil
	}
	return deepCopy(it)
}

// AutoApprovable reports whether the item is eligible for timeout approval
// at now. HIGH risk items never are.
func (it *PassiveConsensusItem) AutoApprovable(now time.Time) bool {
	if it.Status != ConsensusPending {
		return false
	}
	if it.RiskLevel != RiskLow && it.RiskLevel != RiskMid {
		return false
	}
	return !it.ReviewPeriodEndsAt.After(now)
}
