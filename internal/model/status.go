package model

import "fmt"

// TaskStatus is the lifecycle status of an OrchestratorTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusFailed     TaskStatus = "failed"
)

// ConsensusStatus is the lifecycle status of a PassiveConsensusItem.
type ConsensusStatus string

const (
	ConsensusPending            ConsensusStatus = "PENDING"
	ConsensusExplicitlyApproved ConsensusStatus = "EXPLICITLY_APPROVED"
	ConsensusVetoed             ConsensusStatus = "VETOED"
	ConsensusEscalated          ConsensusStatus = "ESCALATED"
	ConsensusApprovedByTimeout  ConsensusStatus = "APPROVED_BY_TIMEOUT"
)

// RiskLevel classifies a publishable document for passive consensus.
type RiskLevel string

const (
	RiskLow  RiskLevel = "LOW"
	RiskMid  RiskLevel = "MID"
	RiskHigh RiskLevel = "HIGH"
)

// Valid reports whether r is one of the three known risk levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMid || r == RiskHigh
}

var terminalConsensusStatuses = map[ConsensusStatus]bool{
	ConsensusExplicitlyApproved: true,
	ConsensusVetoed:             true,
	ConsensusEscalated:          true,
	ConsensusApprovedByTimeout:  true,
}

// Task transitions: pending ↔ in_progress → completed; failed and blocked only
// leave through an explicit unblock, which returns the task to pending.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusInProgress: true,
		TaskStatusBlocked:    true,
		TaskStatusFailed:     true, // retry budget of zero
	},
	TaskStatusInProgress: {
		TaskStatusPending:   true, // retry scheduled or restart recovery
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusBlocked:   true,
	},
	TaskStatusBlocked: {
		TaskStatusPending:   true,
		TaskStatusCompleted: true, // human resolution satisfied the task
	},
	TaskStatusFailed: {
		TaskStatusPending: true, // operator unblock
	},
}

// Consensus transitions: PENDING → any terminal status, nothing out of terminal.
var validConsensusTransitions = map[ConsensusStatus]map[ConsensusStatus]bool{
	ConsensusPending: {
		ConsensusExplicitlyApproved: true,
		ConsensusVetoed:             true,
		ConsensusEscalated:          true,
		ConsensusApprovedByTimeout:  true,
	},
}

// IsConsensusTerminal reports whether s can no longer change.
func IsConsensusTerminal(s ConsensusStatus) bool {
	return terminalConsensusStatuses[s]
}

// IsConsensusApproved reports whether s lets the document be published.
func IsConsensusApproved(s ConsensusStatus) bool {
	return s == ConsensusExplicitlyApproved || s == ConsensusApprovedByTimeout
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == TaskStatusCompleted {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateConsensusTransition(from, to ConsensusStatus) error {
	if IsConsensusTerminal(from) {
		return fmt.Errorf("cannot transition from terminal consensus status %q", from)
	}
	allowed, ok := validConsensusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown consensus status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid consensus transition: %q → %q", from, to)
	}
	return nil
}
