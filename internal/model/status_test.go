package model

import "testing"

func TestIsConsensusTerminal(t *testing.T) {
	tests := []struct {
		status   ConsensusStatus
		terminal bool
	}{
		{ConsensusPending, false},
		{ConsensusExplicitlyApproved, true},
		{ConsensusVetoed, true},
		{ConsensusEscalated, true},
		{ConsensusApprovedByTimeout, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsConsensusTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsConsensusTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestIsConsensusApproved(t *testing.T) {
	tests := []struct {
		status   ConsensusStatus
		approved bool
	}{
		{ConsensusPending, false},
		{ConsensusExplicitlyApproved, true},
		{ConsensusVetoed, false},
		{ConsensusEscalated, false},
		{ConsensusApprovedByTimeout, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsConsensusApproved(tt.status); got != tt.approved {
				t.Errorf("IsConsensusApproved(%q) = %v, want %v", tt.status, got, tt.approved)
			}
		})
	}
}

func TestWorkflowStateIsTerminal(t *testing.T) {
	terminal := map[WorkflowState]bool{
		StateCompleted: true,
		StateRejected:  true,
		StateArchived:  true,
	}
	for _, s := range AllStates {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestRiskLevelValid(t *testing.T) {
	for _, r := range []RiskLevel{RiskLow, RiskMid, RiskHigh} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	for _, r := range []RiskLevel{"", "low", "CRITICAL"} {
		if r.Valid() {
			t.Errorf("%q should be invalid", r)
		}
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct {
		from, to TaskStatus
	}{
		{TaskStatusPending, TaskStatusInProgress},
		{TaskStatusPending, TaskStatusBlocked},
		{TaskStatusPending, TaskStatusFailed},
		{TaskStatusInProgress, TaskStatusPending},
		{TaskStatusInProgress, TaskStatusCompleted},
		{TaskStatusInProgress, TaskStatusFailed},
		{TaskStatusInProgress, TaskStatusBlocked},
		{TaskStatusBlocked, TaskStatusPending},
		{TaskStatusBlocked, TaskStatusCompleted},
		{TaskStatusFailed, TaskStatusPending},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
				t.Errorf("expected valid transition %s→%s, got error: %v", tt.from, tt.to, err)
			}
		})
	}

	invalid := []struct {
		from, to TaskStatus
	}{
		{TaskStatusPending, TaskStatusCompleted},
		{TaskStatusCompleted, TaskStatusPending},
		{TaskStatusCompleted, TaskStatusInProgress},
		{TaskStatusFailed, TaskStatusCompleted},
		{TaskStatusBlocked, TaskStatusInProgress},
		{"bogus", TaskStatusPending},
	}
	for _, tt := range invalid {
		t.Run(string(tt.from)+"→"+string(tt.to)+"_invalid", func(t *testing.T) {
			if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
				t.Errorf("expected error for transition %s→%s", tt.from, tt.to)
			}
		})
	}
}

func TestValidateConsensusTransition(t *testing.T) {
	terminals := []ConsensusStatus{
		ConsensusExplicitlyApproved,
		ConsensusVetoed,
		ConsensusEscalated,
		ConsensusApprovedByTimeout,
	}
	for _, to := range terminals {
		if err := ValidateConsensusTransition(ConsensusPending, to); err != nil {
			t.Errorf("PENDING→%s should be valid: %v", to, err)
		}
	}
	for _, from := range terminals {
		for _, to := range append([]ConsensusStatus{ConsensusPending}, terminals...) {
			if err := ValidateConsensusTransition(from, to); err == nil {
				t.Errorf("%s→%s should be rejected", from, to)
			}
		}
	}
	if err := ValidateConsensusTransition(ConsensusPending, ConsensusPending); err == nil {
		t.Error("PENDING→PENDING should be rejected")
	}
}
