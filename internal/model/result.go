package model

import "time"

// SpecialistRole names one of the eight fixed generation roles.
type SpecialistRole string

const (
	RoleResearcher SpecialistRole = "researcher"
	RoleAnalyst    SpecialistRole = "analyst"
	RoleDrafter    SpecialistRole = "drafter"
	RoleReviewer   SpecialistRole = "reviewer"
	RoleRedTeam    SpecialistRole = "red_team"
	RoleSummarizer SpecialistRole = "summarizer"
	RoleTranslator SpecialistRole = "translator"
	RoleArchivist  SpecialistRole = "archivist"
)

// AllRoles lists every specialist role.
var AllRoles = []SpecialistRole{
	RoleResearcher,
	RoleAnalyst,
	RoleDrafter,
	RoleReviewer,
	RoleRedTeam,
	RoleSummarizer,
	RoleTranslator,
	RoleArchivist,
}

// SpecialistTask is a narrowly scoped generation request for one role.
type SpecialistTask struct {
	ID                 string            `json:"id"`
	Role               SpecialistRole    `json:"role"`
	TaskType           string            `json:"task_type"`
	Prompt             string            `json:"prompt"`
	Context            map[string]string `json:"context,omitempty"`
	WorkflowID         string            `json:"workflow_id,omitempty"`
	OrchestratorTaskID string            `json:"orchestrator_task_id,omitempty"`
	// MaxTokens overrides the role's token budget when positive and lower.
	MaxTokens int           `json:"max_tokens,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// QualityIssue is one finding reported by a quality validator.
type QualityIssue struct {
	Validator string `json:"validator" yaml:"validator"`
	Severity  string `json:"severity" yaml:"severity"`
	Message   string `json:"message" yaml:"message"`
}

// SpecialistOutput is the accepted work product of a SpecialistTask.
type SpecialistOutput struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"task_id"`
	Role              SpecialistRole `json:"role"`
	Content           string         `json:"content"`
	ContentHash       string         `json:"content_hash"`
	Model             string         `json:"model"`
	TokensUsed        int            `json:"tokens_used"`
	Cost              float64        `json:"cost"`
	Confidence        float64        `json:"confidence"`
	PassedQualityGate bool           `json:"passed_quality_gate"`
	QualityExempt     bool           `json:"quality_exempt,omitempty"`
	RequiresReview    bool           `json:"requires_review"`
	Issues            []QualityIssue `json:"issues,omitempty"`
	Duration          time.Duration  `json:"duration"`
	CompletedAt       time.Time      `json:"completed_at"`
}
