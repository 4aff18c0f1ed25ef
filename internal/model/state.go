package model

import "time"

// WorkflowState is one stage of a governance workflow.
type WorkflowState string

const (
	StateIntake         WorkflowState = "INTAKE"
	StateTriage         WorkflowState = "TRIAGE"
	StateResearch       WorkflowState = "RESEARCH"
	StateDeliberation   WorkflowState = "DELIBERATION"
	StateDecisionPacket WorkflowState = "DECISION_PACKET"
	StateReview         WorkflowState = "REVIEW"
	StatePublish        WorkflowState = "PUBLISH"
	StateExecLocked     WorkflowState = "EXEC_LOCKED"
	StateOutcomeProof   WorkflowState = "OUTCOME_PROOF"
	StateCompleted      WorkflowState = "COMPLETED"
	StateRejected       WorkflowState = "REJECTED"
	StateArchived       WorkflowState = "ARCHIVED"
)

// AllStates lists every workflow state in happy-path order.
var AllStates = []WorkflowState{
	StateIntake,
	StateTriage,
	StateResearch,
	StateDeliberation,
	StateDecisionPacket,
	StateReview,
	StatePublish,
	StateExecLocked,
	StateOutcomeProof,
	StateCompleted,
	StateRejected,
	StateArchived,
}

// IsTerminal reports whether the workflow context is frozen in s.
// COMPLETED and REJECTED may still be archived.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateArchived
}

// WorkflowType selects which of the five governance playbooks applies.
type WorkflowType string

const (
	WorkflowTypeA WorkflowType = "A"
	WorkflowTypeB WorkflowType = "B"
	WorkflowTypeC WorkflowType = "C"
	WorkflowTypeD WorkflowType = "D"
	WorkflowTypeE WorkflowType = "E"
)

func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowTypeA, WorkflowTypeB, WorkflowTypeC, WorkflowTypeD, WorkflowTypeE:
		return true
	}
	return false
}

// Issue is the snapshot of the external issue that started a workflow.
type Issue struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Body      string    `json:"body" yaml:"body"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	Labels    []string  `json:"labels,omitempty" yaml:"labels,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// TransitionRecord is one immutable entry of the state history.
type TransitionRecord struct {
	From      WorkflowState `json:"from" yaml:"from"`
	To        WorkflowState `json:"to" yaml:"to"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Reason    string        `json:"reason" yaml:"reason"`
	Actor     string        `json:"actor" yaml:"actor"`
	Forced    bool          `json:"forced,omitempty" yaml:"forced,omitempty"`
}

// WorkflowContext accumulates everything one issue's journey has produced.
type WorkflowContext struct {
	IssueID      string             `json:"issue_id" yaml:"issue_id"`
	Issue        Issue              `json:"issue" yaml:"issue"`
	WorkflowType WorkflowType       `json:"workflow_type,omitempty" yaml:"workflow_type,omitempty"`
	CurrentState WorkflowState      `json:"current_state" yaml:"current_state"`
	TodoID       string             `json:"todo_id,omitempty" yaml:"todo_id,omitempty"`
	StateHistory []TransitionRecord `json:"state_history" yaml:"state_history"`
	Artifacts    Artifacts          `json:"artifacts" yaml:"artifacts"`
	CreatedAt    time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of c.
func (c *WorkflowContext) Clone() *WorkflowContext {
	if c == nil {
		return nil
	}
	return deepCopy(c)
}

// LastTransition returns the most recent history record, if any.
func (c *WorkflowContext) LastTransition() (TransitionRecord, bool) {
	if len(c.StateHistory) == 0 {
		return TransitionRecord{}, false
	}
	return c.StateHistory[len(c.StateHistory)-1], true
}

// PriorityScore is produced at intake.
type PriorityScore struct {
	Total     float64 `json:"total" yaml:"total"`
	Urgency   float64 `json:"urgency" yaml:"urgency"`
	Impact    float64 `json:"impact" yaml:"impact"`
	Reach     float64 `json:"reach" yaml:"reach"`
	Rationale string  `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

type Source struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Note  string `json:"note,omitempty" yaml:"note,omitempty"`
}

type Stance string

const (
	StanceSupport Stance = "support"
	StanceOppose  Stance = "oppose"
	StanceAbstain Stance = "abstain"
)

type AgentOpinion struct {
	Agent       string  `json:"agent" yaml:"agent"`
	Perspective string  `json:"perspective" yaml:"perspective"`
	Stance      Stance  `json:"stance" yaml:"stance"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	Rationale   string  `json:"rationale" yaml:"rationale"`
}

type DecisionOption struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

type DecisionPacket struct {
	Title             string           `json:"title" yaml:"title"`
	Summary           string           `json:"summary" yaml:"summary"`
	Options           []DecisionOption `json:"options" yaml:"options"`
	Recommendation    string           `json:"recommendation" yaml:"recommendation"`
	RiskLevel         RiskLevel        `json:"risk_level" yaml:"risk_level"`
	RequiresExecution bool             `json:"requires_execution" yaml:"requires_execution"`
	RequiredApprovals []string         `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	ContentHash       string           `json:"content_hash" yaml:"content_hash"`
	Revision          int              `json:"revision" yaml:"revision"`
}

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRevise  Verdict = "revise"
	VerdictReject  Verdict = "reject"
)

func (v Verdict) Valid() bool {
	return v == VerdictApprove || v == VerdictRevise || v == VerdictReject
}

type ReviewVerdict struct {
	Verdict Verdict `json:"verdict" yaml:"verdict"`
	Notes   string  `json:"notes,omitempty" yaml:"notes,omitempty"`
}

type Approval struct {
	Approver  string    `json:"approver" yaml:"approver"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at"`
}

type KPIResult struct {
	Name   string  `json:"name" yaml:"name"`
	Target float64 `json:"target" yaml:"target"`
	Actual float64 `json:"actual" yaml:"actual"`
	Met    bool    `json:"met" yaml:"met"`
}

// Artifacts is the bag of stage-produced outputs. A nil pointer or empty
// slice means the artifact has not been produced yet.
type Artifacts struct {
	PriorityScore       *PriorityScore     `json:"priority_score,omitempty" yaml:"priority_score,omitempty"`
	IssueSummary        string             `json:"issue_summary,omitempty" yaml:"issue_summary,omitempty"`
	ResearchBrief       string             `json:"research_brief,omitempty" yaml:"research_brief,omitempty"`
	ResearchSources     []Source           `json:"research_sources,omitempty" yaml:"research_sources,omitempty"`
	AgentOpinions       []AgentOpinion     `json:"agent_opinions,omitempty" yaml:"agent_opinions,omitempty"`
	ConsensusScore      *float64           `json:"consensus_score,omitempty" yaml:"consensus_score,omitempty"`
	DecisionPacket      *DecisionPacket    `json:"decision_packet,omitempty" yaml:"decision_packet,omitempty"`
	ReviewVerdict       *ReviewVerdict     `json:"review_verdict,omitempty" yaml:"review_verdict,omitempty"`
	RedTeamCritique     string             `json:"red_team_critique,omitempty" yaml:"red_team_critique,omitempty"`
	ConsensusItemID     string             `json:"consensus_item_id,omitempty" yaml:"consensus_item_id,omitempty"`
	PublicationApproved bool               `json:"publication_approved,omitempty" yaml:"publication_approved,omitempty"`
	RegistryID          string             `json:"registry_id,omitempty" yaml:"registry_id,omitempty"`
	Translations        map[string]string  `json:"translations,omitempty" yaml:"translations,omitempty"`
	LockReason          string             `json:"lock_reason,omitempty" yaml:"lock_reason,omitempty"`
	RequiredApprovals   []string           `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	GrantedApprovals    []Approval         `json:"granted_approvals,omitempty" yaml:"granted_approvals,omitempty"`
	ExecutionRejected   bool               `json:"execution_rejected,omitempty" yaml:"execution_rejected,omitempty"`
	KPIResults          []KPIResult        `json:"kpi_results,omitempty" yaml:"kpi_results,omitempty"`
	TrustScoreDeltas    map[string]float64 `json:"trust_score_deltas,omitempty" yaml:"trust_score_deltas,omitempty"`
	SpecialistOutputs   []string           `json:"specialist_outputs,omitempty" yaml:"specialist_outputs,omitempty"`
	// ReviewFlagged lists outputs that passed the quality gate with a
	// requires-review flag.
	ReviewFlagged       []string           `json:"review_flagged,omitempty" yaml:"review_flagged,omitempty"`
}

// Artifact field names used by acceptance criteria.
const (
	FieldPriorityScore     = "priorityScore"
	FieldWorkflowType      = "workflowType"
	FieldIssueSummary      = "issueSummary"
	FieldResearchBrief     = "researchBrief"
	FieldResearchSources   = "researchSources"
	FieldAgentOpinions     = "agentOpinions"
	FieldConsensusScore    = "consensusScore"
	FieldDecisionPacket    = "decisionPacket"
	FieldReviewVerdict     = "reviewVerdict"
	FieldConsensusItemID   = "consensusItemId"
	FieldRegistryID        = "registryId"
	FieldLockReason        = "lockReason"
	FieldRequiredApprovals = "requiredApprovals"
	FieldKPIResults        = "kpiResults"
)

// HasField reports whether the named context field is present and non-null.
// Unknown field names are never present.
func (c *WorkflowContext) HasField(name string) bool {
	a := &c.Artifacts
	switch name {
	case FieldPriorityScore:
		return a.PriorityScore != nil
	case FieldWorkflowType:
		return c.WorkflowType != ""
	case FieldIssueSummary:
		return a.IssueSummary != ""
	case FieldResearchBrief:
		return a.ResearchBrief != ""
	case FieldResearchSources:
		return len(a.ResearchSources) > 0
	case FieldAgentOpinions:
		return len(a.AgentOpinions) > 0
	case FieldConsensusScore:
		return a.ConsensusScore != nil
	case FieldDecisionPacket:
		return a.DecisionPacket != nil
	case FieldReviewVerdict:
		return a.ReviewVerdict != nil
	case FieldConsensusItemID:
		return a.ConsensusItemID != ""
	case FieldRegistryID:
		return a.RegistryID != ""
	case FieldLockReason:
		return a.LockReason != ""
	case FieldRequiredApprovals:
		return len(a.RequiredApprovals) > 0
	case FieldKPIResults:
		return len(a.KPIResults) > 0
	default:
		return false
	}
}

// HasApproval reports whether approver has already granted execution approval.
func (a *Artifacts) HasApproval(approver string) bool {
	for _, g := range a.GrantedApprovals {
		if g.Approver == approver {
			return true
		}
	}
	return false
}

// AllApprovalsGranted reports whether every required approver has signed off.
func (a *Artifacts) AllApprovalsGranted() bool {
	if len(a.RequiredApprovals) == 0 {
		return false
	}
	for _, r := range a.RequiredApprovals {
		if !a.HasApproval(r) {
			return false
		}
	}
	return true
}
