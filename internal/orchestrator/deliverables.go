package orchestrator

import (
	"github.com/msageha/govflow/internal/model"
)

// Task types produced by the stages.
const (
	TaskCalculatePriority = "calculate_priority"
	TaskSelectWorkflow    = "select_workflow"
	TaskSummarizeIssue    = "summarize_issue"
	TaskResearchBrief     = "research_brief"
	TaskAgentOpinion      = "agent_opinion"
	TaskDraftPacket       = "draft_decision_packet"
	TaskReviewPacket      = "review_packet"
	TaskRedTeamCritique   = "red_team_critique"
	TaskRegisterDocument  = "register_document"
	TaskTranslateSummary  = "translate_summary"
	TaskPublicationReview = "publication_review"
	TaskExecApproval      = "execution_approval"
	TaskVerifyOutcome     = "verify_outcome"
)

// Deliberation perspectives. Each yields one agent opinion.
const (
	PerspectiveEconomic    = "economic"
	PerspectiveTechnical   = "technical"
	PerspectiveAdversarial = "adversarial"
)

// Deliverable is one task a state needs before it can be left. A deliverable
// without a role is resolved by a human through an operator command.
type Deliverable struct {
	Type        string
	Role        model.SpecialistRole
	Perspective string
	Description string
}

func (d Deliverable) Human() bool { return d.Role == "" }

// DeliverablesFor lists the tasks that state needs. languages drives the
// translation fan-out at publication.
func DeliverablesFor(state model.WorkflowState, languages []string) []Deliverable {
	switch state {
	case model.StateIntake:
		return []Deliverable{
			{Type: TaskCalculatePriority, Role: model.RoleAnalyst,
				Description: "Score urgency, impact and reach of the issue."},
			{Type: TaskSelectWorkflow, Role: model.RoleAnalyst,
				Description: "Choose the governance playbook (A to E) for the issue."},
		}
	case model.StateTriage:
		return []Deliverable{
			{Type: TaskSummarizeIssue, Role: model.RoleSummarizer,
				Description: "Summarise the issue in plain language."},
		}
	case model.StateResearch:
		return []Deliverable{
			{Type: TaskResearchBrief, Role: model.RoleResearcher,
				Description: "Write a research brief with cited sources."},
		}
	case model.StateDeliberation:
		return []Deliverable{
			{Type: TaskAgentOpinion, Role: model.RoleAnalyst, Perspective: PerspectiveEconomic,
				Description: "Give a stance on the issue from an economic perspective."},
			{Type: TaskAgentOpinion, Role: model.RoleAnalyst, Perspective: PerspectiveTechnical,
				Description: "Give a stance on the issue from a technical perspective."},
			{Type: TaskAgentOpinion, Role: model.RoleRedTeam, Perspective: PerspectiveAdversarial,
				Description: "Argue the strongest case against acting on the issue."},
		}
	case model.StateDecisionPacket:
		return []Deliverable{
			{Type: TaskDraftPacket, Role: model.RoleDrafter,
				Description: "Draft a decision packet with at least three options."},
		}
	case model.StateReview:
		return []Deliverable{
			{Type: TaskReviewPacket, Role: model.RoleReviewer,
				Description: "Review the decision packet and return a verdict."},
			{Type: TaskRedTeamCritique, Role: model.RoleRedTeam,
				Description: "Critique the decision packet adversarially."},
		}
	case model.StatePublish:
		out := []Deliverable{
			{Type: TaskRegisterDocument, Role: model.RoleArchivist,
				Description: "Register the decision packet in the document registry."},
			{Type: TaskPublicationReview,
				Description: "Wait for passive consensus on the published packet."},
		}
		for _, lang := range languages {
			out = append(out, Deliverable{Type: TaskTranslateSummary, Role: model.RoleTranslator, Perspective: lang,
				Description: "Translate the packet summary into " + lang + "."})
		}
		return out
	case model.StateExecLocked:
		return []Deliverable{
			{Type: TaskExecApproval,
				Description: "Collect every required execution approval."},
		}
	case model.StateOutcomeProof:
		return []Deliverable{
			{Type: TaskVerifyOutcome, Role: model.RoleAnalyst,
				Description: "Measure the outcome against the packet's KPIs."},
		}
	}
	return nil
}
