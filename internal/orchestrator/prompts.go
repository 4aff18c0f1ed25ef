package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/msageha/govflow/internal/model"
)

// replyShapes documents the JSON object each task type must return.
var replyShapes = map[string]string{
	TaskCalculatePriority: `{"total": 0-300, "urgency": 0-100, "impact": 0-100, "reach": 0-100, "rationale": "..."}`,
	TaskSelectWorkflow:    `{"workflow_type": "A|B|C|D|E", "rationale": "..."}`,
	TaskSummarizeIssue:    `{"summary": "..."}`,
	TaskResearchBrief:     `{"brief": "...", "sources": [{"title": "...", "url": "...", "note": "..."}]}`,
	TaskAgentOpinion:      `{"stance": "support|oppose|abstain", "confidence": 0.0-1.0, "rationale": "..."}`,
	TaskDraftPacket: `{"title": "...", "summary": "...", "options": [{"id": "...", "title": "...", "description": "..."}],` +
		` "recommendation": "...", "risk_level": "LOW|MID|HIGH", "requires_execution": false, "required_approvals": ["..."]}`,
	TaskReviewPacket:     `{"verdict": "approve|revise|reject", "notes": "..."}`,
	TaskRedTeamCritique:  `{"critique": "..."}`,
	TaskRegisterDocument: `{"registry_id": "..."}`,
	TaskTranslateSummary: `{"language": "...", "text": "..."}`,
	TaskVerifyOutcome:    `{"kpis": [{"name": "...", "target": 0, "actual": 0, "met": true}], "trust_score_deltas": {"...": 0.0}}`,
}

// specialistTask turns an orchestrator task into a generation request
// carrying the parts of the workflow context the role needs.
func specialistTask(wf *model.WorkflowContext, t model.OrchestratorTask) model.SpecialistTask {
	c := map[string]string{
		"issue_title": wf.Issue.Title,
		"issue_body":  wf.Issue.Body,
	}
	if wf.WorkflowType != "" {
		c["workflow_type"] = string(wf.WorkflowType)
	}
	if t.Perspective != "" {
		c["perspective"] = t.Perspective
	}
	a := &wf.Artifacts
	if a.IssueSummary != "" {
		c["issue_summary"] = a.IssueSummary
	}
	switch t.State {
	case model.StateDeliberation:
		if a.ResearchBrief != "" {
			c["research_brief"] = a.ResearchBrief
		}
	case model.StateDecisionPacket:
		if a.ResearchBrief != "" {
			c["research_brief"] = a.ResearchBrief
		}
		c["agent_opinions"] = opinionsText(a.AgentOpinions)
		if a.DecisionPacket != nil {
			c["previous_packet"] = mustJSON(a.DecisionPacket)
		}
		if a.ReviewVerdict != nil && a.ReviewVerdict.Notes != "" {
			c["review_notes"] = a.ReviewVerdict.Notes
		}
		if a.RedTeamCritique != "" {
			c["red_team_critique"] = a.RedTeamCritique
		}
	case model.StateReview, model.StatePublish, model.StateOutcomeProof:
		if a.DecisionPacket != nil {
			c["decision_packet"] = mustJSON(a.DecisionPacket)
		}
	}

	var b strings.Builder
	b.WriteString(t.Description)
	if shape, ok := replyShapes[t.Type]; ok {
		fmt.Fprintf(&b, "\nReply with one JSON object shaped like:\n%s", shape)
	}
	return model.SpecialistTask{
		ID:                 model.MustGenerateID(model.IDTypeSpecialistTask),
		Role:               t.Role,
		TaskType:           t.Type,
		Prompt:             b.String(),
		Context:            c,
		WorkflowID:         wf.IssueID,
		OrchestratorTaskID: t.ID,
	}
}

func opinionsText(ops []model.AgentOpinion) string {
	lines := make([]string, 0, len(ops))
	for _, o := range ops {
		lines = append(lines, fmt.Sprintf("%s (%s): %s %.2f - %s", o.Agent, o.Perspective, o.Stance, o.Confidence, o.Rationale))
	}
	return strings.Join(lines, "\n")
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
