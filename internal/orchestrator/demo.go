package orchestrator

import (
	"github.com/msageha/govflow/internal/llm"
)

// DemoReplies are canned specialist replies that carry a workflow from
// intake to publication. They back the "scripted" provider used for demos
// and dry runs.
var DemoReplies = map[string]string{
	TaskCalculatePriority: `{"total": 72, "urgency": 30, "impact": 25, "reach": 17, "rationale": "Affects a single district but the deadline is close."}`,
	TaskSelectWorkflow:    `{"workflow_type": "B", "rationale": "Budget reallocation within an approved programme."}`,
	TaskSummarizeIssue:    `{"summary": "Residents ask the council to extend public library opening hours on weekday evenings."}`,
	TaskResearchBrief: `{"brief": "Evening opening trials in three comparable districts raised visits by a fifth at a modest staffing cost.",` +
		` "sources": [{"title": "District library usage report 2025", "url": "https://example.org/library-usage"}]}`,
	TaskAgentOpinion:    `{"stance": "support", "confidence": 0.8, "rationale": "Costs are small relative to the expected benefit."}`,
	TaskDraftPacket: `{"title": "Extend weekday library hours", "summary": "Open the central library until 21:00 on weekdays.",` +
		` "options": [{"title": "Extend all weekdays"}, {"title": "Extend two weekdays as a pilot"}, {"title": "Keep current hours"}],` +
		` "recommendation": "Extend two weekdays as a pilot", "risk_level": "LOW", "requires_execution": false}`,
	TaskReviewPacket:     `{"verdict": "approve", "notes": "Options are balanced and costed."}`,
	TaskRedTeamCritique:  `{"critique": "Staffing assumptions rely on volunteers who may not be available."}`,
	TaskRegisterDocument: `{"registry_id": "REG-DEMO-0001"}`,
	TaskTranslateSummary: `{"language": "", "text": "Translated summary of the library hours decision."}`,
	TaskVerifyOutcome:    `{"kpis": [{"name": "evening_visits", "target": 200, "actual": 240, "met": true}], "trust_score_deltas": {"drafter": 0.05}}`,
}

// ScriptDemo loads DemoReplies into p.
func ScriptDemo(p *llm.ScriptedProvider) *llm.ScriptedProvider {
	for taskType, content := range DemoReplies {
		p.OnContent(taskType, content)
	}
	return p
}
