package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/workflow"
)

func TestConsensusScore(t *testing.T) {
	tests := []struct {
		name string
		ops  []model.AgentOpinion
		want float64
	}{
		{"all support", []model.AgentOpinion{{Stance: model.StanceSupport, Confidence: 0.5}}, 100},
		{"split by confidence", []model.AgentOpinion{
			{Stance: model.StanceSupport, Confidence: 0.9},
			{Stance: model.StanceOppose, Confidence: 0.3},
		}, 75},
		{"abstentions ignored", []model.AgentOpinion{
			{Stance: model.StanceSupport, Confidence: 0.6},
			{Stance: model.StanceOppose, Confidence: 0.6},
			{Stance: model.StanceAbstain, Confidence: 1},
		}, 50},
		{"nothing to weigh", []model.AgentOpinion{{Stance: model.StanceAbstain, Confidence: 1}}, 50},
		{"empty", nil, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ConsensusScore(tt.ops), 0.0001)
		})
	}
}

func TestDeliverablesFor(t *testing.T) {
	assert.Len(t, DeliverablesFor(model.StateDeliberation, nil), 3)
	for _, s := range []model.WorkflowState{model.StateCompleted, model.StateRejected, model.StateArchived} {
		assert.Empty(t, DeliverablesFor(s, nil), s)
	}

	publish := DeliverablesFor(model.StatePublish, []string{"es", "de"})
	require.Len(t, publish, 4)
	human := 0
	for _, d := range publish {
		if d.Human() {
			human++
			assert.Equal(t, TaskPublicationReview, d.Type)
		}
	}
	assert.Equal(t, 1, human)

	lock := DeliverablesFor(model.StateExecLocked, nil)
	require.Len(t, lock, 1)
	assert.True(t, lock[0].Human())

	for _, s := range model.AllStates {
		for _, d := range DeliverablesFor(s, []string{"es"}) {
			if d.Human() {
				continue
			}
			_, ok := replyShapes[d.Type]
			assert.True(t, ok, "no reply shape for %s", d.Type)
		}
	}
}

func machineIn(t *testing.T, s model.WorkflowState) *workflow.StateMachine {
	t.Helper()
	sm := workflow.New("wf_1772355600_0000abcd", model.Issue{Title: "Hours"}, workflow.Options{
		Now: func() time.Time { return t0 },
	})
	if s != model.StateIntake {
		_, err := sm.ForceTransition(s, "test", "test")
		require.NoError(t, err)
	}
	return sm
}

func TestApplyOutput_RejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		taskType string
		state    model.WorkflowState
		content  string
	}{
		{TaskCalculatePriority, model.StateIntake, `no json here`},
		{TaskCalculatePriority, model.StateIntake, `{"total": -5}`},
		{TaskSelectWorkflow, model.StateIntake, `{"workflow_type": "Z"}`},
		{TaskSummarizeIssue, model.StateTriage, `{"summary": "  "}`},
		{TaskResearchBrief, model.StateResearch, `{"brief": "b", "sources": [{"url": "https://x"}]}`},
		{TaskAgentOpinion, model.StateDeliberation, `{"stance": "maybe", "confidence": 0.5}`},
		{TaskDraftPacket, model.StateDecisionPacket, `{"title": "t", "options": [{}, {}, {}], "risk_level": "EXTREME"}`},
		{TaskDraftPacket, model.StateDecisionPacket, `{"title": "t", "options": [{}, {}], "risk_level": "LOW"}`},
		{TaskReviewPacket, model.StateReview, `{"verdict": "shrug"}`},
		{TaskRedTeamCritique, model.StateReview, `{"critique": ""}`},
		{TaskRegisterDocument, model.StatePublish, `{"registry_id": ""}`},
		{TaskVerifyOutcome, model.StateOutcomeProof, `{"kpis": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.taskType+"/"+tt.content, func(t *testing.T) {
			sm := machineIn(t, tt.state)
			before := sm.Context()
			err := applyOutput(sm, model.OrchestratorTask{Type: tt.taskType, State: tt.state},
				&model.SpecialistOutput{ID: "out_1", Content: tt.content})
			assert.ErrorIs(t, err, ErrMalformedPayload)
			assert.Equal(t, before, sm.Context(), "context untouched")
		})
	}
}

func TestApplyOutput_OpinionsComputeScoreOnceComplete(t *testing.T) {
	sm := machineIn(t, model.StateDeliberation)
	apply := func(role model.SpecialistRole, perspective, content string) {
		t.Helper()
		require.NoError(t, applyOutput(sm, model.OrchestratorTask{
			Type: TaskAgentOpinion, State: model.StateDeliberation, Role: role, Perspective: perspective,
		}, &model.SpecialistOutput{ID: "out_" + perspective, Content: content}))
	}

	apply(model.RoleAnalyst, PerspectiveEconomic, `{"stance": "support", "confidence": 0.9, "rationale": "cheap"}`)
	apply(model.RoleAnalyst, PerspectiveTechnical, "```json\n{\"stance\": \"Oppose\", \"confidence\": 0.3,}\n```")
	assert.Nil(t, sm.Context().Artifacts.ConsensusScore, "incomplete deliberation has no score")

	// A retried perspective replaces its earlier opinion.
	apply(model.RoleAnalyst, PerspectiveTechnical, `{"stance": "oppose", "confidence": 7}`)
	apply(model.RoleRedTeam, PerspectiveAdversarial, `{"stance": "abstain", "confidence": 0.4}`)

	a := sm.Context().Artifacts
	require.Len(t, a.AgentOpinions, 3)
	assert.Equal(t, 1.0, a.AgentOpinions[1].Confidence, "confidence is clamped")
	require.NotNil(t, a.ConsensusScore)
	assert.InDelta(t, 100*0.9/1.9, *a.ConsensusScore, 0.0001)
	assert.Len(t, a.SpecialistOutputs, 4)
}

func TestApplyOutput_NewPacketRevisionClearsReview(t *testing.T) {
	sm := machineIn(t, model.StateDecisionPacket)
	require.NoError(t, sm.Update(func(a *model.Artifacts) error {
		a.DecisionPacket = &model.DecisionPacket{Title: "old", Revision: 1}
		a.ReviewVerdict = &model.ReviewVerdict{Verdict: model.VerdictRevise}
		a.RedTeamCritique = "weak"
		return nil
	}))
	err := applyOutput(sm, model.OrchestratorTask{Type: TaskDraftPacket, State: model.StateDecisionPacket},
		&model.SpecialistOutput{ID: "out_2", ContentHash: "abc", Content: midPacket})
	require.NoError(t, err)

	a := sm.Context().Artifacts
	assert.Equal(t, 2, a.DecisionPacket.Revision)
	assert.Equal(t, "abc", a.DecisionPacket.ContentHash)
	assert.Equal(t, model.RiskMid, a.DecisionPacket.RiskLevel)
	assert.Nil(t, a.ReviewVerdict)
	assert.Empty(t, a.RedTeamCritique)
}

func TestApplyOutput_TranslationKeyedByPerspective(t *testing.T) {
	sm := machineIn(t, model.StatePublish)
	err := applyOutput(sm, model.OrchestratorTask{Type: TaskTranslateSummary, State: model.StatePublish, Perspective: "es"},
		&model.SpecialistOutput{ID: "out_3", Content: `{"language": "Spanish", "text": "Horario ampliado"}`})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"es": "Horario ampliado"}, sm.Context().Artifacts.Translations)
}

func TestApplyOutput_UnknownTaskType(t *testing.T) {
	sm := machineIn(t, model.StateIntake)
	err := applyOutput(sm, model.OrchestratorTask{Type: "dance"}, &model.SpecialistOutput{Content: `{}`})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
}
