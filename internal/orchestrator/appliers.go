package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/govflow/internal/llm"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/workflow"
)

// ErrMalformedPayload means a specialist reply passed the quality gate but
// does not carry what its task type needs.
var ErrMalformedPayload = errors.New("malformed specialist payload")

const minPacketOptions = 3

type priorityPayload struct {
	Total     *float64 `json:"total"`
	Urgency   float64  `json:"urgency"`
	Impact    float64  `json:"impact"`
	Reach     float64  `json:"reach"`
	Rationale string   `json:"rationale"`
}

type workflowTypePayload struct {
	WorkflowType model.WorkflowType `json:"workflow_type"`
	Rationale    string             `json:"rationale"`
}

type summaryPayload struct {
	Summary string `json:"summary"`
}

type researchPayload struct {
	Brief   string         `json:"brief"`
	Sources []model.Source `json:"sources"`
}

type opinionPayload struct {
	Stance     model.Stance `json:"stance"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale"`
}

type packetPayload struct {
	Title             string                 `json:"title"`
	Summary           string                 `json:"summary"`
	Options           []model.DecisionOption `json:"options"`
	Recommendation    string                 `json:"recommendation"`
	RiskLevel         model.RiskLevel        `json:"risk_level"`
	RequiresExecution bool                   `json:"requires_execution"`
	RequiredApprovals []string               `json:"required_approvals"`
}

type critiquePayload struct {
	Critique string `json:"critique"`
}

type registryPayload struct {
	RegistryID string `json:"registry_id"`
}

type translationPayload struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

type outcomePayload struct {
	KPIs             []model.KPIResult  `json:"kpis"`
	TrustScoreDeltas map[string]float64 `json:"trust_score_deltas"`
}

func malformed(taskType string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, taskType, fmt.Sprintf(format, args...))
}

func decode(task model.OrchestratorTask, content string, v any) error {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return malformed(task.Type, "no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return malformed(task.Type, "%v", err)
	}
	return nil
}

// applyOutput folds one accepted specialist output into the workflow
// context. A payload that cannot be applied leaves the context unchanged.
func applyOutput(sm *workflow.StateMachine, task model.OrchestratorTask, out *model.SpecialistOutput) error {
	if task.Type == TaskSelectWorkflow {
		var p workflowTypePayload
		if err := decode(task, out.Content, &p); err != nil {
			return err
		}
		p.WorkflowType = model.WorkflowType(strings.ToUpper(string(p.WorkflowType)))
		if !p.WorkflowType.Valid() {
			return malformed(task.Type, "unknown workflow type %q", p.WorkflowType)
		}
		if err := sm.SetWorkflowType(p.WorkflowType); err != nil {
			return err
		}
		return sm.Update(func(a *model.Artifacts) error {
			recordOutput(a, out)
			return nil
		})
	}

	apply, err := applierFor(task, out)
	if err != nil {
		return err
	}
	return sm.Update(func(a *model.Artifacts) error {
		if err := apply(a); err != nil {
			return err
		}
		recordOutput(a, out)
		return nil
	})
}

func recordOutput(a *model.Artifacts, out *model.SpecialistOutput) {
	a.SpecialistOutputs = append(a.SpecialistOutputs, out.ID)
	if out.RequiresReview {
		a.ReviewFlagged = append(a.ReviewFlagged, out.ID)
	}
}

// applierFor decodes out for task and returns the artifact mutation.
func applierFor(task model.OrchestratorTask, out *model.SpecialistOutput) (func(*model.Artifacts) error, error) {
	switch task.Type {
	case TaskCalculatePriority:
		var p priorityPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		total := p.Urgency + p.Impact + p.Reach
		if p.Total != nil {
			total = *p.Total
		}
		if total < 0 {
			return nil, malformed(task.Type, "negative priority %v", total)
		}
		return func(a *model.Artifacts) error {
			a.PriorityScore = &model.PriorityScore{
				Total: total, Urgency: p.Urgency, Impact: p.Impact, Reach: p.Reach, Rationale: p.Rationale,
			}
			return nil
		}, nil

	case TaskSummarizeIssue:
		var p summaryPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Summary) == "" {
			return nil, malformed(task.Type, "empty summary")
		}
		return func(a *model.Artifacts) error {
			a.IssueSummary = p.Summary
			return nil
		}, nil

	case TaskResearchBrief:
		var p researchPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Brief) == "" {
			return nil, malformed(task.Type, "empty brief")
		}
		var sources []model.Source
		for _, s := range p.Sources {
			if strings.TrimSpace(s.Title) != "" {
				sources = append(sources, s)
			}
		}
		if len(sources) == 0 {
			return nil, malformed(task.Type, "no titled sources")
		}
		return func(a *model.Artifacts) error {
			a.ResearchBrief = p.Brief
			a.ResearchSources = sources
			return nil
		}, nil

	case TaskAgentOpinion:
		var p opinionPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		p.Stance = model.Stance(strings.ToLower(string(p.Stance)))
		switch p.Stance {
		case model.StanceSupport, model.StanceOppose, model.StanceAbstain:
		default:
			return nil, malformed(task.Type, "unknown stance %q", p.Stance)
		}
		op := model.AgentOpinion{
			Agent:       string(task.Role),
			Perspective: task.Perspective,
			Stance:      p.Stance,
			Confidence:  clamp01(p.Confidence),
			Rationale:   p.Rationale,
		}
		return func(a *model.Artifacts) error {
			a.AgentOpinions = upsertOpinion(a.AgentOpinions, op)
			if hasAllPerspectives(a.AgentOpinions) {
				score := ConsensusScore(a.AgentOpinions)
				a.ConsensusScore = &score
			}
			return nil
		}, nil

	case TaskDraftPacket:
		var p packetPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Title) == "" {
			return nil, malformed(task.Type, "packet has no title")
		}
		if len(p.Options) < minPacketOptions {
			return nil, malformed(task.Type, "packet has %d options, need at least %d", len(p.Options), minPacketOptions)
		}
		p.RiskLevel = model.RiskLevel(strings.ToUpper(string(p.RiskLevel)))
		if !p.RiskLevel.Valid() {
			return nil, malformed(task.Type, "unknown risk level %q", p.RiskLevel)
		}
		for i := range p.Options {
			if p.Options[i].ID == "" {
				p.Options[i].ID = fmt.Sprintf("opt-%d", i+1)
			}
		}
		return func(a *model.Artifacts) error {
			rev := 1
			if a.DecisionPacket != nil {
				rev = a.DecisionPacket.Revision + 1
			}
			a.DecisionPacket = &model.DecisionPacket{
				Title:             p.Title,
				Summary:           p.Summary,
				Options:           p.Options,
				Recommendation:    p.Recommendation,
				RiskLevel:         p.RiskLevel,
				RequiresExecution: p.RequiresExecution,
				RequiredApprovals: p.RequiredApprovals,
				ContentHash:       out.ContentHash,
				Revision:          rev,
			}
			// A new revision needs a fresh review.
			a.ReviewVerdict = nil
			a.RedTeamCritique = ""
			return nil
		}, nil

	case TaskReviewPacket:
		var p model.ReviewVerdict
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		p.Verdict = model.Verdict(strings.ToLower(string(p.Verdict)))
		if !p.Verdict.Valid() {
			return nil, malformed(task.Type, "unknown verdict %q", p.Verdict)
		}
		return func(a *model.Artifacts) error {
			a.ReviewVerdict = &p
			return nil
		}, nil

	case TaskRedTeamCritique:
		var p critiquePayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Critique) == "" {
			return nil, malformed(task.Type, "empty critique")
		}
		return func(a *model.Artifacts) error {
			a.RedTeamCritique = p.Critique
			return nil
		}, nil

	case TaskRegisterDocument:
		var p registryPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RegistryID) == "" {
			return nil, malformed(task.Type, "empty registry id")
		}
		return func(a *model.Artifacts) error {
			a.RegistryID = p.RegistryID
			return nil
		}, nil

	case TaskTranslateSummary:
		var p translationPayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		lang := task.Perspective
		if lang == "" {
			lang = p.Language
		}
		if lang == "" || strings.TrimSpace(p.Text) == "" {
			return nil, malformed(task.Type, "translation needs a language and text")
		}
		return func(a *model.Artifacts) error {
			if a.Translations == nil {
				a.Translations = map[string]string{}
			}
			a.Translations[lang] = p.Text
			return nil
		}, nil

	case TaskVerifyOutcome:
		var p outcomePayload
		if err := decode(task, out.Content, &p); err != nil {
			return nil, err
		}
		if len(p.KPIs) == 0 {
			return nil, malformed(task.Type, "no KPI results")
		}
		return func(a *model.Artifacts) error {
			a.KPIResults = p.KPIs
			a.TrustScoreDeltas = p.TrustScoreDeltas
			return nil
		}, nil
	}
	return nil, fmt.Errorf("no applier for task type %q", task.Type)
}

// ConsensusScore weighs supporting against opposing opinions by confidence
// on a 0 to 100 scale. Abstentions are ignored; with nothing to weigh the
// score is 50.
func ConsensusScore(opinions []model.AgentOpinion) float64 {
	var support, total float64
	for _, o := range opinions {
		switch o.Stance {
		case model.StanceSupport:
			support += o.Confidence
			total += o.Confidence
		case model.StanceOppose:
			total += o.Confidence
		}
	}
	if total == 0 {
		return 50
	}
	return 100 * support / total
}

func upsertOpinion(ops []model.AgentOpinion, op model.AgentOpinion) []model.AgentOpinion {
	for i := range ops {
		if ops[i].Perspective == op.Perspective {
			ops[i] = op
			return ops
		}
	}
	return append(ops, op)
}

func hasAllPerspectives(ops []model.AgentOpinion) bool {
	for _, d := range DeliverablesFor(model.StateDeliberation, nil) {
		found := false
		for _, o := range ops {
			if o.Perspective == d.Perspective {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
