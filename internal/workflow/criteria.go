package workflow

import (
	"errors"
	"fmt"

	"github.com/msageha/govflow/internal/model"
)

const (
	minAgentOpinions   = 3
	minDecisionOptions = 3
)

// Criteria is what a context must satisfy before it may leave a state.
type Criteria struct {
	Required []string
	Check    func(*model.WorkflowContext) error
}

// adjacency is the fixed transition table. ARCHIVED has no outgoing edges.
var adjacency = map[model.WorkflowState][]model.WorkflowState{
	model.StateIntake:         {model.StateTriage},
	model.StateTriage:         {model.StateResearch, model.StateDeliberation},
	model.StateResearch:       {model.StateDeliberation},
	model.StateDeliberation:   {model.StateDecisionPacket, model.StateRejected},
	model.StateDecisionPacket: {model.StateReview, model.StatePublish},
	model.StateReview:         {model.StatePublish, model.StateDecisionPacket, model.StateRejected},
	model.StatePublish:        {model.StateExecLocked, model.StateCompleted},
	model.StateExecLocked:     {model.StateOutcomeProof, model.StateRejected},
	model.StateOutcomeProof:   {model.StateCompleted},
	model.StateCompleted:      {model.StateArchived},
	model.StateRejected:       {model.StateArchived},
	model.StateArchived:       nil,
}

// Adjacent reports whether to is reachable from from in one step.
func Adjacent(from, to model.WorkflowState) bool {
	for _, s := range adjacency[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the states reachable from s in one step.
func Targets(s model.WorkflowState) []model.WorkflowState {
	out := make([]model.WorkflowState, len(adjacency[s]))
	copy(out, adjacency[s])
	return out
}

// CriteriaFor returns the acceptance criteria for leaving s.
func CriteriaFor(s model.WorkflowState) Criteria {
	switch s {
	case model.StateIntake:
		return Criteria{Required: []string{model.FieldPriorityScore, model.FieldWorkflowType}}
	case model.StateTriage:
		return Criteria{Required: []string{model.FieldPriorityScore, model.FieldIssueSummary}}
	case model.StateResearch:
		return Criteria{
			Required: []string{model.FieldResearchBrief, model.FieldResearchSources},
			Check: func(c *model.WorkflowContext) error {
				if len(c.Artifacts.ResearchSources) < 1 {
					return errors.New("research requires at least one source")
				}
				return nil
			},
		}
	case model.StateDeliberation:
		return Criteria{
			Required: []string{model.FieldAgentOpinions, model.FieldConsensusScore},
			Check: func(c *model.WorkflowContext) error {
				if n := len(c.Artifacts.AgentOpinions); n < minAgentOpinions {
					return fmt.Errorf("deliberation requires at least %d agent opinions, have %d", minAgentOpinions, n)
				}
				return nil
			},
		}
	case model.StateDecisionPacket:
		return Criteria{
			Required: []string{model.FieldDecisionPacket},
			Check: func(c *model.WorkflowContext) error {
				p := c.Artifacts.DecisionPacket
				if n := len(p.Options); n < minDecisionOptions {
					return fmt.Errorf("decision packet requires at least %d options, have %d", minDecisionOptions, n)
				}
				if p.ContentHash == "" {
					return errors.New("decision packet has no content hash")
				}
				return nil
			},
		}
	case model.StateReview:
		return Criteria{
			Required: []string{model.FieldReviewVerdict},
			Check: func(c *model.WorkflowContext) error {
				if v := c.Artifacts.ReviewVerdict.Verdict; !v.Valid() {
					return fmt.Errorf("unknown review verdict %q", v)
				}
				return nil
			},
		}
	case model.StatePublish:
		return Criteria{
			Required: []string{model.FieldRegistryID, model.FieldConsensusItemID},
			Check: func(c *model.WorkflowContext) error {
				if !c.Artifacts.PublicationApproved {
					return errors.New("publication has not been approved by consensus")
				}
				return nil
			},
		}
	case model.StateExecLocked:
		return Criteria{
			Required: []string{model.FieldLockReason, model.FieldRequiredApprovals},
			Check: func(c *model.WorkflowContext) error {
				for _, a := range c.Artifacts.RequiredApprovals {
					if a != "" {
						return nil
					}
				}
				return errors.New("execution lock requires at least one named approval")
			},
		}
	case model.StateOutcomeProof:
		return Criteria{
			Required: []string{model.FieldKPIResults},
			Check: func(c *model.WorkflowContext) error {
				if len(c.Artifacts.KPIResults) < 1 {
					return errors.New("outcome proof requires at least one KPI result")
				}
				return nil
			},
		}
	case model.StateCompleted, model.StateRejected, model.StateArchived:
		return Criteria{}
	default:
		panic(fmt.Sprintf("workflow: no acceptance criteria for state %q", s))
	}
}

// CheckCriteria evaluates the criteria of c's current state against c.
func CheckCriteria(c *model.WorkflowContext) error {
	crit := CriteriaFor(c.CurrentState)
	var missing []string
	for _, f := range crit.Required {
		if !c.HasField(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &CriteriaUnmetError{State: c.CurrentState, Missing: missing}
	}
	if crit.Check != nil {
		if err := crit.Check(c); err != nil {
			return &CriteriaUnmetError{State: c.CurrentState, Failed: err}
		}
	}
	return nil
}
