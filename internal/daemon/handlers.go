package daemon

import (
	"context"
	"errors"
	"strings"

	"github.com/msageha/govflow/internal/consensus"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/orchestrator"
	"github.com/msageha/govflow/internal/storage"
	"github.com/msageha/govflow/internal/todo"
	"github.com/msageha/govflow/internal/uds"
	"github.com/msageha/govflow/internal/workflow"
)

// operatorActor is recorded when a request names no actor.
const operatorActor = "operator"

var errMissingField = errors.New("missing required field")

func (d *Daemon) registerHandlers() {
	e := d.engine
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info("shutdown requested via socket")
		d.stop()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdSubmit, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.SubmitParams
		if err := req.DecodeParams(&p); err != nil {
			return invalid(err)
		}
		if strings.TrimSpace(p.Title) == "" {
			return invalid(errors.New("title is required"))
		}
		wf, err := e.Orchestrator.StartWorkflow(ctx, model.Issue{
			Title:  strings.TrimSpace(p.Title),
			Body:   p.Body,
			Source: p.Source,
			Labels: p.Labels,
		})
		return reply(wf, err)
	})

	d.server.Handle(uds.CmdStatus, workflowHandler(func(ctx context.Context, p uds.WorkflowParams) (any, error) {
		return e.Orchestrator.Snapshot(ctx, p.WorkflowID)
	}))

	d.server.Handle(uds.CmdList, func(ctx context.Context, _ *uds.Request) *uds.Response {
		wfs, err := e.Orchestrator.List(ctx)
		if err != nil {
			return failure(err)
		}
		snaps := make([]*orchestrator.Snapshot, 0, len(wfs))
		for _, wf := range wfs {
			s, err := e.Orchestrator.Snapshot(ctx, wf.IssueID)
			if err != nil {
				return failure(err)
			}
			snaps = append(snaps, s)
		}
		return uds.SuccessResponse(snaps)
	})

	d.server.Handle(uds.CmdConsensusList, func(ctx context.Context, _ *uds.Request) *uds.Response {
		items, err := e.Consensus.List(ctx)
		return reply(items, err)
	})
	d.server.Handle(uds.CmdConsensusApprove, consensusHandler(func(ctx context.Context, p uds.ConsensusParams) (any, error) {
		return e.Consensus.Approve(ctx, p.ItemID, p.Actor)
	}))
	d.server.Handle(uds.CmdConsensusVeto, consensusHandler(func(ctx context.Context, p uds.ConsensusParams) (any, error) {
		return e.Consensus.Veto(ctx, p.ItemID, p.Actor, p.Reason)
	}))
	d.server.Handle(uds.CmdConsensusEscalate, consensusHandler(func(ctx context.Context, p uds.ConsensusParams) (any, error) {
		return e.Consensus.Escalate(ctx, p.ItemID, p.Actor, p.Reason)
	}))

	d.server.Handle(uds.CmdUnblock, workflowHandler(func(ctx context.Context, p uds.WorkflowParams) (any, error) {
		return e.Orchestrator.Unblock(ctx, p.WorkflowID, p.Actor)
	}))
	d.server.Handle(uds.CmdApproveExec, workflowHandler(func(ctx context.Context, p uds.WorkflowParams) (any, error) {
		return e.Orchestrator.GrantApproval(ctx, p.WorkflowID, p.Actor)
	}))
	d.server.Handle(uds.CmdRejectExec, workflowHandler(func(ctx context.Context, p uds.WorkflowParams) (any, error) {
		return e.Orchestrator.RejectExecution(ctx, p.WorkflowID, p.Actor, p.Reason)
	}))
	d.server.Handle(uds.CmdArchive, workflowHandler(func(ctx context.Context, p uds.WorkflowParams) (any, error) {
		return e.Orchestrator.Archive(ctx, p.WorkflowID, p.Actor)
	}))

	d.server.Handle(uds.CmdForce, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.ForceParams
		if err := req.DecodeParams(&p); err != nil {
			return invalid(err)
		}
		if p.WorkflowID == "" || p.Target == "" {
			return invalid(errMissingField)
		}
		if p.Actor == "" {
			p.Actor = operatorActor
		}
		wf, err := e.Orchestrator.ForceTransition(ctx, p.WorkflowID, model.WorkflowState(strings.ToUpper(p.Target)), p.Reason, p.Actor)
		return reply(wf, err)
	})

	d.server.Handle(uds.CmdCancelTask, func(_ context.Context, req *uds.Request) *uds.Response {
		var p uds.CancelParams
		if err := req.DecodeParams(&p); err != nil {
			return invalid(err)
		}
		if !e.Orchestrator.CancelTask(p.TaskID) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, "task "+p.TaskID+" is not running")
		}
		return uds.SuccessResponse(map[string]string{"status": "cancelled"})
	})

	d.server.Handle(uds.CmdRecover, func(ctx context.Context, _ *uds.Request) *uds.Response {
		report, err := e.Orchestrator.Recover(ctx)
		return reply(report, err)
	})
}

func workflowHandler(fn func(context.Context, uds.WorkflowParams) (any, error)) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.WorkflowParams
		if err := req.DecodeParams(&p); err != nil {
			return invalid(err)
		}
		if p.WorkflowID == "" {
			return invalid(errMissingField)
		}
		if p.Actor == "" {
			p.Actor = operatorActor
		}
		return reply(fn(ctx, p))
	}
}

func consensusHandler(fn func(context.Context, uds.ConsensusParams) (any, error)) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.ConsensusParams
		if err := req.DecodeParams(&p); err != nil {
			return invalid(err)
		}
		if p.ItemID == "" || p.Actor == "" {
			return invalid(errMissingField)
		}
		return reply(fn(ctx, p))
	}
}

func reply(data any, err error) *uds.Response {
	if err != nil {
		return failure(err)
	}
	return uds.SuccessResponse(data)
}

func invalid(err error) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
}

// failure maps engine errors onto protocol error codes.
func failure(err error) *uds.Response {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, todo.ErrTaskNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrWrongState),
		errors.Is(err, workflow.ErrIllegalTransition),
		errors.Is(err, workflow.ErrCriteriaUnmet),
		errors.Is(err, workflow.ErrTerminalState),
		errors.Is(err, todo.ErrTodoBlocked),
		errors.Is(err, todo.ErrTaskState):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownApprover), errors.Is(err, consensus.ErrInvalidRisk):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
