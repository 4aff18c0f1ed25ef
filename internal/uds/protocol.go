// Package uds implements Unix Domain Socket based IPC between the CLI and daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// maxFrameSize bounds a single request or response.
const maxFrameSize = 10 * 1024 * 1024

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	// ErrCodeConflict means the target is not in a state that allows the command.
	ErrCodeConflict = "CONFLICT"
)

// Commands served by the daemon.
const (
	CmdPing              = "ping"
	CmdSubmit            = "submit"
	CmdStatus            = "status"
	CmdList              = "list"
	CmdConsensusList     = "consensus.list"
	CmdConsensusApprove  = "consensus.approve"
	CmdConsensusVeto     = "consensus.veto"
	CmdConsensusEscalate = "consensus.escalate"
	CmdUnblock           = "unblock"
	CmdApproveExec       = "exec.approve"
	CmdRejectExec        = "exec.reject"
	CmdArchive           = "archive"
	CmdForce             = "force"
	CmdCancelTask        = "task.cancel"
	CmdRecover           = "recover"
	CmdShutdown          = "shutdown"
)

type SubmitParams struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Source string   `json:"source,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// WorkflowParams addresses one workflow; Actor and Reason are optional per command.
type WorkflowParams struct {
	WorkflowID string `json:"workflow_id"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ConsensusParams struct {
	ItemID string `json:"item_id"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type ForceParams struct {
	WorkflowID string `json:"workflow_id"`
	Target     string `json:"target"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason"`
}

type CancelParams struct {
	TaskID string `json:"task_id"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		RequestID:       uuid.NewString(),
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s: missing params", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// Decode returns the error detail of a failed response, or unmarshals the
// payload into v when v is non-nil.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed without detail"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DefaultSocketName is the conventional socket filename inside the data dir.
const DefaultSocketName = "daemon.sock"

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
