package uds

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortTempSockPath keeps socket paths under the 104-byte sun_path limit on macOS.
func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "gf-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")
	server := NewServer(sockPath, slog.New(slog.DiscardHandler))
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func pong(context.Context, *Request) *Response {
	return SuccessResponse(map[string]string{"status": "pong"})
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortTempSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if !assert.NoError(t, ReadFrame(conn, &req)) {
			return
		}
		assert.Equal(t, CmdSubmit, req.Command)
		assert.Equal(t, ProtocolVersion, req.ProtocolVersion)
		assert.NotEmpty(t, req.RequestID)

		var p SubmitParams
		assert.NoError(t, req.DecodeParams(&p))
		assert.Equal(t, "Extend library hours", p.Title)
		assert.NoError(t, WriteFrame(conn, SuccessResponse(map[string]string{"workflow_id": "wf_1"})))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest(CmdSubmit, SubmitParams{Title: "Extend library hours"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "wf_1", out["workflow_id"])
	<-done
}

func TestFraming_LargePayload(t *testing.T) {
	sockPath := shortTempSockPath(t, "l.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	body := strings.Repeat("x", 1024*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if !assert.NoError(t, ReadFrame(conn, &req)) {
			return
		}
		var p SubmitParams
		assert.NoError(t, req.DecodeParams(&p))
		assert.Len(t, p.Body, len(body))
		_ = WriteFrame(conn, SuccessResponse(map[string]int{"length": len(p.Body)}))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest(CmdSubmit, SubmitParams{Title: "big", Body: body})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	<-done
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, RequestID: "r-1", Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
	assert.Equal(t, "r-1", resp.RequestID)
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, pong)
	server.Handle(CmdConsensusVeto, func(_ context.Context, req *Request) *Response {
		var p ConsensusParams
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(p)
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	var ping map[string]string
	require.NoError(t, client.Call(CmdPing, nil, &ping))
	assert.Equal(t, "pong", ping["status"])

	var echoed ConsensusParams
	in := ConsensusParams{ItemID: "pc_1", Actor: "resident-7", Reason: "noise"}
	require.NoError(t, client.Call(CmdConsensusVeto, in, &echoed))
	assert.Equal(t, in, echoed)

	err := client.Call(CmdConsensusVeto, nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeValidation, detail.Code)
	assert.Contains(t, detail.Message, "missing params")
}

func TestServer_NilHandlerResponse(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("broken", func(context.Context, *Request) *Response { return nil })
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.SendCommand("broken", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("explode", func(context.Context, *Request) *Response { panic("boom") })
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("explode", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)

	assert.NoError(t, client.Call(CmdPing, nil, nil), "server keeps serving after a panic")
}

func TestClient_CallContextCancelled(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("slow", func(ctx context.Context, _ *Request) *Response {
		<-ctx.Done()
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := client.CallContext(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	errs := make(chan error, 10)
	for range 10 {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CmdPing, nil, nil)
		}()
	}
	for range 10 {
		assert.NoError(t, <-errs)
	}
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	server, client, sockPath := setupTestServer(t)
	server.Handle(CmdPing, pong)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	require.Eventually(t, func() bool { return client.Call(CmdPing, nil, nil) == nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_, err := os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err), "socket removed")
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "govflow daemon")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(500 * time.Millisecond)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	// An idle connection is closed by the server.
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(800 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr)

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	require.NoError(t, server.Start())

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestResponses(t *testing.T) {
	resp := ErrorResponse(ErrCodeConflict, "workflow is not in EXEC_LOCKED")
	assert.False(t, resp.Success)
	assert.EqualError(t, resp.Decode(nil), "CONFLICT: workflow is not in EXEC_LOCKED")

	assert.Error(t, (&Response{}).Decode(nil), "failure without detail")

	ok := SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	require.NoError(t, ok.Decode(&data))
	assert.Equal(t, 42, data["count"])

	empty := SuccessResponse(nil)
	assert.Nil(t, empty.Data)
	assert.NoError(t, empty.Decode(&data))

	bad := SuccessResponse(func() {})
	assert.False(t, bad.Success)
	assert.Equal(t, ErrCodeInternal, bad.Error.Code)
}

func TestRequest_DecodeParamsInvalid(t *testing.T) {
	req := &Request{Command: CmdForce, Params: json.RawMessage(`{"target": 5}`)}
	var p ForceParams
	err := req.DecodeParams(&p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force: invalid params")
}
