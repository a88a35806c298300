package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"shellgated/internal/bridge"
	"shellgated/internal/config"
	"shellgated/internal/facade"
	"shellgated/internal/procexec"
	"shellgated/internal/processor"
	"shellgated/internal/queue"
	"shellgated/internal/security"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := queue.Open(t.TempDir(), "queue")
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	whitelist, err := config.LoadWhitelist("")
	if err != nil {
		t.Fatalf("LoadWhitelist: %v", err)
	}
	validator := security.NewValidator(whitelist, []string{t.TempDir()}, 30000)
	supervisor := procexec.New(2)
	proc := processor.New(store, supervisor, validator, 2, nil)
	b := bridge.New(store, time.Hour)

	f := &facade.Facade{
		Validator: validator, Store: store, Supervisor: supervisor,
		Processor: proc, Bridge: b, StartDir: t.TempDir(),
	}
	return &Server{Facade: f, Config: &config.Config{}}
}

func callOnce(t *testing.T, s *Server, method string, params any) Response {
	t.Helper()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	reqLine, err := json.Marshal(Request{ID: json.RawMessage(`1`), Method: method, Params: paramsRaw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader(string(reqLine) + "\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Serve(ctx, in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatalf("no response line written")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestDispatch_ListAllowedCommands(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "list_allowed_commands", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a non-nil result")
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "does_not_exist", map[string]any{})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestDispatch_ExecuteCommandRejectsUnwhitelisted(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "execute_command", map[string]any{"command": "curl", "args": []string{}})
	if resp.Error == nil {
		t.Fatal("expected curl (not whitelisted) to be rejected")
	}
}

func TestDispatch_ExecuteCommandSync(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "execute_command", map[string]any{"command": "echo", "args": []string{"hello"}})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatch_SubmitAsyncThenCheckStatus(t *testing.T) {
	s := newTestServer(t)
	submit := callOnce(t, s, "execute_command_async", map[string]any{"command": "echo", "args": []string{"hi"}})
	if submit.Error != nil {
		t.Fatalf("submit: unexpected error: %+v", submit.Error)
	}
	resultMap, ok := submit.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", submit.Result)
	}
	jobID, _ := resultMap["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected a job_id in the submission response")
	}

	status := callOnce(t, s, "check_job_status", map[string]any{"job_id": jobID})
	if status.Error != nil {
		t.Fatalf("check_job_status: unexpected error: %+v", status.Error)
	}
}

func TestDispatch_CheckJobStatusUnknownJob(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "check_job_status", map[string]any{"job_id": "does-not-exist"})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown job id")
	}
}

func TestDispatch_GetApprovalStatusBeforeLaunch(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "get_approval_status", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	status, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", resp.Result)
	}
	if running, _ := status["running"].(bool); running {
		t.Error("expected running=false before launch_approval_center is called")
	}
}

// TestDispatch_ExecuteCommandIgnoresUnknownEnvField checks that an "env"
// key in the request params — not part of the RPC contract — is ignored
// rather than silently accepted as a way to inject into the child process.
func TestDispatch_ExecuteCommandIgnoresUnknownEnvField(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "execute_command", map[string]any{
		"command": "echo", "args": []string{"hi"},
		"env": map[string]string{"LD_PRELOAD": "/evil.so"},
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatch_GetCommandStatusUnknownProcess(t *testing.T) {
	s := newTestServer(t)
	resp := callOnce(t, s, "get_command_status", map[string]any{"process_id": "nope"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	status, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", resp.Result)
	}
	if active, _ := status["active"].(bool); active {
		t.Error("expected active=false for an unknown process id")
	}
}
