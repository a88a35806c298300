// Package rpcserver implements a minimal stdio JSON-lines dispatcher:
// it decodes one JSON object per line from stdin, calls into the
// session facade, and writes one JSON object per line to stdout.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"shellgated/internal/config"
	"shellgated/internal/facade"
)

// Request is one line of stdin.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line of stdout.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the transport's error envelope, carrying the facade's
// stable code alongside a message.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server dispatches RPC requests read from an io.Reader to a Facade,
// writing responses to an io.Writer.
type Server struct {
	Facade *facade.Facade
	Log    *logrus.Logger
	Config *config.Config

	writeMu sync.Mutex
}

// Serve reads newline-delimited JSON requests from r until EOF or ctx
// is cancelled, writing one response per request to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{Error: &RPCError{Code: "PARSE_ERROR", Message: err.Error()}})
			continue
		}
		resp := s.dispatch(ctx, req)
		s.writeResponse(w, resp)
	}
	return scanner.Err()
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w.Write(data)
	w.Write([]byte("\n"))
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toRPCError(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func toRPCError(err error) *RPCError {
	if fe, ok := err.(*facade.Error); ok {
		return &RPCError{Code: string(fe.Code), Message: fe.Message}
	}
	return &RPCError{Code: "INTERNAL_ERROR", Message: err.Error()}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "execute_command":
		var p struct {
			Command          string   `json:"command"`
			Args             []string `json:"args"`
			WorkingDirectory string   `json:"working_directory"`
			Timeout          int64    `json:"timeout"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Facade.Execute(ctx, p.Command, p.Args, p.WorkingDirectory, p.Timeout)

	case "execute_command_async":
		var p struct {
			Command          string   `json:"command"`
			Args             []string `json:"args"`
			WorkingDirectory string   `json:"working_directory"`
			Timeout          int64    `json:"timeout"`
			ConversationID   string   `json:"conversation_id"`
			UserDescription  string   `json:"user_description"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Facade.SubmitAsync(facadeSubmitReq(p.Command, p.Args, p.WorkingDirectory, p.Timeout, p.ConversationID, p.UserDescription))

	case "check_job_status":
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Facade.CheckJobStatus(p.JobID)

	case "get_job_result":
		var p struct {
			JobID          string `json:"job_id"`
			ExecutionToken string `json:"execution_token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Facade.GetJobResult(p.JobID, p.ExecutionToken)

	case "list_jobs":
		var p struct {
			Limit          int    `json:"limit"`
			ConversationID string `json:"conversation_id"`
			Status         string `json:"status"`
		}
		json.Unmarshal(params, &p)
		jobs, total, err := s.Facade.ListJobs(facade.ListJobsRequest{Limit: p.Limit, ConversationID: p.ConversationID, Status: p.Status})
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs, "total": total}, nil

	case "check_conversation_jobs":
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		json.Unmarshal(params, &p)
		return s.Facade.CheckConversationJobs(p.ConversationID)

	case "list_allowed_commands":
		return s.Facade.Validator.Whitelist.Patterns, nil

	case "get_command_status":
		var p struct {
			ProcessID string `json:"process_id"`
		}
		json.Unmarshal(params, &p)
		pid, active := s.Facade.Supervisor.Lookup(p.ProcessID)
		return map[string]any{"pid": pid, "active": active}, nil

	case "kill_command":
		var p struct {
			ProcessID string `json:"process_id"`
			Signal    int    `json:"signal"`
		}
		json.Unmarshal(params, &p)
		sig := 15
		if p.Signal != 0 {
			sig = p.Signal
		}
		if err := s.Facade.Kill(p.ProcessID, signalFromInt(sig)); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "get_approval_status":
		return s.Facade.GetApprovalStatus(), nil

	case "launch_approval_center":
		var p struct {
			ForceRestart bool `json:"force_restart"`
		}
		json.Unmarshal(params, &p)
		url, err := s.Facade.LaunchApprovalCenter(p.ForceRestart)
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": url}, nil

	case "get_logs":
		return map[string]any{"entries": []any{}}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func signalFromInt(sig int) syscall.Signal {
	return syscall.Signal(sig)
}

func facadeSubmitReq(command string, args []string, workingDir string, timeout int64, conversationID, userDescription string) facade.SubmitAsyncRequest {
	return facade.SubmitAsyncRequest{
		Command: command, Args: args, WorkingDirectory: workingDir,
		TimeoutMs: timeout, ConversationID: conversationID, UserDescription: userDescription,
	}
}
