// Package facade implements the session facade (C7): the single entry
// point the RPC dispatcher calls into, composing the validator, job
// store, process supervisor, processor, bridge, and approval server.
package facade

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"shellgated/internal/approvalserver"
	"shellgated/internal/bridge"
	"shellgated/internal/procexec"
	"shellgated/internal/processor"
	"shellgated/internal/queue"
	"shellgated/internal/security"
)

// Facade composes C1, C3, C4, C5, C6 behind the operation set the RPC
// surface needs.
type Facade struct {
	Validator  *security.Validator
	Store      *queue.Store
	Supervisor *procexec.Supervisor
	Processor  *processor.Processor
	Bridge     *bridge.Bridge
	StartDir   string
	Log        *logrus.Logger

	// ConfigureServer, if set, is called on every newly constructed
	// approval server before Start, so main() can wire in Accounts,
	// AuditDecision, and Notify without the facade needing to know
	// about those packages directly.
	ConfigureServer func(*approvalserver.Server)

	serverMu  sync.Mutex
	server    *approvalserver.Server
	serverURL string
}

// ExecuteResult is the shape returned by the synchronous execution
// flavours.
type ExecuteResult struct {
	ExitCode        *int   `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time"`
	TimedOut        bool   `json:"timed_out"`
	Killed          bool   `json:"killed"`
	Pid             int    `json:"pid"`
}

func (f *Facade) validate(command string, args []string, workingDir string) (security.Decision, *Error) {
	d := f.Validator.Validate(command, args, workingDir, f.StartDir)
	if !d.Allowed {
		return d, newError(Code(d.Reason), "command %q rejected: %s", command, d.Reason)
	}
	return d, nil
}

// childEnv runs the parent process environment through the validator's
// sanitizer before it is handed to a spawned child. The RPC surface does
// not accept caller-supplied environment extras — every spawned child
// inherits the daemon's own (sanitized) environment and nothing else, so
// a whitelisted command can't be handed an interpreter/tool hijack
// variable (GIT_SSH_COMMAND, BASH_ENV, NODE_OPTIONS, ...) that the
// command/argument whitelist was never designed to catch.
func (f *Facade) childEnv() ([]string, *Error) {
	env, reason := f.Validator.SanitizeEnv(os.Environ(), nil)
	if reason != nil {
		return nil, newError(Code(*reason), "runtime environment rejected: %s", *reason)
	}
	return env, nil
}

// Execute runs a command synchronously (C1 → C2), the non-queued path.
// If the matched pattern requires confirmation, it blocks on a
// direct approval decision from the bridge before spawning.
func (f *Facade) Execute(ctx context.Context, command string, args []string, workingDir string, timeoutOverrideMs int64) (*ExecuteResult, error) {
	d, verr := f.validate(command, args, workingDir)
	if verr != nil {
		return nil, verr
	}

	if d.MatchedPattern.RequiresConfirmation {
		da := f.Bridge.RequestDirectApproval(command, args, d.ResolvedWorkingDir)
		select {
		case decision := <-da.Decided:
			if !decision.Approved {
				return nil, newError(CodeUserRejected, "operator %s rejected: %s", decision.DecidedBy, decision.Reason)
			}
		case <-time.After(5 * time.Minute):
			return nil, newError(CodeApprovalTimeout, "no approval decision within the timeout window")
		case <-ctx.Done():
			return nil, newError(CodeApprovalSystemError, "context cancelled while awaiting approval")
		}
	}

	timeout := d.EffectiveTimeoutMs
	if timeoutOverrideMs > 0 {
		timeout = timeoutOverrideMs
	}

	env, everr := f.childEnv()
	if everr != nil {
		return nil, everr
	}

	id := fmt.Sprintf("sync-%d", time.Now().UnixNano())
	result, err := f.Supervisor.Spawn(ctx, id, command, d.SanitizedArgs, procexec.Options{
		Cwd:       d.ResolvedWorkingDir,
		Env:       env,
		TimeoutMs: timeout,
	})
	if err == procexec.ErrCapacityExceeded {
		return nil, newError(CodeCapacityExceeded, "too many commands are already running")
	}
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		ExitCode:        result.ExitCode,
		Stdout:          security.SanitizeOutput(string(result.Stdout)),
		Stderr:          security.SanitizeOutput(string(result.Stderr)),
		ExecutionTimeMs: result.ExecutionTimeMs,
		TimedOut:        result.TimedOut,
		Killed:          result.Killed,
		Pid:             result.Pid,
	}, nil
}

// ExecuteStreaming behaves like Execute, including the approval gate, but
// also delivers chunks to onChunk out-of-band as they arrive; the full
// output is still returned in the result. Unlike Execute, neither the
// chunks nor the returned Stdout/Stderr pass through
// security.SanitizeOutput.
func (f *Facade) ExecuteStreaming(ctx context.Context, command string, args []string, workingDir string, timeoutOverrideMs int64, onChunk func(chunk []byte, stderr bool)) (*ExecuteResult, error) {
	d, verr := f.validate(command, args, workingDir)
	if verr != nil {
		return nil, verr
	}
	if d.MatchedPattern.RequiresConfirmation {
		da := f.Bridge.RequestDirectApproval(command, args, d.ResolvedWorkingDir)
		select {
		case decision := <-da.Decided:
			if !decision.Approved {
				return nil, newError(CodeUserRejected, "operator %s rejected: %s", decision.DecidedBy, decision.Reason)
			}
		case <-time.After(5 * time.Minute):
			return nil, newError(CodeApprovalTimeout, "no approval decision within the timeout window")
		case <-ctx.Done():
			return nil, newError(CodeApprovalSystemError, "context cancelled while awaiting approval")
		}
	}
	timeout := d.EffectiveTimeoutMs
	if timeoutOverrideMs > 0 {
		timeout = timeoutOverrideMs
	}
	env, everr := f.childEnv()
	if everr != nil {
		return nil, everr
	}

	id := fmt.Sprintf("sync-stream-%d", time.Now().UnixNano())
	result, err := f.Supervisor.Spawn(ctx, id, command, d.SanitizedArgs, procexec.Options{
		Cwd:       d.ResolvedWorkingDir,
		Env:       env,
		TimeoutMs: timeout,
		OnChunk: func(chunk []byte, stream procexec.Stream) {
			if onChunk != nil {
				onChunk(chunk, stream == procexec.Stderr)
			}
		},
	})
	if err == procexec.ErrCapacityExceeded {
		return nil, newError(CodeCapacityExceeded, "too many commands are already running")
	}
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		ExitCode: result.ExitCode, Stdout: string(result.Stdout), Stderr: string(result.Stderr),
		ExecutionTimeMs: result.ExecutionTimeMs, TimedOut: result.TimedOut, Killed: result.Killed, Pid: result.Pid,
	}, nil
}

// SubmitAsyncRequest is the input to SubmitAsync.
type SubmitAsyncRequest struct {
	Command          string
	Args             []string
	WorkingDirectory string
	TimeoutMs        int64
	ConversationID   string
	SessionID        string
	UserDescription  string
}

// SubmitAsyncResponse is returned to the RPC caller on submission.
type SubmitAsyncResponse struct {
	JobID                 string `json:"job_id"`
	Status                string `json:"status"`
	SubmittedAt           int64  `json:"submitted_at"`
	EstimatedApprovalTime int64  `json:"estimated_approval_time,omitempty"`
	ApprovalURL           string `json:"approval_url,omitempty"`
}

// SubmitAsync validates the request and enqueues it, triggering an
// immediate bridge scan so pending_approval jobs surface to the UI
// without waiting for the next tick.
func (f *Facade) SubmitAsync(req SubmitAsyncRequest) (*SubmitAsyncResponse, error) {
	d, verr := f.validate(req.Command, req.Args, req.WorkingDirectory)
	if verr != nil {
		return nil, verr
	}

	timeout := d.EffectiveTimeoutMs
	if req.TimeoutMs > 0 {
		timeout = req.TimeoutMs
	}

	job, err := f.Store.Submit(queue.SubmitRequest{
		ConversationID:       req.ConversationID,
		SessionID:            req.SessionID,
		Command:              req.Command,
		Args:                 d.SanitizedArgs,
		WorkingDirectory:     d.ResolvedWorkingDir,
		RequestedTimeoutMs:   timeout,
		UserDescription:      req.UserDescription,
		RequiresConfirmation: d.MatchedPattern.RequiresConfirmation,
		EstimatedDurationMs:  estimateDuration(d.MatchedPattern.Command),
	})
	if err != nil {
		return nil, newError(CodeQueueIOError, "submitting job: %v", err)
	}

	resp := &SubmitAsyncResponse{JobID: job.ID, Status: string(job.Status), SubmittedAt: job.SubmittedAt}
	if job.Status == queue.StatusPendingApproval {
		f.Bridge.TriggerScan()
		resp.EstimatedApprovalTime = job.SubmittedAt + 60000
		if url, ok := f.ApprovalURL(); ok {
			resp.ApprovalURL = url
		}
	}
	return resp, nil
}

func estimateDuration(command string) int64 {
	switch command {
	case "npm", "yarn", "pnpm", "npx":
		return 30000
	case "go", "make":
		return 15000
	case "docker":
		return 60000
	default:
		return 5000
	}
}

// JobStatusResponse is the status-poll shape with backoff guidance
// attached.
type JobStatusResponse struct {
	*queue.Job
	NextPollRecommendationMs int64 `json:"next_poll_recommendation"`
}

// CheckJobStatus retrieves a job and attaches the next recommended poll
// interval, computed from its poll count using one of two backoff
// curves (approval-phase vs execution-phase).
func (f *Facade) CheckJobStatus(jobID string) (*JobStatusResponse, error) {
	job, err := f.Store.Get(jobID)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	return &JobStatusResponse{Job: job, NextPollRecommendationMs: nextPollInterval(job)}, nil
}

func nextPollInterval(job *queue.Job) int64 {
	if job.Status == queue.StatusPendingApproval {
		return backoff(10000, 30000, 1.5, job.PollCount)
	}
	return backoff(120000, 900000, 2.0, job.PollCount)
}

func backoff(initial, cap int64, factor float64, attempt int) int64 {
	v := float64(initial)
	for i := 0; i < attempt; i++ {
		v *= factor
		if v >= float64(cap) {
			return cap
		}
	}
	return int64(v)
}

func mapQueueErr(err error) error {
	if err == queue.ErrNotFound {
		return newError(CodeJobNotFound, "job not found")
	}
	return newError(CodeQueueIOError, "%v", err)
}

// GetJobResult returns a job's result iff it is completed and token
// matches exactly (the token-gating invariant).
func (f *Facade) GetJobResult(jobID, token string) (*queue.Job, error) {
	job, err := f.Store.Peek(jobID)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	if job.Status != queue.StatusCompleted {
		return nil, newError(CodeJobNotFound, "job %s is not completed (status=%s)", jobID, job.Status)
	}
	if token == "" || token != job.ExecutionToken {
		return nil, newError(CodeInvalidToken, "execution token mismatch for job %s", jobID)
	}
	return job, nil
}

// ListJobsRequest constrains ListJobs.
type ListJobsRequest struct {
	Limit          int
	ConversationID string
	Status         string
}

// ListJobs projects the store's listing to summaries.
func (f *Facade) ListJobs(req ListJobsRequest) ([]queue.Summary, int, error) {
	summaries, total, err := f.Store.List(queue.ListFilter{
		Status:         queue.Status(req.Status),
		ConversationID: req.ConversationID,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, 0, newError(CodeQueueIOError, "%v", err)
	}
	return summaries, total, nil
}

// CheckConversationJobs is a convenience wrapper over ListJobs scoped to
// one conversation.
func (f *Facade) CheckConversationJobs(conversationID string) ([]queue.Summary, error) {
	summaries, _, err := f.ListJobs(ListJobsRequest{ConversationID: conversationID})
	return summaries, err
}

// Kill cancels a queued job or signals a running child.
func (f *Facade) Kill(jobID string, sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	return f.Processor.Kill(jobID, sig)
}

// ApprovalURL returns the currently running approval server's URL, if
// one has been launched.
func (f *Facade) ApprovalURL() (string, bool) {
	f.serverMu.Lock()
	defer f.serverMu.Unlock()
	return f.serverURL, f.serverURL != ""
}

// LaunchApprovalCenter starts the approval server if it is not already
// running (or restarts it if forceRestart is set) and optionally opens
// a browser against it.
func (f *Facade) LaunchApprovalCenter(forceRestart bool) (string, error) {
	f.serverMu.Lock()
	defer f.serverMu.Unlock()

	if f.server != nil && !forceRestart {
		return f.serverURL, nil
	}
	if f.server != nil {
		_ = f.server.Stop(context.Background())
	}

	srv, err := approvalserver.New(f.Bridge, f.Store, f.Log)
	if err != nil {
		return "", newError(CodeServerNoURL, "%v", err)
	}
	if f.ConfigureServer != nil {
		f.ConfigureServer(srv)
	}
	url, err := srv.Start()
	if err != nil {
		return "", newError(CodeServerNoURL, "%v", err)
	}
	f.server = srv
	f.serverURL = url
	_ = approvalserver.LaunchBrowser(url)
	return url, nil
}

// GetApprovalStatus reports whether the approval center is running and
// how many requests are pending.
type ApprovalStatus struct {
	Running bool   `json:"running"`
	URL     string `json:"url,omitempty"`
	Pending int    `json:"pending"`
}

func (f *Facade) GetApprovalStatus() ApprovalStatus {
	f.serverMu.Lock()
	running := f.server != nil
	url := f.serverURL
	f.serverMu.Unlock()
	return ApprovalStatus{Running: running, URL: url, Pending: len(f.Bridge.Pending())}
}

// Shutdown orchestrates C4 stop → C3 (nothing to stop, filesystem-
// backed) → C6 stop → remaining-child cleanup, in that order.
func (f *Facade) Shutdown(ctx context.Context, shutdownTimeout time.Duration) {
	if f.Processor != nil {
		f.Processor.Stop(shutdownTimeout)
	}
	f.serverMu.Lock()
	srv := f.server
	f.serverMu.Unlock()
	if srv != nil {
		_ = srv.Stop(ctx)
	}
	for _, id := range f.Supervisor.ActiveIDs() {
		_ = f.Supervisor.Kill(id, syscall.SIGKILL)
	}
}
