// Package processor implements the background job processor (C4): it
// picks up approved jobs, drives them through the process supervisor,
// streams output to disk with progress heuristics, and tokenises
// completion as a durable, queue-driven pipeline.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"shellgated/internal/procexec"
	"shellgated/internal/queue"
	"shellgated/internal/security"
)

// DefaultTick is the processor's polling interval absent configuration.
const DefaultTick = 5 * time.Second

// progressFlushInterval throttles how often a running job's progress is
// written back to its job.json while output is still streaming in.
const progressFlushInterval = 500 * time.Millisecond

// Metadata is written to the job's results/metadata.json (the path
// queue.Store.ResultPaths returns) on child exit.
type Metadata struct {
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	WorkingDir      string   `json:"working_directory"`
	StartedAt       int64    `json:"started_at"`
	CompletedAt     int64    `json:"completed_at"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	StdoutBytes     int64    `json:"stdout_bytes"`
	StderrBytes     int64    `json:"stderr_bytes"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	TimedOut        bool     `json:"timed_out"`
	Killed          bool     `json:"killed"`
}

// Processor runs the C4 tick loop.
type Processor struct {
	Store         *queue.Store
	Supervisor    *procexec.Supervisor
	Validator     *security.Validator
	Log           *logrus.Logger
	MaxConcurrent int
	Tick          time.Duration
	OnTransition  func(jobID string, status queue.Status)

	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	active sync.Map // jobID -> struct{}
}

// New builds a Processor. log may be nil, in which case a default
// logrus logger writing to stderr is used. validator sanitizes the environment handed to every
// spawned child; it must not be nil.
func New(store *queue.Store, sup *procexec.Supervisor, validator *security.Validator, maxConcurrent int, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}
	return &Processor{
		Store:         store,
		Supervisor:    sup,
		Validator:     validator,
		Log:           log,
		MaxConcurrent: maxConcurrent,
		Tick:          DefaultTick,
		stop:          make(chan struct{}),
	}
}

// Run starts the tick loop and blocks until Stop is called or ctx is
// cancelled. A single bad job must not poison the loop: per-job panics
// and errors are caught and logged, and the next tick proceeds.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Processor) tick() {
	active := p.Supervisor.ActiveCount()
	if active >= p.MaxConcurrent {
		return
	}
	ids, err := p.Store.ListApprovedOldestFirst(p.MaxConcurrent - active)
	if err != nil {
		p.Log.WithError(err).Warn("processor: listing approved jobs failed")
		return
	}
	for _, id := range ids {
		if _, loaded := p.active.LoadOrStore(id, struct{}{}); loaded {
			continue
		}
		p.wg.Add(1)
		go func(jobID string) {
			defer p.wg.Done()
			defer p.active.Delete(jobID)
			p.executeJob(jobID)
		}(id)
	}
}

func (p *Processor) executeJob(id string) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.WithField("job_id", id).Errorf("processor: recovered panic executing job: %v", r)
		}
	}()

	job, err := p.Store.Peek(id)
	if err != nil {
		p.Log.WithError(err).WithField("job_id", id).Warn("processor: job vanished before dispatch")
		return
	}
	if job.Status != queue.StatusApproved {
		return
	}

	now := time.Now().UnixMilli()
	job, err = p.Store.Transition(id, queue.StatusExecuting, func(j *queue.Job) {
		j.StartedAt = now
		j.CurrentPhase = "execution"
		j.ProgressMessage = "Executing command..."
	})
	if err != nil {
		p.Log.WithError(err).WithField("job_id", id).Warn("processor: failed to mark job executing")
		return
	}
	p.notify(id, queue.StatusExecuting)

	stdoutPath, stderrPath, metaPath, err := p.Store.ResultPaths(id)
	if err != nil {
		p.failJob(id, "QUEUE_IO_ERROR", fmt.Sprintf("resolving result paths: %v", err), false, false)
		return
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.failJob(id, "QUEUE_IO_ERROR", fmt.Sprintf("opening stdout.log: %v", err), false, false)
		return
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.failJob(id, "QUEUE_IO_ERROR", fmt.Sprintf("opening stderr.log: %v", err), false, false)
		return
	}
	defer stderrFile.Close()

	var lastFlush time.Time
	var flushMu sync.Mutex
	onChunk := func(chunk []byte, stream procexec.Stream) {
		if stream == procexec.Stdout {
			stdoutFile.Write(chunk)
		} else {
			stderrFile.Write(chunk)
		}

		text := string(chunk)
		pct, hasPct := detectPercentage(text)
		msg, defaultPct, hasMsg := detectPhaseMessage(text)
		if !hasPct && !hasMsg {
			return
		}

		flushMu.Lock()
		defer flushMu.Unlock()
		if time.Since(lastFlush) < progressFlushInterval {
			return
		}
		lastFlush = time.Now()
		p.Store.Transition(id, queue.StatusExecuting, func(j *queue.Job) {
			if hasMsg {
				j.ProgressMessage = msg
				if !hasPct {
					j.ProgressPercentage = defaultPct
				}
			}
			if hasPct {
				j.ProgressPercentage = pct
			}
		})
	}

	env, reason := p.Validator.SanitizeEnv(os.Environ(), nil)
	if reason != nil {
		p.failJob(id, string(*reason), "environment sanitation rejected the job's runtime environment", false, false)
		return
	}
	timeoutMs := job.RequestedTimeoutMs
	result, spawnErr := p.Supervisor.Spawn(context.Background(), id, job.Command, job.Args, procexec.Options{
		Cwd:       job.WorkingDirectory,
		Env:       env,
		TimeoutMs: timeoutMs,
		OnChunk:   onChunk,
	})

	meta := Metadata{
		Command:    job.Command,
		Args:       job.Args,
		WorkingDir: job.WorkingDirectory,
		StartedAt:  now,
	}

	if spawnErr != nil {
		meta.CompletedAt = time.Now().UnixMilli()
		p.writeMetadata(metaPath, meta)
		p.failJob(id, "SPAWN_OTHER", spawnErr.Error(), false, false)
		return
	}

	meta.CompletedAt = time.Now().UnixMilli()
	meta.ExecutionTimeMs = result.ExecutionTimeMs
	meta.StdoutBytes = int64(len(result.Stdout))
	meta.StderrBytes = int64(len(result.Stderr))
	meta.ExitCode = result.ExitCode
	meta.TimedOut = result.TimedOut
	meta.Killed = result.Killed
	p.writeMetadata(metaPath, meta)

	switch {
	case result.ExitCode != nil && *result.ExitCode == 0 && !result.TimedOut && !result.Killed:
		p.completeJob(id, result)
	case result.TimedOut:
		p.failJob(id, "EXECUTION_TIMEOUT", fmt.Sprintf("command exceeded its %dms timeout", timeoutMs), true, false)
	default:
		code := -1
		if result.ExitCode != nil {
			code = *result.ExitCode
		}
		p.failJob(id, fmt.Sprintf("EXIT_CODE_%d", code), fmt.Sprintf("command exited with code %d", code), false, false)
	}
}

func (p *Processor) writeMetadata(path string, meta Metadata) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		p.Log.WithError(err).Warn("processor: marshalling metadata")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.Log.WithError(err).Warn("processor: writing metadata.json")
	}
}

func (p *Processor) completeJob(id string, result procexec.Result) {
	_, err := p.Store.CompleteWithToken(id, func(j *queue.Job) {
		j.ExitCode = result.ExitCode
		j.ExecutionTimeMs = result.ExecutionTimeMs
		j.Pid = result.Pid
		j.CompletedAt = time.Now().UnixMilli()
		j.ProgressPercentage = 100
		j.CurrentPhase = "completed"
		j.ProgressMessage = "Command completed successfully"
	})
	if err != nil {
		p.Log.WithError(err).WithField("job_id", id).Error("processor: failed to complete job")
		return
	}
	p.notify(id, queue.StatusCompleted)
}

func (p *Processor) failJob(id, errorCode, message string, timedOut, killed bool) {
	status := queue.StatusExecutionFailed
	if timedOut {
		status = queue.StatusExecutionTimeout
	}
	_, err := p.Store.Transition(id, status, func(j *queue.Job) {
		j.Error = message
		j.SuggestedAction = suggestedActionFor(errorCode)
		j.TimedOut = timedOut
		j.Killed = killed
		j.CompletedAt = time.Now().UnixMilli()
		j.ProgressPercentage = 100
		j.CurrentPhase = "failed"
		j.ProgressMessage = message
		j.CanRetry = timedOut || status == queue.StatusExecutionFailed
	})
	if err != nil {
		p.Log.WithError(err).WithField("job_id", id).Error("processor: failed to mark job failed")
		return
	}
	p.notify(id, status)
}

func suggestedActionFor(code string) string {
	switch code {
	case "EXECUTION_TIMEOUT":
		return "increase the command's timeout or investigate why it is slow"
	case "QUEUE_IO_ERROR":
		return "check disk space and permissions on the queue directory"
	case "SPAWN_OTHER":
		return "inspect the job's error field for the underlying spawn failure"
	case "UNTRUSTED_ENVIRONMENT":
		return "the daemon's own runtime environment contains a blocked variable; fix the daemon's environment and restart it"
	default:
		return "inspect stderr.log for detail"
	}
}

func (p *Processor) notify(jobID string, status queue.Status) {
	if p.OnTransition != nil {
		p.OnTransition(jobID, status)
	}
}

// Kill asks the supervisor to signal a running child, or — if the job
// has not started executing yet — cancels it directly without ever
// spawning.
func (p *Processor) Kill(jobID string, sig syscall.Signal) error {
	job, err := p.Store.Peek(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case queue.StatusPendingApproval, queue.StatusApproved:
		_, err := p.Store.Transition(jobID, queue.StatusCancelled, func(j *queue.Job) {
			j.CompletedAt = time.Now().UnixMilli()
			j.ProgressMessage = "Cancelled before execution"
		})
		if err == nil {
			p.notify(jobID, queue.StatusCancelled)
		}
		return err
	case queue.StatusExecuting:
		return p.Supervisor.Kill(jobID, sig)
	default:
		return fmt.Errorf("job %s is in terminal status %s, cannot kill", jobID, job.Status)
	}
}

// Stop halts the tick loop, waits up to shutdownTimeout for active
// children to exit naturally, then force-kills any remainder, and only
// returns once every supervisor entry has drained.
func (p *Processor) Stop(shutdownTimeout time.Duration) {
	p.once.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(shutdownTimeout):
	}

	for _, id := range p.Supervisor.ActiveIDs() {
		_ = p.Supervisor.Kill(id, syscall.SIGKILL)
	}
	<-done
}
