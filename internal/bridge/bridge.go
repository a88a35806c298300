// Package bridge implements the approval bridge (C5): it observes jobs
// sitting in pending_approval, materialises them as approval requests
// for the HTTP/SSE UI (C6), and folds UI decisions back into the job
// store — plus a parallel, non-persisted lane for the synchronous
// execute() path, which blocks on a decision rather than polling a
// queue. Both lanes share one decision-routing table keyed by a typed
// RequestRef rather than string-prefix sniffing.
package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shellgated/internal/queue"
)

// RefKind discriminates which backend owns a given approval request id.
type RefKind string

const (
	RefQueueJob       RefKind = "queue_job"
	RefDirectApproval RefKind = "direct_approval"
)

// RequestRef is the tagged union replacing prefix-matched request ids.
type RequestRef struct {
	Kind RefKind
	ID   string
}

// BridgedJob is the in-memory projection of a pending_approval job into
// the approval plane. It is derived from the job record and never
// persisted independently.
type BridgedJob struct {
	AsyncJobID        string    `json:"async_job_id"`
	ApprovalRequestID string    `json:"approval_request_id"`
	Command           string    `json:"command"`
	Args              []string  `json:"args"`
	WorkingDirectory  string    `json:"working_directory"`
	RiskScore         int       `json:"risk_score"`
	RiskFactors       []string  `json:"risk_factors"`
	SubmittedAt       int64     `json:"submitted_at"`
	Status            string    `json:"status"`
	evictAt           time.Time // zero until decided
}

// DirectApproval is a first-class approval request for the synchronous
// execute() path: nothing is written to the queue, the caller blocks on
// Decided.
type DirectApproval struct {
	ApprovalRequestID string
	Command           string
	Args              []string
	WorkingDirectory  string
	RiskScore         int
	RiskFactors       []string
	SubmittedAt       int64
	Decided           chan Decision
}

// Decision is the outcome of an approve/reject call.
type Decision struct {
	Approved  bool
	DecidedBy string
	Reason    string
}

// Event is emitted on the bridge's event bus for C6's SSE broadcaster.
type Event struct {
	Type              string // "jobBridged" | "approvalProcessed" | "requestCreated"
	JobID             string
	ApprovalRequestID string
}

const evictAfter = 10 * time.Second

// Bridge owns the bridged-jobs map and the direct-approval table with a
// single-writer discipline (all access under mu), per the design note
// against free-threaded collections.
type Bridge struct {
	store *queue.Store

	mu       sync.Mutex
	bridged  map[string]*BridgedJob    // keyed by async job id
	direct   map[string]*DirectApproval // keyed by approval request id
	refs     map[string]RequestRef      // approval request id -> ref
	tick     time.Duration
	scanNow  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	events chan Event
}

// New creates a Bridge over store, scanning every tick for new
// pending_approval jobs.
func New(store *queue.Store, tick time.Duration) *Bridge {
	return &Bridge{
		store:   store,
		bridged: make(map[string]*BridgedJob),
		direct:  make(map[string]*DirectApproval),
		refs:    make(map[string]RequestRef),
		tick:    tick,
		scanNow: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		events:  make(chan Event, 64),
	}
}

// Events returns the bridge's event stream, consumed by C6's SSE
// broadcaster.
func (b *Bridge) Events() <-chan Event { return b.events }

// TriggerScan requests an immediate scan, in addition to the periodic
// tick — fired by C7 on every async submit whose job lands in
// pending_approval.
func (b *Bridge) TriggerScan() {
	select {
	case b.scanNow <- struct{}{}:
	default:
	}
}

// Run drives the scan loop until Stop is called.
func (b *Bridge) Run() {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.scan()
			b.evictDecided()
		case <-b.scanNow:
			b.scan()
		}
	}
}

// Stop halts the scan loop.
func (b *Bridge) Stop() { b.stopOnce.Do(func() { close(b.stop) }) }

func (b *Bridge) scan() {
	ids, err := b.store.ListPendingApproval()
	if err != nil {
		return
	}
	for _, id := range ids {
		b.mu.Lock()
		_, already := b.bridged[id]
		b.mu.Unlock()
		if already {
			continue
		}
		job, err := b.store.Peek(id)
		if err != nil {
			continue
		}
		score, factors := riskScore(job.Command, job.Args)
		approvalID := uuid.New().String()
		bj := &BridgedJob{
			AsyncJobID:        id,
			ApprovalRequestID: approvalID,
			Command:           job.Command,
			Args:              job.Args,
			WorkingDirectory:  job.WorkingDirectory,
			RiskScore:         score,
			RiskFactors:       factors,
			SubmittedAt:       job.SubmittedAt,
			Status:            string(queue.StatusPendingApproval),
		}
		b.mu.Lock()
		b.bridged[id] = bj
		b.refs[approvalID] = RequestRef{Kind: RefQueueJob, ID: id}
		b.mu.Unlock()
		b.emit(Event{Type: "jobBridged", JobID: id, ApprovalRequestID: approvalID})
	}
}

func (b *Bridge) evictDecided() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for id, bj := range b.bridged {
		if !bj.evictAt.IsZero() && now.After(bj.evictAt) {
			delete(b.bridged, id)
			delete(b.refs, bj.ApprovalRequestID)
		}
	}
}

func (b *Bridge) emit(e Event) {
	select {
	case b.events <- e:
	default:
	}
}

// RequestDirectApproval registers a synchronous approval request and
// returns the channel the caller should block on for a decision.
func (b *Bridge) RequestDirectApproval(command string, args []string, workingDir string) *DirectApproval {
	score, factors := riskScore(command, args)
	da := &DirectApproval{
		ApprovalRequestID: uuid.New().String(),
		Command:           command,
		Args:              args,
		WorkingDirectory:  workingDir,
		RiskScore:         score,
		RiskFactors:       factors,
		SubmittedAt:       time.Now().UnixMilli(),
		Decided:           make(chan Decision, 1),
	}
	b.mu.Lock()
	b.direct[da.ApprovalRequestID] = da
	b.refs[da.ApprovalRequestID] = RequestRef{Kind: RefDirectApproval, ID: da.ApprovalRequestID}
	b.mu.Unlock()
	b.emit(Event{Type: "requestCreated", ApprovalRequestID: da.ApprovalRequestID})
	return da
}

// Pending returns every currently pending approval request — the union
// C6's GET /api/requests/pending serves.
func (b *Bridge) Pending() []BridgedJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BridgedJob, 0, len(b.bridged)+len(b.direct))
	for _, bj := range b.bridged {
		if bj.Status == string(queue.StatusPendingApproval) {
			out = append(out, *bj)
		}
	}
	for _, da := range b.direct {
		out = append(out, BridgedJob{
			ApprovalRequestID: da.ApprovalRequestID,
			Command:           da.Command,
			Args:              da.Args,
			WorkingDirectory:  da.WorkingDirectory,
			RiskScore:         da.RiskScore,
			RiskFactors:       da.RiskFactors,
			SubmittedAt:       da.SubmittedAt,
			Status:            "pending_approval",
		})
	}
	return out
}

// Decide applies an approve/reject decision to whichever backend owns
// approvalRequestID, routed via the typed ref rather than id-prefix
// sniffing.
func (b *Bridge) Decide(approvalRequestID string, approved bool, decidedBy, reason string) error {
	b.mu.Lock()
	ref, ok := b.refs[approvalRequestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %s not found", approvalRequestID)
	}

	switch ref.Kind {
	case RefDirectApproval:
		b.mu.Lock()
		da, ok := b.direct[ref.ID]
		if ok {
			delete(b.direct, ref.ID)
			delete(b.refs, approvalRequestID)
		}
		b.mu.Unlock()
		if !ok {
			return fmt.Errorf("direct approval %s already decided", ref.ID)
		}
		da.Decided <- Decision{Approved: approved, DecidedBy: decidedBy, Reason: reason}
		b.emit(Event{Type: "approvalProcessed", ApprovalRequestID: approvalRequestID})
		return nil

	case RefQueueJob:
		newStatus := queue.StatusApproved
		if !approved {
			newStatus = queue.StatusRejected
		}
		now := time.Now().UnixMilli()
		_, err := b.store.Transition(ref.ID, newStatus, func(j *queue.Job) {
			if approved {
				j.ApprovedBy = decidedBy
				j.ApprovedAt = now
				j.CurrentPhase = "execution"
				j.ProgressMessage = "Approved"
			} else {
				j.RejectedBy = decidedBy
				j.RejectedAt = now
				j.Reason = reason
				j.CompletedAt = now
				j.CurrentPhase = "rejected"
				j.ProgressMessage = "Rejected: " + reason
			}
		})
		if err != nil {
			return fmt.Errorf("applying decision to job %s: %w", ref.ID, err)
		}
		b.mu.Lock()
		if bj, ok := b.bridged[ref.ID]; ok {
			bj.Status = string(newStatus)
			bj.evictAt = time.Now().Add(evictAfter)
		}
		b.mu.Unlock()
		b.emit(Event{Type: "approvalProcessed", JobID: ref.ID, ApprovalRequestID: approvalRequestID})
		return nil
	}
	return fmt.Errorf("unknown request ref kind %q", ref.Kind)
}

// riskScore is a simple heuristic: rm/del carries the highest weight,
// then docker, then npm install; everything else is baseline.
func riskScore(command string, args []string) (int, []string) {
	joined := strings.ToLower(command + " " + strings.Join(args, " "))
	switch {
	case command == "rm" || command == "del" || strings.Contains(joined, "rm -rf"):
		return 8, []string{"destructive file removal"}
	case command == "docker":
		return 5, []string{"container engine operation"}
	case strings.Contains(joined, "npm install") || strings.Contains(joined, "yarn add") || strings.Contains(joined, "pnpm add"):
		return 3, []string{"installs third-party packages"}
	default:
		return 1, nil
	}
}
