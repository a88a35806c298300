package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the filesystem-backed job store (C3). It owns on-disk job
// state exclusively; every mutation goes through its atomic API.
//
// Layout under <base>/async-queue/:
//
//	jobs/<status>/<job_id>/job.json
//	jobs/<status>/<job_id>/results/stdout.log
//	jobs/<status>/<job_id>/results/stderr.log
//	jobs/<status>/<job_id>/results/metadata.json
//	stats.json
//	archive/
//
// Job record and its results live in one directory: a retention
// sweep's os.RemoveAll either collects everything about a job or
// nothing, never a partial split.
type Store struct {
	base string
	mu   sync.Mutex
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	ConversationID       string
	SessionID            string
	Command              string
	Args                 []string
	WorkingDirectory     string
	RequestedTimeoutMs   int64
	UserDescription      string
	RequiresConfirmation bool
	EstimatedDurationMs  int64
}

// Open creates (if needed) the on-disk layout under baseDir/subdir
// and returns a Store backed by it.
func Open(baseDir, subdir string) (*Store, error) {
	base := filepath.Join(baseDir, subdir)
	for _, status := range allStatuses {
		if err := os.MkdirAll(filepath.Join(base, "jobs", string(status)), 0o755); err != nil {
			return nil, fmt.Errorf("creating status shard %s: %w", status, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(base, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &Store{base: base}, nil
}

func (s *Store) jobDir(status Status, id string) string {
	return filepath.Join(s.base, "jobs", string(status), id)
}

func (s *Store) resultsDir(status Status, id string) string {
	return filepath.Join(s.jobDir(status, id), "results")
}

// classifyOperation tags a command with a coarse operation type, stored
// on the job record and usable as a List filter.
func classifyOperation(command string, args []string) OperationType {
	joined := strings.ToLower(command + " " + strings.Join(args, " "))
	switch {
	case command == "npm" || command == "yarn" || command == "pnpm" || command == "npx":
		if strings.Contains(joined, "install") || strings.Contains(joined, "ci") {
			return OpPackageInstall
		}
		return OpOther
	case command == "go" && (strings.Contains(joined, "build") || strings.Contains(joined, "vet")):
		return OpBuildCompile
	case command == "make":
		return OpBuildCompile
	case command == "docker" && strings.Contains(joined, "build"):
		return OpDockerBuild
	case strings.Contains(joined, "test"):
		return OpTestSuite
	case command == "git" && strings.Contains(joined, "push"):
		return OpDeployment
	default:
		return OpOther
	}
}

func newJobID() string { return uuid.New().String() }

func newExecutionToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating execution token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Submit allocates a new job id, classifies the request, chooses its
// initial status per the auto-approval invariant, and persists it.
func (s *Store) Submit(req SubmitRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	job := &Job{
		ID:                   newJobID(),
		ConversationID:       req.ConversationID,
		SessionID:            req.SessionID,
		Command:              req.Command,
		Args:                 req.Args,
		WorkingDirectory:     req.WorkingDirectory,
		RequestedTimeoutMs:   req.RequestedTimeoutMs,
		OperationType:        classifyOperation(req.Command, req.Args),
		UserDescription:      req.UserDescription,
		RequiresConfirmation: req.RequiresConfirmation,
		SubmittedAt:          now,
		LastUpdated:          now,
		EstimatedDurationMs:  req.EstimatedDurationMs,
		CanRetry:             true,
	}

	if req.RequiresConfirmation {
		job.Status = StatusPendingApproval
		job.CurrentPhase = "approval"
		job.ProgressMessage = "Submitted for approval"
	} else {
		job.Status = StatusApproved
		job.CurrentPhase = "execution"
		job.ProgressMessage = "Approved automatically"
		job.ApprovedAt = now
	}

	if err := s.writeNew(job); err != nil {
		return nil, err
	}
	return job, nil
}

// writeNew persists a brand-new job record into its initial status shard.
func (s *Store) writeNew(job *Job) error {
	dir := s.jobDir(job.Status, job.ID)
	if err := os.MkdirAll(filepath.Join(dir, "results"), 0o755); err != nil {
		return fmt.Errorf("creating job dir: %w", err)
	}
	return writeJobFileAtomic(dir, job)
}

func writeJobFileAtomic(dir string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling job %s: %w", job.ID, err)
	}
	final := filepath.Join(dir, "job.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing job temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming job file into place: %w", err)
	}
	return nil
}

func readJobFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &job, nil
}

// ErrNotFound is returned when a job id is not present in any status
// shard.
var ErrNotFound = fmt.Errorf("JOB_NOT_FOUND")

// locate scans every status directory and returns the first hit along
// with the status it was found under.
func (s *Store) locate(id string) (*Job, Status, error) {
	for _, status := range allStatuses {
		path := filepath.Join(s.jobDir(status, id), "job.json")
		job, err := readJobFile(path)
		if err == nil {
			return job, status, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("reading job %s in %s: %w", id, status, err)
		}
	}
	return nil, "", ErrNotFound
}

// Get retrieves a job by id, incrementing its poll count as a side
// effect.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, status, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	job.PollCount++
	job.LastPolledAt = nowMs()
	if err := writeJobFileAtomic(s.jobDir(status, id), job); err != nil {
		return nil, err
	}
	return job, nil
}

// Peek retrieves a job without the poll-count side effect, for internal
// callers (the processor, the bridge) that read state without it
// counting as a controller poll.
func (s *Store) Peek(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, _, err := s.locate(id)
	return job, err
}

// ListFilter constrains List.
type ListFilter struct {
	Status         Status
	OperationType  OperationType
	ConversationID string
	Limit          int
	Offset         int
}

// List enumerates jobs across one or all status shards, filters,
// projects to the Summary shape, sorts newest-submitted first, and
// paginates.
func (s *Store) List(f ListFilter) ([]Summary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := allStatuses
	if f.Status != "" {
		statuses = []Status{f.Status}
	}

	var matched []Summary
	for _, status := range statuses {
		dir := filepath.Join(s.base, "jobs", string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			job, err := readJobFile(filepath.Join(dir, e.Name(), "job.json"))
			if err != nil {
				continue
			}
			if f.OperationType != "" && job.OperationType != f.OperationType {
				continue
			}
			if f.ConversationID != "" && job.ConversationID != f.ConversationID {
				continue
			}
			matched = append(matched, job.summary())
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].SubmittedAt > matched[j].SubmittedAt })

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], total, nil
}

// Mutator is applied to a job record while it is transitioned.
type Mutator func(*Job)

// Transition moves a job from its current status to newStatus,
// applying mutate to the in-memory record first. The update is
// persisted in the old location via write-temp-then-rename, then the
// whole job directory (record + results, kept together per Open
// Question 3) is renamed into the new status shard — a single
// directory rename, atomic on the same filesystem.
func (s *Store) Transition(id string, newStatus Status, mutate Mutator) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, oldStatus, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if oldStatus.Terminal() {
		return nil, fmt.Errorf("job %s is in terminal status %s, no transition possible", id, oldStatus)
	}

	if mutate != nil {
		mutate(job)
	}
	job.Status = newStatus
	job.LastUpdated = nowMs()

	oldDir := s.jobDir(oldStatus, id)
	if err := writeJobFileAtomic(oldDir, job); err != nil {
		return nil, err
	}

	if oldStatus == newStatus {
		return job, nil
	}

	newDir := s.jobDir(newStatus, id)
	if err := os.Rename(oldDir, newDir); err != nil {
		return nil, fmt.Errorf("moving job %s from %s to %s: %w", id, oldStatus, newStatus, err)
	}
	return job, nil
}

// CompleteWithToken transitions a job to completed and mints its
// execution token, satisfying the invariant that the token is
// non-empty iff status==completed.
func (s *Store) CompleteWithToken(id string, mutate Mutator) (*Job, error) {
	token, err := newExecutionToken()
	if err != nil {
		return nil, err
	}
	return s.Transition(id, StatusCompleted, func(j *Job) {
		if mutate != nil {
			mutate(j)
		}
		j.ExecutionToken = token
	})
}

// ResultPaths returns the stdout/stderr/metadata file paths for a job
// in its current status.
func (s *Store) ResultPaths(id string) (stdout, stderr, metadata string, err error) {
	s.mu.Lock()
	_, status, lerr := s.locate(id)
	s.mu.Unlock()
	if lerr != nil {
		return "", "", "", lerr
	}
	dir := s.resultsDir(status, id)
	return filepath.Join(dir, "stdout.log"), filepath.Join(dir, "stderr.log"), filepath.Join(dir, "metadata.json"), nil
}

// ListPendingApproval returns the ids of jobs currently awaiting
// approval, oldest first — the feed the approval bridge scans.
func (s *Store) ListPendingApproval() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.base, "jobs", string(StatusPendingApproval))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	type idAt struct {
		id string
		at int64
	}
	var ids []idAt
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		job, err := readJobFile(filepath.Join(dir, e.Name(), "job.json"))
		if err != nil {
			continue
		}
		ids = append(ids, idAt{job.ID, job.SubmittedAt})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].at < ids[j].at })
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.id
	}
	return out, nil
}

// ListApprovedOldestFirst returns up to limit job ids in status
// approved, oldest-submitted first, for the processor's tick.
func (s *Store) ListApprovedOldestFirst(limit int) ([]string, error) {
	summaries, _, err := s.List(ListFilter{Status: StatusApproved, Limit: 0})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SubmittedAt < summaries[j].SubmittedAt })
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	ids := make([]string, len(summaries))
	for i, sm := range summaries {
		ids[i] = sm.ID
	}
	return ids, nil
}

// LoadBand classifies system load for Stats.
type LoadBand string

const (
	LoadLow    LoadBand = "low"
	LoadMedium LoadBand = "medium"
	LoadHigh   LoadBand = "high"
)

// Stats is the on-demand aggregate the "stats" endpoint/RPC exposes.
type Stats struct {
	Counts            map[Status]int `json:"counts"`
	AverageDecisionMs float64        `json:"average_decision_ms"`
	FastestDecisionMs int64          `json:"fastest_decision_ms"`
	SlowestDecisionMs int64          `json:"slowest_decision_ms"`
	ActiveCount       int            `json:"active_count"`
	Capacity          int            `json:"capacity"`
	LoadBand          LoadBand       `json:"load_band"`
	GeneratedAt       int64          `json:"generated_at"`
}

// Stats derives aggregate statistics from the current directory
// contents and writes them to stats.json as a side effect.
func (s *Store) Stats(capacity int) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int, len(allStatuses))
	var decisions []int64
	active := 0
	for _, status := range allStatuses {
		dir := filepath.Join(s.base, "jobs", string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		counts[status] = len(entries)
		if status == StatusApproved || status == StatusExecuting {
			active += len(entries)
		}
		for _, e := range entries {
			job, err := readJobFile(filepath.Join(dir, e.Name(), "job.json"))
			if err != nil || job.ApprovedAt == 0 {
				continue
			}
			decisions = append(decisions, job.ApprovedAt-job.SubmittedAt)
		}
	}

	st := &Stats{Counts: counts, ActiveCount: active, Capacity: capacity, GeneratedAt: nowMs()}
	if len(decisions) > 0 {
		var sum, min, max int64
		min = decisions[0]
		for _, d := range decisions {
			sum += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		st.AverageDecisionMs = float64(sum) / float64(len(decisions))
		st.FastestDecisionMs = min
		st.SlowestDecisionMs = max
	}
	if capacity > 0 {
		ratio := float64(active) / float64(capacity)
		switch {
		case ratio >= 0.8:
			st.LoadBand = LoadHigh
		case ratio >= 0.5:
			st.LoadBand = LoadMedium
		default:
			st.LoadBand = LoadLow
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err == nil {
		tmp := filepath.Join(s.base, "stats.json.tmp")
		final := filepath.Join(s.base, "stats.json")
		if werr := os.WriteFile(tmp, data, 0o644); werr == nil {
			_ = os.Rename(tmp, final)
		}
	}
	return st, nil
}

// RunRetention deletes jobs in every terminal status whose completion
// (or, failing that, last update) is at least maxAge old, except jobs in
// the expired status, which use expiredAge instead. Because a job's record
// and results share one directory, each removal is a single
// os.RemoveAll: either fully collected or not collected at all.
func (s *Store) RunRetention(maxAge, expiredAge time.Duration) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	terminalBuckets := []Status{
		StatusCompleted, StatusRejected, StatusApprovalTimeout,
		StatusExecutionTimeout, StatusExecutionFailed, StatusCancelled, StatusExpired,
	}
	for _, status := range terminalBuckets {
		dir := filepath.Join(s.base, "jobs", string(status))
		entries, derr := os.ReadDir(dir)
		if derr != nil {
			continue
		}
		threshold := maxAge
		if status == StatusExpired {
			threshold = expiredAge
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			job, jerr := readJobFile(filepath.Join(path, "job.json"))
			if jerr != nil {
				continue
			}
			ref := job.CompletedAt
			if ref == 0 {
				ref = job.LastUpdated
			}
			age := now.Sub(time.UnixMilli(ref))
			if age >= threshold {
				if err := os.RemoveAll(path); err != nil {
					return removed, fmt.Errorf("removing retained job %s: %w", job.ID, err)
				}
				removed++
			}
		}
	}
	return removed, nil
}
