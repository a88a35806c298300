// Package queue implements the filesystem-backed job store (C3): job
// records shard by lifecycle status under <base>/async-queue/jobs/<status>/<id>/,
// with results and metadata nested under the same per-job directory so a
// retention sweep can remove everything about a job with one os.RemoveAll.
package queue

import "time"

// Status is a job's lifecycle state. Exactly one status shard holds a given
// job's directory at any quiescent instant.
type Status string

const (
	StatusPendingApproval  Status = "pending_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusRejected         Status = "rejected"
	StatusApprovalTimeout  Status = "approval_timeout"
	StatusExecutionTimeout Status = "execution_timeout"
	StatusExecutionFailed  Status = "execution_failed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusApprovalTimeout,
		StatusExecutionTimeout, StatusExecutionFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// allStatuses lists every shard directory the store scans, in the order
// Get() probes them. Active statuses are probed before terminal ones since
// polling clients overwhelmingly ask about jobs that are still moving.
var allStatuses = []Status{
	StatusPendingApproval,
	StatusApproved,
	StatusExecuting,
	StatusCompleted,
	StatusRejected,
	StatusApprovalTimeout,
	StatusExecutionTimeout,
	StatusExecutionFailed,
	StatusCancelled,
	StatusExpired,
}

// OperationType classifies a job; List can filter on it.
type OperationType string

const (
	OpPackageInstall OperationType = "package_install"
	OpBuildCompile   OperationType = "build_compile"
	OpDockerBuild    OperationType = "docker_build"
	OpTestSuite      OperationType = "test_suite"
	OpCodeGeneration OperationType = "code_generation"
	OpDeployment     OperationType = "deployment"
	OpDatabase       OperationType = "database"
	OpOther          OperationType = "other"
)

// Job is the central, durable record of one requested command execution.
type Job struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id"`

	// Request
	Command              string        `json:"command"`
	Args                 []string      `json:"args"`
	WorkingDirectory     string        `json:"working_directory"`
	RequestedTimeoutMs   int64         `json:"requested_timeout_ms"`
	OperationType        OperationType `json:"operation_type"`
	UserDescription      string        `json:"user_description,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`

	// Timestamps (Unix milliseconds)
	SubmittedAt  int64 `json:"submitted_at"`
	LastUpdated  int64 `json:"last_updated"`
	StartedAt    int64 `json:"started_at,omitempty"`
	CompletedAt  int64 `json:"completed_at,omitempty"`
	ApprovedAt   int64 `json:"approved_at,omitempty"`
	LastPolledAt int64 `json:"last_polled_at,omitempty"`

	// Lifecycle
	Status             Status  `json:"status"`
	CurrentPhase       string  `json:"current_phase"`
	ProgressMessage    string  `json:"progress_message"`
	ProgressPercentage float64 `json:"progress_percentage,omitempty"`

	// Approval bookkeeping (mirrors the approval decision onto the record)
	ApprovedBy string `json:"approved_by,omitempty"`
	RejectedBy string `json:"rejected_by,omitempty"`
	RejectedAt int64  `json:"rejected_at,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Execution result
	ExitCode        *int   `json:"exit_code,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	TimedOut        bool   `json:"timed_out,omitempty"`
	Killed          bool   `json:"killed,omitempty"`
	Pid             int    `json:"pid,omitempty"`
	Error           string `json:"error,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`

	// Access control
	ExecutionToken string `json:"execution_token,omitempty"`

	// Controls
	PollCount           int   `json:"poll_count"`
	RetryCount          int   `json:"retry_count"`
	CanRetry            bool  `json:"can_retry"`
	EstimatedDurationMs int64 `json:"estimated_duration_ms"`
}

// Summary is the projection List() returns — large fields such as output
// locations are omitted.
type Summary struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id,omitempty"`
	Command            string        `json:"command"`
	Args               []string      `json:"args"`
	OperationType      OperationType `json:"operation_type"`
	Status             Status        `json:"status"`
	SubmittedAt        int64         `json:"submitted_at"`
	LastUpdated        int64         `json:"last_updated"`
	CurrentPhase       string        `json:"current_phase"`
	ProgressMessage    string        `json:"progress_message"`
	ProgressPercentage float64       `json:"progress_percentage,omitempty"`
}

func (j *Job) summary() Summary {
	return Summary{
		ID:                 j.ID,
		ConversationID:     j.ConversationID,
		Command:            j.Command,
		Args:               j.Args,
		OperationType:      j.OperationType,
		Status:             j.Status,
		SubmittedAt:        j.SubmittedAt,
		LastUpdated:        j.LastUpdated,
		CurrentPhase:       j.CurrentPhase,
		ProgressMessage:    j.ProgressMessage,
		ProgressPercentage: j.ProgressPercentage,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
