package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "async-queue")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSubmit_AutoApprovalInvariant(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Submit(SubmitRequest{Command: "echo", Args: []string{"hi"}, RequiresConfirmation: false})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", job.Status)
	}
	if job.ApprovedAt != job.SubmittedAt {
		t.Fatalf("approved_at (%d) != submitted_at (%d)", job.ApprovedAt, job.SubmittedAt)
	}
}

func TestSubmit_RequiresConfirmation(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Submit(SubmitRequest{Command: "git", Args: []string{"push"}, RequiresConfirmation: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", job.Status)
	}
	if job.ApprovedAt != 0 {
		t.Fatalf("approved_at should be unset, got %d", job.ApprovedAt)
	}
}

func TestSingleLocationInvariant(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Submit(SubmitRequest{Command: "git", Args: []string{"push"}, RequiresConfirmation: true})

	if _, err := s.Transition(job.ID, StatusApproved, func(j *Job) { j.ApprovedBy = "alice" }); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	found := 0
	for _, status := range allStatuses {
		if _, err := os.Stat(filepath.Join(s.jobDir(status, job.ID), "job.json")); err == nil {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("job.json found in %d status shards, want exactly 1", found)
	}
}

func TestGet_IncrementsPollCount(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"hi"}, RequiresConfirmation: false})

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PollCount != 1 {
		t.Fatalf("poll count = %d, want 1", got.PollCount)
	}
	got2, _ := s.Get(job.ID)
	if got2.PollCount != 2 {
		t.Fatalf("poll count = %d, want 2", got2.PollCount)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("does-not-exist"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteWithToken_TokenGating(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"hi"}, RequiresConfirmation: false})
	s.Transition(job.ID, StatusExecuting, nil)

	completed, err := s.CompleteWithToken(job.ID, func(j *Job) { j.ExitCode = intPtr(0) })
	if err != nil {
		t.Fatalf("CompleteWithToken: %v", err)
	}
	if completed.ExecutionToken == "" {
		t.Fatal("expected a non-empty execution token on completion")
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
}

func TestTransition_RejectsFromTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"hi"}, RequiresConfirmation: false})
	s.Transition(job.ID, StatusExecuting, nil)
	s.CompleteWithToken(job.ID, nil)

	if _, err := s.Transition(job.ID, StatusExecuting, nil); err == nil {
		t.Fatal("expected an error transitioning out of a terminal status")
	}
}

func TestList_FiltersAndSortsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"1"}, RequiresConfirmation: false})
	time.Sleep(2 * time.Millisecond)
	second, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"2"}, RequiresConfirmation: false})

	summaries, total, err := s.List(ListFilter{Status: StatusApproved})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if summaries[0].ID != second.ID || summaries[1].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %+v", summaries)
	}
}

func TestRunRetention_RemovesOldCompletedJobs(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Submit(SubmitRequest{Command: "echo", Args: []string{"hi"}, RequiresConfirmation: false})
	s.Transition(job.ID, StatusExecuting, nil)
	completed, _ := s.CompleteWithToken(job.ID, func(j *Job) { j.CompletedAt = nowMs() - int64(10*24*time.Hour/time.Millisecond) })
	_ = completed

	removed, err := s.RunRetention(7*24*time.Hour, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(job.ID); err != ErrNotFound {
		t.Fatalf("expected job to be gone after retention, got err=%v", err)
	}
}

func intPtr(i int) *int { return &i }
