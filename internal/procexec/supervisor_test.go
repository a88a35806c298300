package procexec

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSpawn_CapturesOutputAndExitCode(t *testing.T) {
	s := New(2)
	res, err := s.Spawn(context.Background(), "job-1", "sh", []string{"-c", "echo hello"}, Options{Env: os.Environ()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestSpawn_CapacityExceeded(t *testing.T) {
	s := New(1)
	if !s.TryAcquire() {
		t.Fatal("expected to acquire first slot")
	}
	defer s.Release()

	_, err := s.Spawn(context.Background(), "job-2", "sh", []string{"-c", "true"}, Options{Env: os.Environ()})
	if err != ErrCapacityExceeded {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
}

func TestSpawn_TimeoutEscalatesToKill(t *testing.T) {
	s := New(2)
	start := time.Now()
	res, err := s.Spawn(context.Background(), "job-3", "sh", []string{"-c", "trap '' TERM; sleep 30"}, Options{
		Env:       os.Environ(),
		TimeoutMs: 200,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	elapsed := time.Since(start)
	if !res.TimedOut {
		t.Fatalf("expected TimedOut=true, got %+v", res)
	}
	if !res.Killed {
		t.Fatalf("expected Killed=true once the child ignores SIGTERM, got %+v", res)
	}
	if elapsed > 200*time.Millisecond+GracePeriod+2*time.Second {
		t.Fatalf("took too long to terminate: %v", elapsed)
	}
}

func TestSpawn_ENOENTClassified(t *testing.T) {
	s := New(2)
	_, err := s.Spawn(context.Background(), "job-4", "definitely-not-a-real-binary", nil, Options{Env: os.Environ()})
	if err == nil {
		t.Fatal("expected an error for a nonexistent binary")
	}
	if !strings.Contains(err.Error(), string(SpawnENOENT)) {
		t.Fatalf("err = %v, want it classified as %s", err, SpawnENOENT)
	}
}

func TestKill_AcceptsInternalIDAndPid(t *testing.T) {
	s := New(2)
	done := make(chan Result, 1)
	go func() {
		res, _ := s.Spawn(context.Background(), "job-5", "sh", []string{"-c", "sleep 5"}, Options{Env: os.Environ()})
		done <- res
	}()

	var pid int
	for i := 0; i < 100; i++ {
		if p, active := s.Lookup("job-5"); active {
			pid = p
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pid == 0 {
		t.Fatal("process never appeared in the table")
	}

	if err := s.Kill(strconv.Itoa(pid), syscall.Signal(0)); err != nil {
		t.Fatalf("Kill by pid: %v", err)
	}
	if err := s.Kill("job-5", syscall.SIGKILL); err != nil {
		t.Fatalf("Kill by id: %v", err)
	}
	<-done
}
