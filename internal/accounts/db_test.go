package accounts

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "accounts.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateUser("alice", "hunter22", RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := s.Authenticate("alice", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Username != "alice" || user.Role != RoleAdmin {
		t.Errorf("got %+v, want username=alice role=admin", user)
	}
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateUser("bob", "correcthorse", RoleViewer); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := s.Authenticate("bob", "wrong"); err == nil {
		t.Fatal("expected authentication failure for wrong password")
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Authenticate("ghost", "whatever"); err == nil {
		t.Fatal("expected authentication failure for unknown user")
	}
}

func TestAuthenticate_LocksOutAfterMaxFailures(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateUser("carol", "swordfish", RoleViewer); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	for i := 0; i < maxFailedLogins; i++ {
		if _, err := s.Authenticate("carol", "wrong"); err == nil {
			t.Fatal("expected failure for wrong password")
		}
	}

	// Account should now be locked even with the correct password.
	if _, err := s.Authenticate("carol", "swordfish"); err == nil {
		t.Fatal("expected account to be locked out")
	}
}

func TestAuthenticate_ResetsFailedLoginsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateUser("dave", "letmein1", RoleViewer); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := s.Authenticate("dave", "wrong"); err == nil {
		t.Fatal("expected failure for wrong password")
	}
	if _, err := s.Authenticate("dave", "letmein1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	var failedLogins int
	if err := s.db.QueryRow(`SELECT failed_logins FROM users WHERE username = ?`, "dave").Scan(&failedLogins); err != nil {
		t.Fatalf("querying failed_logins: %v", err)
	}
	if failedLogins != 0 {
		t.Errorf("failed_logins = %d, want 0 after a successful login", failedLogins)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateUser("erin", "password1", RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := s.CreateSession("sess-1", "erin", time.Hour); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	valid, err := s.ValidateSession("sess-1")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if !valid {
		t.Fatal("expected session to be valid")
	}

	user, err := s.GetUserFromSession("sess-1")
	if err != nil {
		t.Fatalf("GetUserFromSession: %v", err)
	}
	if user.Username != "erin" || user.Role != RoleAdmin {
		t.Errorf("got %+v, want username=erin role=admin", user)
	}
}

func TestSessionLifecycle_ExpiredSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateUser("frank", "password2", RoleViewer); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateSession("sess-expired", "frank", -time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	valid, err := s.ValidateSession("sess-expired")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if valid {
		t.Error("expected expired session to be invalid")
	}

	if _, err := s.GetUserFromSession("sess-expired"); err == nil {
		t.Fatal("expected GetUserFromSession to fail for an expired session")
	}
}

func TestValidateSession_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	valid, err := s.ValidateSession("does-not-exist")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if valid {
		t.Error("expected unknown session to be invalid")
	}
}
