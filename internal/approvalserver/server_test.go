package approvalserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shellgated/internal/bridge"
	"shellgated/internal/queue"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := queue.Open(t.TempDir(), "async-queue")
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	b := bridge.New(store, time.Hour)
	s, err := New(b, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnauthorizedWithWrongToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stats?token=wrong", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthorizedWithCorrectToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stats?token="+s.Token(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing X-Frame-Options header")
	}
}

func TestSessionExchange_SetsCookieAndRedirects(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/?token="+s.Token(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a session cookie to be set")
	}
}

func TestFormatSSE(t *testing.T) {
	frame := formatSSE("ping", []byte(`{}`))
	got := string(frame)
	want := "event: ping\ndata: {}\n\n"
	if got != want {
		t.Fatalf("formatSSE = %q, want %q", got, want)
	}
}
