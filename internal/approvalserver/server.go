// Package approvalserver implements the approval server (C6): a
// loopback-only HTTP + SSE surface with bearer-token auth, REST
// endpoints for listing and deciding pending approval requests, and an
// embedded single-page UI, built on mux.NewRouter with chained
// middleware and graceful http.Server shutdown.
package approvalserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"shellgated/internal/accounts"
	"shellgated/internal/bridge"
	"shellgated/internal/queue"
	"shellgated/internal/wsmonitor"
)

// Server is the C6 approval server.
type Server struct {
	Bridge *bridge.Bridge
	Store  *queue.Store
	Log    *logrus.Logger

	token string

	httpServer *http.Server
	listener   net.Listener
	router     *mux.Router

	sseMu      sync.Mutex
	sseClients map[chan []byte]struct{}

	rateMu       sync.Mutex
	requestTimes map[string][]time.Time

	// Accounts, if set, enables human operator login: a successful
	// POST /api/login resolves decidedBy from the operator's session
	// cookie instead of a client-supplied, unverified name.
	Accounts   *accounts.Store
	LDAPClient *accounts.LDAPClient

	// Monitor, if set, receives a copy of every bridge event for the
	// supplementary live WebSocket activity feed.
	Monitor *wsmonitor.Hub

	// AuditDecision, if set, is called with every approve/reject decision
	// for the HMAC-chained audit trail.
	AuditDecision func(approvalRequestID string, approved bool, decidedBy, reason string)
	// Notify, if set, is called for every new approval request so
	// high-risk ones can be alerted on (e.g. Telegram).
	Notify func(bj bridge.BridgedJob)
}

// New builds a Server. A fresh 256-bit bearer token is minted.
func New(b *bridge.Bridge, store *queue.Store, log *logrus.Logger) (*Server, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		Bridge:       b,
		Store:        store,
		Log:          log,
		token:        token,
		sseClients:   make(map[chan []byte]struct{}),
		requestTimes: make(map[string][]time.Time),
	}
	s.router = s.buildRouter()
	return s, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating approval server token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the server's bearer token, for the facade to hand back
// as an approval_url query parameter.
func (s *Server) Token() string { return s.token }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.securityHeaders)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.sessionExchange(s.handleIndex)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/requests/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.Handle("/requests/{id}/approve", s.rateLimited(http.HandlerFunc(s.handleApprove))).Methods(http.MethodPost)
	api.Handle("/requests/{id}/reject", s.rateLimited(http.HandlerFunc(s.handleReject))).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.Handle("/login", s.rateLimited(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleMonitorWS).Methods(http.MethodGet)

	return r
}

// Start binds an ephemeral loopback port and begins serving.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("SERVER_START_ERROR: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams hold connections open
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Log.WithError(err).Error("approval server: Serve exited")
		}
	}()
	go s.pump()
	return "http://" + ln.Addr().String() + "/?token=" + s.token, nil
}

// Stop gracefully shuts the server down, closing every SSE connection.
func (s *Server) Stop(ctx context.Context) error {
	s.sseMu.Lock()
	for ch := range s.sseClients {
		close(ch)
	}
	s.sseClients = make(map[chan []byte]struct{})
	s.sseMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// LaunchBrowser spawns the platform URL handler against url and
// detaches it.
func LaunchBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline'; connect-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Unauthorized",
		"message": "Valid authentication token required",
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.hasValidCredentials(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeUnauthorized(w)
	})
}

func (s *Server) hasValidCredentials(r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if validSessionCookie(cookie.Value, s.token) {
			return true
		}
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

// rateLimited applies a per-IP sliding-window limit to mutating
// endpoints.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	const window = time.Minute
	const maxRequests = 30
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}
		now := time.Now()

		s.rateMu.Lock()
		times := s.requestTimes[ip]
		cutoff := now.Add(-window)
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) >= maxRequests {
			s.requestTimes[ip] = kept
			s.rateMu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		kept = append(kept, now)
		s.requestTimes[ip] = kept
		s.rateMu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Bridge.Pending())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, bj := range s.Bridge.Pending() {
		if bj.ApprovalRequestID == id {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(bj)
			return
		}
	}
	http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.Stats(0)
	if err != nil {
		http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"queue":   st,
		"pending": len(s.Bridge.Pending()),
	})
}

type decisionBody struct {
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) { s.decide(w, r, true) }
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request)  { s.decide(w, r, false) }

const operatorSessionCookie = "shellgate_operator"

// operatorFromRequest resolves the human behind a request from an
// accounts session cookie, if Accounts is configured and the cookie
// validates; empty otherwise so callers fall back to the request body.
func (s *Server) operatorFromRequest(r *http.Request) string {
	if s.Accounts == nil {
		return ""
	}
	cookie, err := r.Cookie(operatorSessionCookie)
	if err != nil {
		return ""
	}
	user, err := s.Accounts.GetUserFromSession(cookie.Value)
	if err != nil {
		return ""
	}
	return user.Username
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin authenticates against LDAP when an LDAP client is
// configured, otherwise against local bcrypt accounts, then mints an
// operator session cookie. A failed LDAP bind is not retried against the
// local accounts.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.Accounts == nil {
		http.Error(w, `{"error":"operator accounts not configured"}`, http.StatusNotImplemented)
		return
	}
	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	username := body.Username
	if s.LDAPClient != nil {
		if ldapUser, err := s.LDAPClient.Authenticate(body.Username, body.Password); err == nil {
			username = ldapUser.Username
		} else {
			writeUnauthorized(w)
			return
		}
	} else if _, err := s.Accounts.Authenticate(body.Username, body.Password); err != nil {
		writeUnauthorized(w)
		return
	}

	sessionID, err := randomToken()
	if err != nil {
		http.Error(w, `{"error":"session creation failed"}`, http.StatusInternalServerError)
		return
	}
	if err := s.Accounts.CreateSession(sessionID, username, 24*time.Hour); err != nil {
		http.Error(w, `{"error":"session creation failed"}`, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: operatorSessionCookie, Value: sessionID, Path: "/",
		HttpOnly: true, SameSite: http.SameSiteStrictMode, MaxAge: 24 * 3600,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": username})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	id := mux.Vars(r)["id"]
	var body decisionBody
	json.NewDecoder(r.Body).Decode(&body)
	if operator := s.operatorFromRequest(r); operator != "" {
		body.DecidedBy = operator
	}
	if body.DecidedBy == "" {
		body.DecidedBy = "unknown"
	}

	if err := s.Bridge.Decide(id, approved, body.DecidedBy, body.Reason); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusNotFound)
		return
	}
	if s.AuditDecision != nil {
		s.AuditDecision(id, approved, body.DecidedBy, body.Reason)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// pump relays bridge events onto every connected SSE client and, for
// newly created requests, into Notify so an operator away from the UI
// still hears about it.
func (s *Server) pump() {
	for ev := range s.Bridge.Events() {
		eventName := "requestCreated"
		if ev.Type == "approvalProcessed" {
			eventName = "requestDecided"
		} else if s.Notify != nil {
			s.notifyFor(ev.ApprovalRequestID)
		}
		payload, _ := json.Marshal(ev)
		s.broadcast(eventName, payload)
		if s.Monitor != nil {
			s.Monitor.Broadcast(ev.Type, ev.JobID, ev, "info")
		}
	}
}

func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		http.Error(w, "monitor feed not enabled", http.StatusNotImplemented)
		return
	}
	wsmonitor.NewHandler(s.Monitor, s.token).ServeHTTP(w, r)
}

func (s *Server) notifyFor(approvalRequestID string) {
	for _, bj := range s.Bridge.Pending() {
		if bj.ApprovalRequestID == approvalRequestID {
			s.Notify(bj)
			return
		}
	}
}

func (s *Server) broadcast(event string, data []byte) {
	frame := formatSSE(event, data)
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	for ch := range s.sseClients {
		select {
		case ch <- frame:
		default:
			// slow client; drop rather than block the broadcaster
		}
	}
}

func formatSSE(event string, data []byte) []byte {
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 16)
	s.sseMu.Lock()
	s.sseClients[ch] = struct{}{}
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, ch)
		s.sseMu.Unlock()
	}()

	w.Write(formatSSE("connected", []byte(`{}`)))
	initial, _ := json.Marshal(s.Bridge.Pending())
	w.Write(formatSSE("initialData", initial))
	flusher.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := w.Write(formatSSE("ping", []byte(`{}`))); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
