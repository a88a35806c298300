// Package accounts implements local operator accounts for the approval
// UI: bcrypt-hashed passwords, session tokens, and failed-login
// lockout. This is the human-identity layer that sits behind the
// approval server's bearer token — the token gates the loopback API
// itself, while a Store session associates a human with decided_by on
// every approval decision.
package accounts

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Role distinguishes an operator who can only view pending approvals
// from one who can also decide them.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

// User is one operator account.
type User struct {
	ID       int64
	Username string
	Email    string
	Role     Role
	Active   bool
}

// Store is the SQLite-backed operator account and session store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the accounts database in WAL mode,
// scaled down for a low-write, low-reader side table.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening accounts database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging accounts database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			active INTEGER NOT NULL DEFAULT 1,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			locked_until INTEGER
		);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating accounts schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateUser inserts a new operator account with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO users (username, password_hash, role, active) VALUES (?, ?, ?, 1)`,
		username, string(hash), string(role),
	)
	if err != nil {
		return fmt.Errorf("creating user %s: %w", username, err)
	}
	return nil
}

// Authenticate validates a username/password pair, enforcing a lockout
// after maxFailedLogins consecutive failures. It fails closed: any
// database error is treated as an authentication failure.
func (s *Store) Authenticate(username, password string) (*User, error) {
	var (
		id           int64
		email        sql.NullString
		passwordHash string
		role         string
		active       bool
		failedLogins int
		lockedUntil  sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT id, email, password_hash, role, active, failed_logins, locked_until FROM users WHERE username = ?`,
		username,
	).Scan(&id, &email, &passwordHash, &role, &active, &failedLogins, &lockedUntil)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", username, err)
	}
	if !active {
		return nil, fmt.Errorf("account disabled")
	}
	if lockedUntil.Valid && time.Now().Unix() < lockedUntil.Int64 {
		return nil, fmt.Errorf("account locked, try again later")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		s.recordFailedLogin(username, failedLogins+1)
		return nil, fmt.Errorf("invalid credentials")
	}

	s.resetFailedLogins(username)
	return &User{ID: id, Username: username, Email: email.String, Role: Role(role), Active: active}, nil
}

func (s *Store) recordFailedLogin(username string, count int) {
	var lockedUntil *int64
	if count >= maxFailedLogins {
		until := time.Now().Add(lockoutDuration).Unix()
		lockedUntil = &until
	}
	s.db.Exec(`UPDATE users SET failed_logins = ?, locked_until = ? WHERE username = ?`, count, lockedUntil, username)
}

func (s *Store) resetFailedLogins(username string) {
	s.db.Exec(`UPDATE users SET failed_logins = 0, locked_until = NULL WHERE username = ?`, username)
}

// CreateSession mints a session row for sessionID, expiring after ttl
// (zero means never).
func (s *Store) CreateSession(sessionID, username string, ttl time.Duration) error {
	var expiresAt *int64
	if ttl != 0 {
		v := time.Now().Add(ttl).Unix()
		expiresAt = &v
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, username, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sessionID, username, time.Now().Unix(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// ValidateSession reports whether sessionID is a live, unexpired session.
func (s *Store) ValidateSession(sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		sessionID, time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("validating session: %w", err)
	}
	return count > 0, nil
}

// GetUserFromSession resolves the operator behind a session, for
// attributing approval decisions to a human.
func (s *Store) GetUserFromSession(sessionID string) (*User, error) {
	var (
		id     int64
		email  sql.NullString
		role   string
		active bool
	)
	err := s.db.QueryRow(`
		SELECT u.id, u.email, u.role, u.active
		FROM sessions sess
		JOIN users u ON sess.username = u.username
		WHERE sess.session_id = ?
		AND (sess.expires_at IS NULL OR sess.expires_at > ?)
		AND u.active = 1
		LIMIT 1
	`, sessionID, time.Now().Unix()).Scan(&id, &email, &role, &active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid or expired session")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session user: %w", err)
	}
	var username string
	s.db.QueryRow(`SELECT username FROM sessions WHERE session_id = ?`, sessionID).Scan(&username)
	return &User{ID: id, Username: username, Email: email.String, Role: Role(role), Active: active}, nil
}
