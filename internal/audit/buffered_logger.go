// Package audit implements the HMAC-chained, SQLite-backed ledger of
// job-lifecycle transitions and approval decisions: tamper-evidence for
// "who approved what," independent of the structured logger.
package audit

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one row of the audit ledger.
type Event struct {
	Timestamp int64
	JobID     string
	Action    string
	Command   string
	DecidedBy string
	Reason    string
	Success   bool
}

// CriticalActions lists actions that must bypass the buffer and write
// directly to SQLite, so they survive a crash or SIGKILL between the
// decision and the next periodic flush.
var CriticalActions = map[string]bool{
	"job_approved":      true,
	"job_rejected":      true,
	"execution_failed":  true,
	"execution_timeout": true,
	"capacity_denied":   true,
}

// BufferedLogger batches job-lifecycle audit events into SQLite: buffer
// up to maxBuffer rows or flushInterval, whichever comes first, except
// for CriticalActions which always write synchronously.
type BufferedLogger struct {
	db            *sql.DB
	log           *logrus.Logger
	buffer        []Event
	bufferMutex   sync.Mutex
	flushTicker   *time.Ticker
	stopChan      chan struct{}
	maxBuffer     int
	flushInterval time.Duration
	hmacKey       []byte
}

// auditKeyLength is the size, in bytes, of the HMAC key used to chain
// audit rows together.
const auditKeyLength = 32

// LoadOrCreateAuditKey reads the chaining key from keyPath, generating
// and persisting a fresh one on first run. Call once at daemon startup
// and pass the result to NewBufferedLogger; the key is never exposed
// through any RPC or HTTP endpoint.
func LoadOrCreateAuditKey(keyPath string) ([]byte, error) {
	if existing, err := os.ReadFile(keyPath); err == nil {
		if len(existing) != auditKeyLength {
			return nil, fmt.Errorf("audit key at %s has wrong length %d (want %d)", keyPath, len(existing), auditKeyLength)
		}
		return existing, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading audit key: %w", err)
	}

	key := make([]byte, auditKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating audit key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating audit key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("writing audit key: %w", err)
	}
	return key, nil
}

// NewBufferedLogger constructs a logger against an already-migrated db.
func NewBufferedLogger(db *sql.DB, maxBuffer int, flushInterval time.Duration, hmacKey []byte, log *logrus.Logger) *BufferedLogger {
	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BufferedLogger{
		db: db, log: log, buffer: make([]Event, 0, maxBuffer),
		maxBuffer: maxBuffer, flushInterval: flushInterval,
		stopChan: make(chan struct{}), hmacKey: hmacKey,
	}
}

// Migrate creates the audit_logs table if it does not already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		job_id TEXT,
		action TEXT NOT NULL,
		command TEXT,
		decided_by TEXT,
		reason TEXT,
		success INTEGER NOT NULL,
		prev_hash TEXT,
		row_hash TEXT
	)`)
	if err != nil {
		return fmt.Errorf("migrating audit_logs: %w", err)
	}
	return nil
}

// Start begins the background flush loop.
func (bl *BufferedLogger) Start() {
	bl.flushTicker = time.NewTicker(bl.flushInterval)
	go func() {
		for {
			select {
			case <-bl.flushTicker.C:
				if err := bl.Flush(); err != nil {
					bl.logErr("flushing audit log", err)
				}
			case <-bl.stopChan:
				bl.flushTicker.Stop()
				if err := bl.Flush(); err != nil {
					bl.logErr("final audit flush", err)
				}
				return
			}
		}
	}()
}

// Stop flushes any remaining buffered events and halts the background loop.
func (bl *BufferedLogger) Stop() {
	close(bl.stopChan)
}

func (bl *BufferedLogger) logErr(msg string, err error) {
	if bl.log != nil {
		bl.log.WithError(err).Error(msg)
	}
}

// Log records one event, buffering unless its Action is critical.
func (bl *BufferedLogger) Log(event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if CriticalActions[event.Action] {
		return bl.writeDirect([]Event{event})
	}

	bl.bufferMutex.Lock()
	bl.buffer = append(bl.buffer, event)
	needFlush := len(bl.buffer) >= bl.maxBuffer
	bl.bufferMutex.Unlock()

	if needFlush {
		return bl.Flush()
	}
	return nil
}

func (bl *BufferedLogger) writeDirect(events []Event) error {
	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("audit direct write: begin: %w", err)
	}
	defer tx.Rollback()
	return bl.insertChained(tx, events)
}

// Flush writes all buffered events to SQLite in a single transaction.
func (bl *BufferedLogger) Flush() error {
	bl.bufferMutex.Lock()
	if len(bl.buffer) == 0 {
		bl.bufferMutex.Unlock()
		return nil
	}
	events := make([]Event, len(bl.buffer))
	copy(events, bl.buffer)
	bl.buffer = bl.buffer[:0]
	bl.bufferMutex.Unlock()

	tx, err := bl.db.Begin()
	if err != nil {
		return fmt.Errorf("begin audit flush: %w", err)
	}
	defer tx.Rollback()
	if err := bl.insertChained(tx, events); err != nil {
		return err
	}
	return nil
}

func (bl *BufferedLogger) insertChained(tx *sql.Tx, events []Event) error {
	var prevHash string
	if bl.hmacKey != nil {
		_ = tx.QueryRow(`SELECT COALESCE(row_hash,'') FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	}

	stmt, err := tx.Prepare(`INSERT INTO audit_logs
		(timestamp, job_id, action, command, decided_by, reason, success, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		rowHash := computeRowHash(bl.hmacKey, prevHash, e)
		if _, err := stmt.Exec(e.Timestamp, e.JobID, e.Action, e.Command, e.DecidedBy, e.Reason, e.Success, prevHash, rowHash); err != nil {
			bl.logErr("inserting audit row", err)
			continue
		}
		prevHash = rowHash
	}
	return tx.Commit()
}

// Stats reports buffer occupancy and the flush settings.
func (bl *BufferedLogger) Stats() map[string]any {
	bl.bufferMutex.Lock()
	defer bl.bufferMutex.Unlock()
	return map[string]any{
		"buffer_size":    len(bl.buffer),
		"max_buffer":     bl.maxBuffer,
		"flush_interval": bl.flushInterval.String(),
	}
}
