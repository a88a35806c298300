package audit

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLog_BuffersNonCriticalEvents(t *testing.T) {
	db := newTestDB(t)
	bl := NewBufferedLogger(db, 10, time.Hour, nil, nil)

	if err := bl.Log(Event{Action: "job_submitted", JobID: "j1", Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if n := countRows(t, db); n != 0 {
		t.Fatalf("expected buffered event not yet flushed, got %d rows", n)
	}
	if err := bl.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("expected 1 row after flush, got %d", n)
	}
}

func TestLog_CriticalActionsWriteDirect(t *testing.T) {
	db := newTestDB(t)
	bl := NewBufferedLogger(db, 10, time.Hour, nil, nil)

	if err := bl.Log(Event{Action: "job_rejected", JobID: "j1", DecidedBy: "alice", Success: false}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("expected critical event written immediately, got %d rows", n)
	}
}

func TestLog_FlushesAtMaxBuffer(t *testing.T) {
	db := newTestDB(t)
	bl := NewBufferedLogger(db, 3, time.Hour, nil, nil)

	for i := 0; i < 3; i++ {
		if err := bl.Log(Event{Action: "job_completed", JobID: "j1", Success: true}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if n := countRows(t, db); n != 3 {
		t.Fatalf("expected auto-flush at maxBuffer, got %d rows", n)
	}
}

func TestChain_HashesLinkSequentially(t *testing.T) {
	db := newTestDB(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	bl := NewBufferedLogger(db, 10, time.Hour, key, nil)

	bl.Log(Event{Action: "job_approved", JobID: "j1", DecidedBy: "bob", Success: true})
	bl.Log(Event{Action: "job_approved", JobID: "j2", DecidedBy: "bob", Success: true})

	rows, err := db.Query(`SELECT prev_hash, row_hash FROM audit_logs ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var prev, row string
		if err := rows.Scan(&prev, &row); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if row == "" {
			t.Fatal("expected non-empty row hash when hmac key is set")
		}
		hashes = append(hashes, prev, row)
	}
	if len(hashes) != 4 {
		t.Fatalf("expected 2 rows, got %d values", len(hashes))
	}
	if hashes[2] != hashes[1] {
		t.Fatalf("second row's prev_hash %q should equal first row's row_hash %q", hashes[2], hashes[1])
	}
}
