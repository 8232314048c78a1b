package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Range is one stored trigger window.
type Range struct {
	RangeID   int        `json:"range_id"`
	FirstScan int64      `json:"first_scan"`
	Scans     int64      `json:"scans"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// BadRange is one entry of the bad-data log.
type BadRange struct {
	FirstScan int64     `json:"first_scan"`
	Length    int64     `json:"length"`
	At        time.Time `json:"at"`
}

// Reader provides read-only access to SQLite for the query API.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// Ping checks the connection.
func (r *Reader) Ping() error { return r.db.Ping() }

// ListSessions returns all sessions, newest first.
func (r *Reader) ListSessions() ([]Session, error) {
	rows, err := r.db.Query(`
		SELECT id, started_at, channel_count, sample_width, sample_rate, trigger_mode
		FROM sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var startedMs int64
		if err := rows.Scan(&s.ID, &startedMs, &s.ChannelCount, &s.SampleWidth, &s.SampleRate, &s.TriggerMode); err != nil {
			return nil, fmt.Errorf("sqlite scan sessions: %w", err)
		}
		s.StartedAt = time.UnixMilli(startedMs).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListRanges returns the ranges of a session ordered by range id.
func (r *Reader) ListRanges(sessionID string) ([]Range, error) {
	rows, err := r.db.Query(`
		SELECT range_id, first_scan, scans, opened_at, closed_at
		FROM ranges
		WHERE session_id = ?
		ORDER BY range_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ranges: %w", err)
	}
	defer rows.Close()

	var out []Range
	for rows.Next() {
		var rg Range
		var openedMs int64
		var closedMs sql.NullInt64
		if err := rows.Scan(&rg.RangeID, &rg.FirstScan, &rg.Scans, &openedMs, &closedMs); err != nil {
			return nil, fmt.Errorf("sqlite scan ranges: %w", err)
		}
		rg.OpenedAt = time.UnixMilli(openedMs).UTC()
		if closedMs.Valid {
			t := time.UnixMilli(closedMs.Int64).UTC()
			rg.ClosedAt = &t
		}
		out = append(out, rg)
	}
	return out, rows.Err()
}

// ReadRange returns the concatenated scan bytes of a range in scan order,
// together with the index of its first scan.
func (r *Reader) ReadRange(sessionID string, rangeID int) ([]byte, int64, error) {
	rows, err := r.db.Query(`
		SELECT first_scan, data
		FROM chunks
		WHERE session_id = ? AND range_id = ?
		ORDER BY first_scan ASC
	`, sessionID, rangeID)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite query chunks: %w", err)
	}
	defer rows.Close()

	var out []byte
	first := int64(-1)
	for rows.Next() {
		var scan int64
		var data []byte
		if err := rows.Scan(&scan, &data); err != nil {
			return nil, 0, fmt.Errorf("sqlite scan chunks: %w", err)
		}
		if first < 0 {
			first = scan
		}
		out = append(out, data...)
	}
	return out, first, rows.Err()
}

// BadRanges returns bad-data entries overlapping [from, to). to <= 0 means no upper bound.
func (r *Reader) BadRanges(sessionID string, from, to int64) ([]BadRange, error) {
	if to <= 0 {
		to = 1<<63 - 1
	}
	rows, err := r.db.Query(`
		SELECT first_scan, length, created_at
		FROM bad_ranges
		WHERE session_id = ? AND first_scan < ? AND first_scan + length > ?
		ORDER BY first_scan ASC
	`, sessionID, to, from)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bad_ranges: %w", err)
	}
	defer rows.Close()

	var out []BadRange
	for rows.Next() {
		var b BadRange
		var atMs int64
		if err := rows.Scan(&b.FirstScan, &b.Length, &atMs); err != nil {
			return nil, fmt.Errorf("sqlite scan bad_ranges: %w", err)
		}
		b.At = time.UnixMilli(atMs).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close closes the reader's database connection.
func (r *Reader) Close() error {
	return r.db.Close()
}
