package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"acqstream/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 1024
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath    string // path to SQLite database file, e.g. "data/acq.db"
	SessionID string
}

// Session describes one acquisition session row.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	ChannelCount int       `json:"channel_count"`
	SampleWidth  int       `json:"sample_width"`
	SampleRate   float64   `json:"sample_rate"`
	TriggerMode  string    `json:"trigger_mode"`
}

type opKind int

const (
	opAppend opKind = iota
	opBad
	opClose
)

type op struct {
	kind    opKind
	rangeID int
	first   int64
	scans   int64
	data    []byte
	at      time.Time
}

// Writer is the persistent Sink: accepted scan ranges, their chunks and
// the bad-data log. Append, MarkBadRange and CloseRange queue work for Run,
// which commits it in batched transactions on a single goroutine.
type Writer struct {
	db        *sql.DB
	sessionID string
	ops       chan op
	current   int // range of the last Append; caller goroutine only

	// OnCommit is called after every batch with its size and duration.
	OnCommit func(n int, d time.Duration, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// SessionID returns the session this writer records into.
func (w *Writer) SessionID() string { return w.sessionID }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, sessionID: cfg.SessionID, ops: make(chan op, defaultQueueSize)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT    PRIMARY KEY,
			started_at    INTEGER NOT NULL,
			channel_count INTEGER NOT NULL,
			sample_width  INTEGER NOT NULL,
			sample_rate   REAL    NOT NULL,
			trigger_mode  TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ranges (
			session_id TEXT    NOT NULL,
			range_id   INTEGER NOT NULL,
			first_scan INTEGER NOT NULL,
			scans      INTEGER NOT NULL DEFAULT 0,
			opened_at  INTEGER NOT NULL,
			closed_at  INTEGER,
			PRIMARY KEY (session_id, range_id)
		);

		CREATE TABLE IF NOT EXISTS chunks (
			session_id TEXT    NOT NULL,
			range_id   INTEGER NOT NULL,
			first_scan INTEGER NOT NULL,
			scans      INTEGER NOT NULL,
			data       BLOB    NOT NULL,
			PRIMARY KEY (session_id, range_id, first_scan)
		);

		CREATE TABLE IF NOT EXISTS bad_ranges (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT    NOT NULL,
			first_scan INTEGER NOT NULL,
			length     INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bad_ranges_session ON bad_ranges (session_id, first_scan);
	`)
	return err
}

// StartSession records the session row. Call before the first Append.
func (w *Writer) StartSession(s Session) error {
	_, err := w.db.Exec(`
		INSERT OR REPLACE INTO sessions (id, started_at, channel_count, sample_width, sample_rate, trigger_mode)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.sessionID, s.StartedAt.UnixMilli(), s.ChannelCount, s.SampleWidth, s.SampleRate, s.TriggerMode)
	if err != nil {
		return fmt.Errorf("sqlite insert session: %w", err)
	}
	return nil
}

// Append queues scans for range r. The data is copied.
func (w *Writer) Append(scans []byte, r model.ScanRange) error {
	w.current = r.RangeID
	return w.enqueue(op{
		kind:    opAppend,
		rangeID: r.RangeID,
		first:   r.FirstScan,
		scans:   int64(r.Scans),
		data:    append([]byte(nil), scans...),
		at:      time.Now(),
	})
}

// MarkBadRange queues a bad-data log entry.
func (w *Writer) MarkBadRange(firstScan, length int64) error {
	return w.enqueue(op{kind: opBad, first: firstScan, scans: length, at: time.Now()})
}

// CloseRange stamps the closing time of the range last appended to. A
// range is closed once; without a later Append the call is a no-op.
func (w *Writer) CloseRange() error {
	if w.current == 0 {
		return nil
	}
	id := w.current
	w.current = 0
	return w.enqueue(op{kind: opClose, rangeID: id, at: time.Now()})
}

func (w *Writer) enqueue(o op) error {
	select {
	case w.ops <- o:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("sqlite: write queue full (%d ops)", len(w.ops))
	}
}

// Run commits queued operations in batched transactions.
// Flushes every batchSize ops OR every flushDelay, whichever first.
// Blocks until ctx is cancelled; pending work is flushed before return.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]op, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := w.commit(batch)
		if err != nil {
			log.Printf("[sqlite] batch commit error: %v", err)
		}
		if w.OnCommit != nil {
			w.OnCommit(len(batch), time.Since(start), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case o := <-w.ops:
					batch = append(batch, o)
					continue
				default:
				}
				break
			}
			flush()
			return

		case o := <-w.ops:
			batch = append(batch, o)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// commit writes a batch in a single transaction.
func (w *Writer) commit(ops []op) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	for _, o := range ops {
		switch o.kind {
		case opAppend:
			_, err = tx.Exec(`
				INSERT INTO ranges (session_id, range_id, first_scan, scans, opened_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (session_id, range_id) DO UPDATE SET
					scans = scans + excluded.scans,
					first_scan = MIN(first_scan, excluded.first_scan)
			`, w.sessionID, o.rangeID, o.first, o.scans, o.at.UnixMilli())
			if err == nil {
				_, err = tx.Exec(`
					INSERT OR REPLACE INTO chunks (session_id, range_id, first_scan, scans, data)
					VALUES (?, ?, ?, ?, ?)
				`, w.sessionID, o.rangeID, o.first, o.scans, o.data)
			}
		case opBad:
			_, err = tx.Exec(`
				INSERT INTO bad_ranges (session_id, first_scan, length, created_at)
				VALUES (?, ?, ?, ?)
			`, w.sessionID, o.first, o.scans, o.at.UnixMilli())
		case opClose:
			_, err = tx.Exec(`
				UPDATE ranges SET closed_at = ? WHERE session_id = ? AND range_id = ?
			`, o.at.UnixMilli(), w.sessionID, o.rangeID)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database. Run must have returned.
func (w *Writer) Close() error {
	return w.db.Close()
}
