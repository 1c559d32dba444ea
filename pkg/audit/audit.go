// Package audit persists syscall events to a SQLite-backed trail that
// survives the tracing session, so a trace can be inspected after the
// tracee exits.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the append-only syscall log. It keeps one connection open
// against a WAL-mode database, the same concurrency tradeoff a single
// tracer process makes against its own database: writes are serialized,
// readers never block on them.
type Store struct {
	db *sql.DB
}

// Config holds database configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Open opens or creates the audit database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(auditSchema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Record is one logged syscall entry/exit pair.
type Record struct {
	ID        int64
	PID       int
	Syscall   string
	Args      string
	Return    int64
	IsError   bool
	Denied    bool
	Timestamp time.Time
}

// Record appends one syscall record to the trail.
func (s *Store) Record(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_event (pid, syscall, args, ret, is_error, denied, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.PID, r.Syscall, r.Args, r.Return, r.IsError, r.Denied, r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns the most recent n records for pid, newest first. pid == 0
// matches every traced process.
func (s *Store) Recent(ctx context.Context, pid int, n int) ([]Record, error) {
	if n <= 0 {
		n = 100
	}
	var rows *sql.Rows
	var err error
	if pid == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, pid, syscall, args, ret, is_error, denied, ts
			 FROM audit_event ORDER BY id DESC LIMIT ?`, n)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, pid, syscall, args, ret, is_error, denied, ts
			 FROM audit_event WHERE pid = ? ORDER BY id DESC LIMIT ?`, pid, n)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var tsNano int64
		if err := rows.Scan(&r.ID, &r.PID, &r.Syscall, &r.Args, &r.Return, &r.IsError, &r.Denied, &tsNano); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		r.Timestamp = time.Unix(0, tsNano)
		out = append(out, r)
	}
	return out, rows.Err()
}
