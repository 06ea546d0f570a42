// Package journal keeps a durable record of lifecycle transitions and dispatch
// outcomes in a local SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/fleetctl/internal/dispatch"
)

// Store is a SQLite-backed journal.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Dispatch observers write concurrently; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Transition is one recorded lifecycle transition.
type Transition struct {
	At    time.Time
	Op    string
	From  string
	To    string
	Error string
}

// Dispatch is one recorded control command outcome.
type Dispatch struct {
	At       time.Time
	Role     string
	Host     string
	Instance int
	Command  string
	Target   string
	Duration time.Duration
	Error    string
}

func (s *Store) RecordTransition(ctx context.Context, op, from, to string, opErr error) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (at, op, from_state, to_state, error) VALUES (?, ?, ?, ?, ?)`,
		now(), op, from, to, errString(opErr))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (s *Store) RecordDispatch(ctx context.Context, r dispatch.Result) error {
	target := "remote"
	if r.Local {
		target = "local"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches (at, role, host, instance, command, target, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now(), string(r.Instance.Role), r.Instance.Host, r.Instance.Index, string(r.Command),
		target, r.Duration.Milliseconds(), errString(r.Err))
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// RecentTransitions returns up to limit transitions, newest first.
func (s *Store) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, op, from_state, to_state, error FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		var at string
		if err := rows.Scan(&at, &t.Op, &t.From, &t.To, &t.Error); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentDispatches returns up to limit dispatches, newest first. With failedOnly
// only failed dispatches are returned.
func (s *Store) RecentDispatches(ctx context.Context, limit int, failedOnly bool) ([]Dispatch, error) {
	q := `SELECT at, role, host, instance, command, target, duration_ms, error FROM dispatches`
	if failedOnly {
		q += ` WHERE error != ''`
	}
	q += ` ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var at string
		var ms int64
		if err := rows.Scan(&at, &d.Role, &d.Host, &d.Instance, &d.Command, &d.Target, &ms, &d.Error); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		d.At, _ = time.Parse(time.RFC3339Nano, at)
		d.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
