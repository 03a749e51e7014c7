// Package history keeps a local SQLite record of audit runs so a project can
// be compared with how it looked on an earlier export.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"redcapaudit/internal/logging"
	"redcapaudit/internal/rules"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrRunNotFound is returned when no stored run matches an identifier.
var ErrRunNotFound = errors.New("audit run not found")

// Store manages the audit history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Run is a stored audit run summary.
type Run struct {
	ID       string
	Export   string
	Digest   string
	Started  time.Time
	Duration time.Duration
	Passed   int
	Failed   int
	Errored  int
	Skipped  int
}

// OK reports whether the run had no failures or errors.
func (r Run) OK() bool {
	return r.Failed == 0 && r.Errored == 0
}

// Outcome is a stored rule outcome.
type Outcome struct {
	RuleID   string
	Category rules.Category
	Status   rules.Status
	Message  string
	Notes    []string
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Get(logging.CategoryHistory).Debug("opened audit history at %s", path)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		export_path TEXT NOT NULL,
		digest TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errored INTEGER NOT NULL,
		skipped INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS outcomes (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		rule_id TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		notes_json TEXT,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_rule ON outcomes(rule_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished report and returns the new run.
func (s *Store) Record(ctx context.Context, export, digest string, report *rules.Report) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := Run{
		ID:       uuid.NewString(),
		Export:   export,
		Digest:   digest,
		Started:  report.Started.UTC(),
		Duration: report.Duration,
		Passed:   report.Passed,
		Failed:   report.Failed,
		Errored:  report.Errored,
		Skipped:  report.Skipped,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, export_path, digest, started_at, duration_ms, passed, failed, errored, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Export, run.Digest, run.Started, run.Duration.Milliseconds(),
		run.Passed, run.Failed, run.Errored, run.Skipped); err != nil {
		return Run{}, fmt.Errorf("failed to save run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, seq, rule_id, category, status, message, notes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return Run{}, fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for i, o := range report.Outcomes {
		notesJSON, _ := json.Marshal(o.Notes)
		if _, err := stmt.ExecContext(ctx, run.ID, i, o.RuleID, string(o.Category), string(o.Status), o.Message, string(notesJSON)); err != nil {
			return Run{}, fmt.Errorf("failed to save outcome %s: %w", o.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("failed to commit run: %w", err)
	}

	logging.Get(logging.CategoryHistory).Info("recorded run %s (%d outcomes)", run.ID, len(report.Outcomes))
	return run, nil
}

const runColumns = `id, export_path, digest, started_at, duration_ms, passed, failed, errored, skipped`

func scanRun(row interface{ Scan(...interface{}) error }) (Run, error) {
	var r Run
	var ms int64
	err := row.Scan(&r.ID, &r.Export, &r.Digest, &r.Started, &ms, &r.Passed, &r.Failed, &r.Errored, &r.Skipped)
	r.Duration = time.Duration(ms) * time.Millisecond
	return r, err
}

// Recent returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns the run whose ID equals or starts with id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" {
		return Run{}, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR substr(id, 1, ?) = ? LIMIT 2`,
		id, len(id), id)
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Run{}, fmt.Errorf("failed to scan run: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	switch len(found) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return found[0], nil
	default:
		return Run{}, fmt.Errorf("run prefix %q is ambiguous", id)
	}
}

// Outcomes returns the stored outcomes of a run in catalogue order.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, category, status, message, notes_json
		FROM outcomes WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var category, status string
		var message, notesJSON sql.NullString
		if err := rows.Scan(&o.RuleID, &category, &status, &message, &notesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Category = rules.Category(category)
		o.Status = rules.Status(status)
		o.Message = message.String
		if notesJSON.Valid && notesJSON.String != "" {
			_ = json.Unmarshal([]byte(notesJSON.String), &o.Notes)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep runs and returns how many went.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stale := `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// Change is a rule whose status differs between two runs. An empty status
// means the rule was absent from that run.
type Change struct {
	RuleID string
	Before rules.Status
	After  rules.Status
}

// Regressed reports whether the rule went from passing (or absent) to a
// failure or error.
func (c Change) Regressed() bool {
	bad := c.After == rules.StatusFail || c.After == rules.StatusError
	wasBad := c.Before == rules.StatusFail || c.Before == rules.StatusError
	return bad && !wasBad
}

// Compare lists rules whose status changed from before to after, sorted by ID.
func Compare(before, after []Outcome) []Change {
	prev := make(map[string]rules.Status, len(before))
	for _, o := range before {
		prev[o.RuleID] = o.Status
	}
	next := make(map[string]rules.Status, len(after))
	for _, o := range after {
		next[o.RuleID] = o.Status
	}

	var changes []Change
	for id, st := range next {
		if prev[id] != st {
			changes = append(changes, Change{RuleID: id, Before: prev[id], After: st})
		}
	}
	for id, st := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{RuleID: id, Before: st})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].RuleID < changes[j].RuleID })
	return changes
}
