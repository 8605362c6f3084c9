package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dumpsys/internal/binder"
)

const (
	// DefaultListLimit applies when List is called with a non-positive limit.
	DefaultListLimit = 50

	maxListLimit = 1000
)

// Store persists dump history in the dump_log table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts e, assigning an ID when e.ID is empty, and returns the ID.
func (s *Store) Record(ctx context.Context, e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("entry is nil")
	}
	if e.Service == "" {
		return "", fmt.Errorf("service is empty")
	}
	if !e.Outcome.valid() {
		return "", fmt.Errorf("invalid outcome: %q", e.Outcome)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	args := e.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}

	completed := e.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	started := e.StartedAt
	if started.IsZero() {
		started = completed
	}

	var digest any
	if e.Digest != "" {
		digest = e.Digest
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO dump_log(id, service, args, outcome, status_code, bytes, digest, last_error, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Service, string(argsJSON), string(e.Outcome), int32(e.StatusCode), e.Bytes, digest, e.LastError,
		started.UTC().Format(time.RFC3339Nano), completed.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert dump_log: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `id, service, args, outcome, status_code, bytes, digest, last_error, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		argsJSON   string
		outcome    string
		code       int64
		digest     sql.NullString
		lastError  sql.NullString
		startedAt  string
		finishedAt string
	)
	if err := row.Scan(&e.ID, &e.Service, &argsJSON, &outcome, &code, &e.Bytes, &digest, &lastError, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", e.ID, err)
	}
	e.Outcome = Outcome(outcome)
	e.StatusCode = binder.StatusCode(code)
	if digest.Valid {
		e.Digest = digest.String
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		e.CompletedAt = t
	}
	return &e, nil
}

// Get returns the entry with id, or ErrEntryNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM dump_log WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dump_log: %w", err)
	}
	return e, nil
}

// List returns recent entries, newest first. An empty service lists all.
func (s *Store) List(ctx context.Context, service string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if service == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM dump_log
ORDER BY completed_at DESC, rowid DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM dump_log
WHERE service = ? ORDER BY completed_at DESC, rowid DESC LIMIT ?;`, service, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list dump_log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dump_log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dump_log: %w", err)
	}
	return out, nil
}

// Prune deletes entries completed before now-retention and returns how many
// were removed. A non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `DELETE FROM dump_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dump_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dump_log: %w", err)
	}
	return n, nil
}
