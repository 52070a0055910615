package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ccbridge/gateway/internal/model"
)

const schemaVersion = 1

// SQLiteStore implements durable persistence on a single embedded database
// file. All writes are committed before the call returns; readers share the
// WAL snapshot and never block behind a writer beyond the busy timeout.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
// Parent directories are created as needed.
func Open(path string) (*SQLiteStore, error) {
	log := slog.Default().With(slog.String("component", "store"))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// WAL keeps readers off the writer's lock; the busy timeout bounds how
	// long a blocked statement waits before failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	log.Info("state store opened", slog.String("path", path))
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS requests (
			pk           INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id   TEXT NOT NULL UNIQUE,
			provider     TEXT NOT NULL,
			model        TEXT NOT NULL DEFAULT '',
			agent        TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'queued',
			attempts     INTEGER NOT NULL DEFAULT 0,
			worker_id    TEXT,
			api_key_id   TEXT,
			parent_id    TEXT,
			fingerprint  TEXT NOT NULL,
			bypass_cache INTEGER NOT NULL DEFAULT 0,
			stream       INTEGER NOT NULL DEFAULT 0,
			submitted_at INTEGER NOT NULL,
			deadline     INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_requests_status   ON requests(status);
		CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
		CREATE INDEX IF NOT EXISTS idx_requests_order    ON requests(priority DESC, submitted_at ASC);

		CREATE TABLE IF NOT EXISTS responses (
			pk            INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id    TEXT NOT NULL UNIQUE,
			text          TEXT NOT NULL DEFAULT '',
			thinking      TEXT NOT NULL DEFAULT '',
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens  INTEGER NOT NULL DEFAULT 0,
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			backend       TEXT NOT NULL DEFAULT '',
			provider      TEXT NOT NULL DEFAULT '',
			error_kind    TEXT,
			error_message TEXT,
			cached        INTEGER NOT NULL DEFAULT 0,
			completed_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_responses_request ON responses(request_id);

		CREATE TABLE IF NOT EXISTS state_transitions (
			pk          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			meta        TEXT,
			at          INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_request ON state_transitions(request_id);

		CREATE TABLE IF NOT EXISTS cache_entries (
			pk            INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint   TEXT NOT NULL UNIQUE,
			text          TEXT NOT NULL DEFAULT '',
			thinking      TEXT NOT NULL DEFAULT '',
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens  INTEGER NOT NULL DEFAULT 0,
			provider      TEXT NOT NULL DEFAULT '',
			backend       TEXT NOT NULL DEFAULT '',
			stored_at     INTEGER NOT NULL,
			ttl_ms        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			pk           INTEGER PRIMARY KEY AUTOINCREMENT,
			key_id       TEXT NOT NULL UNIQUE,
			secret_hash  TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			rpm          INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			last_used_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS cost_samples (
			pk            INTEGER PRIMARY KEY AUTOINCREMENT,
			provider      TEXT NOT NULL,
			request_id    TEXT,
			model         TEXT NOT NULL DEFAULT '',
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd      REAL NOT NULL DEFAULT 0,
			at            INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cost_samples_provider ON cost_samples(provider);
		CREATE INDEX IF NOT EXISTS idx_cost_samples_at       ON cost_samples(at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Record the schema version on first creation.
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return err
		}
	case err != nil:
		return err
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	return nil
}

// ── Time encoding ────────────────────────────────────────────────────────────

// Times are stored as UTC unix milliseconds so ordering survives any wall
// clock representation changes.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ── Requests ─────────────────────────────────────────────────────────────────

// PutRequest inserts req in status queued. Fails with ErrDuplicate if the id
// already exists.
func (s *SQLiteStore) PutRequest(ctx context.Context, req *model.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_id, provider, model, agent, prompt, priority, status,
			attempts, worker_id, api_key_id, parent_id, fingerprint,
			bypass_cache, stream, submitted_at, deadline, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Provider, req.Model, req.Agent, req.Prompt, req.Priority,
		string(model.StatusQueued), req.Attempts,
		nullString(req.WorkerID), nullString(req.APIKeyID), nullString(req.ParentID),
		req.Fingerprint, boolInt(req.BypassCache), boolInt(req.Stream),
		toMillis(req.SubmittedAt), toMillis(req.Deadline), toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: request %s: %w", req.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: put request: %w", err)
	}
	return nil
}

// GetRequest returns the request with the given id.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, provider, model, agent, prompt, priority, status,
		       attempts, worker_id, api_key_id, parent_id, fingerprint,
		       bypass_cache, stream, submitted_at, deadline
		FROM requests WHERE request_id = ?`, id)
	return scanRequest(row)
}

// Transition performs an atomic compare-and-set on the request's status and
// appends an audit row. Returns ErrConflict when the current status differs
// from expected, ErrNotFound for unknown ids.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to model.Status, meta string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := transitionTx(ctx, tx, id, from, to, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func transitionTx(ctx context.Context, tx *sql.Tx, id string, from, to model.Status, meta string) error {
	now := toMillis(time.Now())

	res, err := tx.ExecContext(ctx,
		"UPDATE requests SET status = ?, updated_at = ? WHERE request_id = ? AND status = ?",
		string(to), now, id, string(from))
	if err != nil {
		return fmt.Errorf("store: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: transition: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM requests WHERE request_id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: request %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: transition: %w", err)
		}
		return fmt.Errorf("store: request %s is %s, expected %s: %w", id, current, from, ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_transitions (request_id, from_status, to_status, meta, at)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), nullString(meta), now)
	if err != nil {
		return fmt.Errorf("store: transition audit: %w", err)
	}
	return nil
}

// CompleteRequest commits the terminal transition and the response row in a
// single transaction, so a terminal request always has exactly one response.
func (s *SQLiteStore) CompleteRequest(ctx context.Context, id string, from, to model.Status, resp *model.Response) error {
	if !to.Terminal() {
		return fmt.Errorf("store: complete request: %s is not a terminal status", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := transitionTx(ctx, tx, id, from, to, ""); err != nil {
		return err
	}

	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO responses (
			request_id, text, thinking, input_tokens, output_tokens, total_tokens,
			latency_ms, backend, provider, error_kind, error_message, cached, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, resp.Text, resp.Thinking, resp.InputTokens, resp.OutputTokens, resp.TotalTokens,
		resp.LatencyMs, string(resp.Backend), resp.Provider,
		nullString(string(resp.ErrorKind)), nullString(resp.ErrorMessage),
		boolInt(resp.Cached), toMillis(resp.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: response for %s: %w", id, ErrDuplicate)
		}
		return fmt.Errorf("store: put response: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetResponse returns the response for the given request id.
func (s *SQLiteStore) GetResponse(ctx context.Context, id string) (*model.Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, text, thinking, input_tokens, output_tokens, total_tokens,
		       latency_ms, backend, provider, error_kind, error_message, cached, completed_at
		FROM responses WHERE request_id = ?`, id)

	var (
		resp             model.Response
		backend          string
		errKind, errMsg  sql.NullString
		cached           int
		completedAt      int64
	)
	err := row.Scan(&resp.RequestID, &resp.Text, &resp.Thinking,
		&resp.InputTokens, &resp.OutputTokens, &resp.TotalTokens,
		&resp.LatencyMs, &backend, &resp.Provider, &errKind, &errMsg,
		&cached, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: response %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get response: %w", err)
	}

	resp.Backend = model.BackendType(backend)
	resp.ErrorKind = model.ErrorKind(errKind.String)
	resp.ErrorMessage = errMsg.String
	resp.Cached = cached != 0
	resp.CompletedAt = fromMillis(completedAt)
	return &resp, nil
}

// IncrementAttempts bumps the request's attempt counter.
func (s *SQLiteStore) IncrementAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE requests SET attempts = attempts + 1, updated_at = ? WHERE request_id = ?",
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: request %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssignWorker records which worker is processing the request.
func (s *SQLiteStore) AssignWorker(ctx context.Context, id, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE requests SET worker_id = ?, updated_at = ? WHERE request_id = ?",
		nullString(workerID), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: assign worker: %w", err)
	}
	return nil
}

// ListRequests returns requests matching the filter, newest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, f model.RequestFilter) ([]*model.Request, error) {
	query := `
		SELECT request_id, provider, model, agent, prompt, priority, status,
		       attempts, worker_id, api_key_id, parent_id, fingerprint,
		       bypass_cache, stream, submitted_at, deadline
		FROM requests`

	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, f.Provider)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submitted_at DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of requests per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("store: count by status: %w", err)
		}
		out[model.Status(st)] = n
	}
	return out, rows.Err()
}

// Transitions returns the audit trail for a request, oldest first.
func (s *SQLiteStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, from_status, to_status, meta, at
		FROM state_transitions WHERE request_id = ? ORDER BY pk ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var meta sql.NullString
		var at int64
		if err := rows.Scan(&t.RequestID, &from, &to, &meta, &at); err != nil {
			return nil, fmt.Errorf("store: transitions: %w", err)
		}
		t.From = model.Status(from)
		t.To = model.Status(to)
		t.Meta = meta.String
		t.At = fromMillis(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartupRecovery marks every non-terminal request from a previous run as
// failed with error kind interrupted and returns the affected ids. It must
// run before the gateway accepts new work.
func (s *SQLiteStore) StartupRecovery(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT request_id, status FROM requests WHERE status IN (?, ?)",
		string(model.StatusQueued), string(model.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("store: recovery scan: %w", err)
	}

	type orphan struct {
		id     string
		status model.Status
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		var st string
		if err := rows.Scan(&o.id, &st); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: recovery scan: %w", err)
		}
		o.status = model.Status(st)
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recovery scan: %w", err)
	}

	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		resp := &model.Response{
			RequestID:    o.id,
			ErrorKind:    model.ErrKindInterrupted,
			ErrorMessage: "gateway restarted while request was in flight",
			CompletedAt:  time.Now().UTC(),
		}
		if err := s.CompleteRequest(ctx, o.id, o.status, model.StatusFailed, resp); err != nil {
			return ids, fmt.Errorf("store: recover %s: %w", o.id, err)
		}
		ids = append(ids, o.id)
	}

	if len(ids) > 0 {
		s.log.Warn("recovered interrupted requests", slog.Int("count", len(ids)))
	}
	return ids, nil
}

// ── Scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*model.Request, error) {
	var (
		req                         model.Request
		status                      string
		worker, apiKey, parent      sql.NullString
		bypass, stream              int
		submittedAt, deadline       int64
	)
	err := row.Scan(&req.ID, &req.Provider, &req.Model, &req.Agent, &req.Prompt,
		&req.Priority, &status, &req.Attempts, &worker, &apiKey, &parent,
		&req.Fingerprint, &bypass, &stream, &submittedAt, &deadline)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: request: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}

	req.Status = model.Status(status)
	req.WorkerID = worker.String
	req.APIKeyID = apiKey.String
	req.ParentID = parent.String
	req.BypassCache = bypass != 0
	req.Stream = stream != 0
	req.SubmittedAt = fromMillis(submittedAt)
	req.Deadline = fromMillis(deadline)
	return &req, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
