package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Memory caps are enforced transactionally
// at insert time.
type Store struct {
	db *sql.DB

	MemoryMaxItems int
	MemoryMaxBytes int
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	repo_owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	branch_base TEXT NOT NULL,
	budget_usd REAL NOT NULL,
	max_requests INTEGER NOT NULL,
	max_minutes INTEGER NOT NULL,
	model_cto TEXT NOT NULL,
	model_coder TEXT NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	requests_made INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	cancelled INTEGER NOT NULL DEFAULT 0,
	last_action TEXT NOT NULL DEFAULT '',
	pr_links TEXT NOT NULL DEFAULT '[]',
	prompt_digest TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS job_steps (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_steps_job ON job_steps(job_id, seq);

CREATE TABLE IF NOT EXISTS cost_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_job ON cost_entries(job_id);

CREATE TABLE IF NOT EXISTS memory_notes (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	step_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_notes_job ON memory_notes(job_id, created_at);

CREATE TABLE IF NOT EXISTS memory_files (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	summary TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_summaries_job ON message_summaries(job_id, id);

CREATE TABLE IF NOT EXISTS context_diagnostics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	tokens_final INTEGER NOT NULL,
	tokens_clipped INTEGER NOT NULL,
	compact_ops INTEGER NOT NULL,
	budget_tokens INTEGER NOT NULL,
	reserve_tokens INTEGER NOT NULL,
	hard_cap_tokens INTEGER NOT NULL,
	sources TEXT NOT NULL DEFAULT '[]',
	dropped TEXT NOT NULL DEFAULT '[]',
	hints TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_diagnostics_job ON context_diagnostics(job_id, id);

CREATE TABLE IF NOT EXISTS embeddings (
	scope TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	text TEXT NOT NULL,
	vector BLOB NOT NULL,
	PRIMARY KEY (scope, ref_id)
);
`

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, MemoryMaxItems: 2000, MemoryMaxBytes: 20000}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// NewID returns a fresh ULID string.
func NewID() string { return ulid.Make().String() }

// CreateJob inserts a pending job. ID and CreatedAt are filled when empty.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.PRLinks == nil {
		job.PRLinks = []string{}
	}
	links, err := json.Marshal(job.PRLinks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, task, repo_owner, repo_name, branch_base,
			budget_usd, max_requests, max_minutes, model_cto, model_coder,
			status, cancelled, pr_links, prompt_digest, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Task, job.RepoOwner, job.RepoName, job.BranchBase,
		job.BudgetUSD, job.MaxRequests, job.MaxMinutes, job.ModelCTO, job.ModelCoder,
		string(job.Status), boolInt(job.Cancelled), string(links), job.PromptDigest,
		fmtTime(job.CreatedAt), fmtTimePtr(job.StartedAt), fmtTimePtr(job.FinishedAt))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const jobColumns = `id, task, repo_owner, repo_name, branch_base,
	budget_usd, max_requests, max_minutes, model_cto, model_coder,
	cost_usd, tokens_in, tokens_out, requests_made,
	status, cancelled, last_action, pr_links, prompt_digest,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status, links, createdAt string
	var cancelled int
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&j.ID, &j.Task, &j.RepoOwner, &j.RepoName, &j.BranchBase,
		&j.BudgetUSD, &j.MaxRequests, &j.MaxMinutes, &j.ModelCTO, &j.ModelCoder,
		&j.CostUSD, &j.TokensIn, &j.TokensOut, &j.RequestsMade,
		&status, &cancelled, &j.LastAction, &links, &j.PromptDigest,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Cancelled = cancelled != 0
	if err := json.Unmarshal([]byte(links), &j.PRLinks); err != nil {
		j.PRLinks = []string{}
	}
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	return j, err
}

// ListJobs returns all jobs, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingJobIDs returns jobs never picked up, oldest first, so a restarted
// process can re-enqueue them.
func (s *Store) PendingJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND cancelled = 0 ORDER BY created_at ASC`, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionJob moves a job through the state machine, stamping started_at /
// finished_at as appropriate. Illegal transitions return
// *InvalidTransitionError; terminal states are final.
func (s *Store) TransitionJob(ctx context.Context, id string, to JobStatus) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if !j.Status.CanTransition(to) {
		return nil, &InvalidTransitionError{JobID: id, From: j.Status, To: to}
	}

	now := time.Now().UTC()
	j.Status = to
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.FinishedAt = &now
		if to == StatusCancelled {
			j.Cancelled = true
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, cancelled = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(j.Status), boolInt(j.Cancelled), fmtTimePtr(j.StartedAt), fmtTimePtr(j.FinishedAt), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// RequestCancel sets the cancelled flag and, when the job is not yet
// terminal, moves it to cancelled immediately. The worker observes the flag
// at its next step boundary.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, err
	}
	j.Cancelled = true
	if !j.Status.Terminal() {
		now := time.Now().UTC()
		j.Status = StatusCancelled
		j.FinishedAt = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET cancelled = 1, status = ?, finished_at = ? WHERE id = ?`,
		string(j.Status), fmtTimePtr(j.FinishedAt), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// RecordCost appends a cost entry and bumps the job's running counters in the
// same transaction, keeping invariant cost_usd == SUM(cost_entries).
func (s *Store) RecordCost(ctx context.Context, entry *CostEntry) (*Job, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cost_entries (job_id, provider, model, tokens_in, tokens_out, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Provider, entry.Model, entry.TokensIn, entry.TokensOut,
		entry.CostUSD, fmtTime(entry.CreatedAt))
	if err != nil {
		return nil, err
	}
	entry.ID, _ = res.LastInsertId()

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			cost_usd = cost_usd + ?,
			tokens_in = tokens_in + ?,
			tokens_out = tokens_out + ?,
			requests_made = requests_made + 1
		WHERE id = ?`,
		entry.CostUSD, entry.TokensIn, entry.TokensOut, entry.JobID)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, entry.JobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// ListCostEntries returns a job's cost entries in insertion order.
func (s *Store) ListCostEntries(ctx context.Context, jobID string) ([]*CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, provider, model, tokens_in, tokens_out, cost_usd, created_at
		FROM cost_entries WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CostEntry
	for rows.Next() {
		var e CostEntry
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Provider, &e.Model, &e.TokensIn, &e.TokensOut, &e.CostUSD, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) SetLastAction(ctx context.Context, jobID, action string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_action = ? WHERE id = ?`, action, jobID)
	return err
}

func (s *Store) SetPromptDigest(ctx context.Context, jobID, digest string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET prompt_digest = ? WHERE id = ?`, digest, jobID)
	return err
}

// AppendPRLink adds a PR URL to the job's ordered list.
func (s *Store) AppendPRLink(ctx context.Context, jobID, url string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT pr_links FROM jobs WHERE id = ?`, jobID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: "job", ID: jobID}
		}
		return err
	}
	var links []string
	if err := json.Unmarshal([]byte(raw), &links); err != nil {
		links = nil
	}
	links = append(links, url)
	b, err := json.Marshal(links)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET pr_links = ? WHERE id = ?`, string(b), jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteJob removes a job and, via cascade, everything it owns.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "job", ID: id}
	}
	return nil
}
