package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AddStep inserts a step for a job. Seq is assigned as max(seq)+1 when
// unset so creation order equals plan order.
func (s *Store) AddStep(ctx context.Context, step *JobStep) error {
	if step.ID == "" {
		step.ID = NewID()
	}
	if step.Status == "" {
		step.Status = StepPending
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if step.Seq == 0 {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM job_steps WHERE job_id = ?`, step.JobID).Scan(&max); err != nil {
			return err
		}
		step.Seq = int(max.Int64) + 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_steps (id, job_id, seq, name, kind, status, details, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.JobID, step.Seq, step.Name, string(step.Kind), string(step.Status),
		step.Details, fmtTimePtr(step.StartedAt), fmtTimePtr(step.FinishedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStep sets a step's status and details, stamping started/finished
// times on the running and terminal transitions.
func (s *Store) UpdateStep(ctx context.Context, stepID string, status StepStatus, details string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case StepRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_steps SET status = ?, details = ?, started_at = ? WHERE id = ?`,
			string(status), details, fmtTime(now), stepID)
	case StepCompleted, StepFailed:
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_steps SET status = ?, details = ?, finished_at = ? WHERE id = ?`,
			string(status), details, fmtTime(now), stepID)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_steps SET status = ?, details = ? WHERE id = ?`,
			string(status), details, stepID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "step", ID: stepID}
	}
	return nil
}

func scanStep(row rowScanner) (*JobStep, error) {
	var st JobStep
	var kind, status string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&st.ID, &st.JobID, &st.Seq, &st.Name, &kind, &status, &st.Details, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	st.Kind = StepKind(kind)
	st.Status = StepStatus(status)
	st.StartedAt = parseTimePtr(startedAt)
	st.FinishedAt = parseTimePtr(finishedAt)
	return &st, nil
}

// ListSteps returns a job's steps in plan order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, name, kind, status, details, started_at, finished_at
		FROM job_steps WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*JobStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StepCounts returns (completed, total) execution-kind steps for progress
// reporting.
func (s *Store) StepCounts(ctx context.Context, jobID string) (completed, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(*)
		FROM job_steps WHERE job_id = ? AND kind = ?`,
		string(StepCompleted), jobID, string(StepKindExecution)).Scan(&completed, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return completed, total, err
}
