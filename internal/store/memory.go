package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AddMemoryNote inserts a note, enforcing the per-item byte cap and the
// per-job item cap inside the transaction. A rejected insert leaves the store
// unchanged.
func (s *Store) AddMemoryNote(ctx context.Context, note *MemoryNote) error {
	if len(note.Body) > s.MemoryMaxBytes {
		return &MemoryCapExceededError{
			JobID:  note.JobID,
			Reason: fmt.Sprintf("body is %d bytes, cap is %d", len(note.Body), s.MemoryMaxBytes),
		}
	}
	if note.ID == "" {
		note.ID = NewID()
	}
	if note.Kind == "" {
		note.Kind = NoteDecision
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(orEmpty(note.Tags))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_notes WHERE job_id = ?`, note.JobID).Scan(&count); err != nil {
		return err
	}
	if count >= s.MemoryMaxItems {
		return &MemoryCapExceededError{
			JobID:  note.JobID,
			Reason: fmt.Sprintf("job already holds %d notes, cap is %d", count, s.MemoryMaxItems),
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_notes (id, job_id, kind, title, body, tags, step_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.JobID, string(note.Kind), note.Title, note.Body, string(tags),
		note.StepID, fmtTime(note.CreatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func orEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// ListMemoryNotes returns a job's notes in insertion order.
func (s *Store) ListMemoryNotes(ctx context.Context, jobID string) ([]*MemoryNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, title, body, tags, step_id, created_at
		FROM memory_notes WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MemoryNote
	for rows.Next() {
		var n MemoryNote
		var kind, tags, created string
		if err := rows.Scan(&n.ID, &n.JobID, &kind, &n.Title, &n.Body, &tags, &n.StepID, &created); err != nil {
			return nil, err
		}
		n.Kind = NoteKind(kind)
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			n.Tags = nil
		}
		n.CreatedAt = parseTime(created)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) CountMemoryNotes(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_notes WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

// DeleteMemoryNotes removes the given notes, for archivist snapshots.
func (s *Store) DeleteMemoryNotes(ctx context.Context, jobID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, jobID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_notes WHERE job_id = ? AND id IN (`+placeholders+`)`, args...)
	return err
}

// AddMemoryFile records metadata for an uploaded blob.
func (s *Store) AddMemoryFile(ctx context.Context, f *MemoryFile) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_files (id, job_id, path, bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.Path, f.Bytes, fmtTime(f.CreatedAt))
	return err
}

func (s *Store) ListMemoryFiles(ctx context.Context, jobID string) ([]*MemoryFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, path, bytes, created_at
		FROM memory_files WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MemoryFile
	for rows.Next() {
		var f MemoryFile
		var created string
		if err := rows.Scan(&f.ID, &f.JobID, &f.Path, &f.Bytes, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// AddMessageSummary appends a trace line. Summaries are clamped to 2000
// chars.
func (s *Store) AddMessageSummary(ctx context.Context, m *MessageSummary) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if len(m.Summary) > 2000 {
		m.Summary = m.Summary[:2000]
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_summaries (job_id, step_id, role, summary, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.JobID, m.StepID, m.Role, m.Summary, m.Tokens, fmtTime(m.CreatedAt))
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// RecentMessageSummaries returns up to limit most-recent summaries for the
// job, newest first.
func (s *Store) RecentMessageSummaries(ctx context.Context, jobID string, limit int) ([]*MessageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, step_id, role, summary, tokens, created_at
		FROM message_summaries WHERE job_id = ? ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MessageSummary
	for rows.Next() {
		var m MessageSummary
		var created string
		if err := rows.Scan(&m.ID, &m.JobID, &m.StepID, &m.Role, &m.Summary, &m.Tokens, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
