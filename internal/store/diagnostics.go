package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/autodev/internal/embed"
)

// SaveDiagnostic persists one context-assembly record. Callers treat failures
// as best-effort; a lost diagnostic must never fail a job.
func (s *Store) SaveDiagnostic(ctx context.Context, d *ContextDiagnostic) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(d.Sources)
	if err != nil {
		return err
	}
	dropped, err := json.Marshal(d.Dropped)
	if err != nil {
		return err
	}
	hints, err := json.Marshal(d.Hints)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO context_diagnostics (job_id, role, tokens_final, tokens_clipped, compact_ops,
			budget_tokens, reserve_tokens, hard_cap_tokens, sources, dropped, hints, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.JobID, d.Role, d.TokensFinal, d.TokensClipped, d.CompactOps,
		d.BudgetTokens, d.ReserveTokens, d.HardCapTokens,
		string(sources), string(dropped), string(hints), fmtTime(d.CreatedAt))
	if err != nil {
		return err
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// LatestDiagnostic returns the most recent diagnostic for a job.
func (s *Store) LatestDiagnostic(ctx context.Context, jobID string) (*ContextDiagnostic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, role, tokens_final, tokens_clipped, compact_ops,
			budget_tokens, reserve_tokens, hard_cap_tokens, sources, dropped, hints, created_at
		FROM context_diagnostics WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID)

	var d ContextDiagnostic
	var sources, dropped, hints, created string
	err := row.Scan(&d.ID, &d.JobID, &d.Role, &d.TokensFinal, &d.TokensClipped, &d.CompactOps,
		&d.BudgetTokens, &d.ReserveTokens, &d.HardCapTokens, &sources, &dropped, &hints, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "diagnostic for job", ID: jobID}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &d.Sources); err != nil {
		d.Sources = nil
	}
	if err := json.Unmarshal([]byte(dropped), &d.Dropped); err != nil {
		d.Dropped = nil
	}
	if err := json.Unmarshal([]byte(hints), &d.Hints); err != nil {
		d.Hints = nil
	}
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// UpsertEmbedding stores a vector keyed by (scope, ref_id). Vectors are
// msgpack-encoded blobs so dimensionality stays opaque to the schema.
func (s *Store) UpsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error {
	blob, err := msgpack.Marshal(rec.Vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (scope, ref_id, text, vector) VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, ref_id) DO UPDATE SET text = excluded.text, vector = excluded.vector`,
		rec.Scope, rec.RefID, rec.Text, blob)
	return err
}

// SearchEmbeddings returns the topN records in scope by cosine similarity to
// query. The corpus per scope is small enough that a linear scan is fine.
func (s *Store) SearchEmbeddings(ctx context.Context, scope string, query []float32, topN int) ([]*EmbeddingRecord, []float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, ref_id, text, vector FROM embeddings WHERE scope = ?`, scope)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type scored struct {
		rec   *EmbeddingRecord
		score float64
	}
	var all []scored
	for rows.Next() {
		var rec EmbeddingRecord
		var blob []byte
		if err := rows.Scan(&rec.Scope, &rec.RefID, &rec.Text, &blob); err != nil {
			return nil, nil, err
		}
		if err := msgpack.Unmarshal(blob, &rec.Vector); err != nil {
			continue
		}
		all = append(all, scored{rec: &rec, score: embed.Cosine(query, rec.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Selection sort for the top N; corpora here are hundreds, not millions.
	var recs []*EmbeddingRecord
	var scores []float64
	for len(recs) < topN && len(all) > 0 {
		best := 0
		for i := 1; i < len(all); i++ {
			if all[i].score > all[best].score {
				best = i
			}
		}
		recs = append(recs, all[best].rec)
		scores = append(scores, all[best].score)
		all = append(all[:best], all[best+1:]...)
	}
	return recs, scores, nil
}
