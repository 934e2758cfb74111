package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(t *testing.T, s *Store) *Job {
	t.Helper()
	job := &Job{
		Task:        "add retry logic to the fetcher",
		RepoOwner:   "acme",
		RepoName:    "widgets",
		BranchBase:  "main",
		BudgetUSD:   5,
		MaxRequests: 100,
		MaxMinutes:  30,
		ModelCTO:    "gpt-4o",
		ModelCoder:  "gpt-4o-mini",
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	job := newTestJob(t, s)

	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Task != job.Task || got.Status != StatusPending {
		t.Fatalf("got task=%q status=%q", got.Task, got.Status)
	}
	if got.PRLinks == nil || len(got.PRLinks) != 0 {
		t.Fatalf("expected empty pr_links slice, got %#v", got.PRLinks)
	}
	if got.CostUSD != 0 || got.RequestsMade != 0 {
		t.Fatalf("fresh job has nonzero counters: %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestJobStateMachine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	// pending -> completed is illegal.
	if _, err := s.TransitionJob(ctx, job.ID, StatusCompleted); err == nil {
		t.Fatal("expected illegal transition pending -> completed")
	} else {
		var it *InvalidTransitionError
		if !errors.As(err, &it) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	}

	j, err := s.TransitionJob(ctx, job.ID, StatusRunning)
	if err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if j.StartedAt == nil {
		t.Fatal("running job missing started_at")
	}

	j, err = s.TransitionJob(ctx, job.ID, StatusCompleted)
	if err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if j.FinishedAt == nil {
		t.Fatal("completed job missing finished_at")
	}

	// Terminal states are final.
	if _, err := s.TransitionJob(ctx, job.ID, StatusCancelled); err == nil {
		t.Fatal("expected transition out of terminal state to fail")
	}
}

func TestRequestCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("pending job cancels immediately", func(t *testing.T) {
		job := newTestJob(t, s)
		j, err := s.RequestCancel(ctx, job.ID)
		if err != nil {
			t.Fatalf("RequestCancel: %v", err)
		}
		if j.Status != StatusCancelled || !j.Cancelled {
			t.Fatalf("got status=%q cancelled=%v", j.Status, j.Cancelled)
		}
	})

	t.Run("terminal job keeps its status", func(t *testing.T) {
		job := newTestJob(t, s)
		if _, err := s.TransitionJob(ctx, job.ID, StatusRunning); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionJob(ctx, job.ID, StatusFailed); err != nil {
			t.Fatal(err)
		}
		j, err := s.RequestCancel(ctx, job.ID)
		if err != nil {
			t.Fatalf("RequestCancel: %v", err)
		}
		if j.Status != StatusFailed {
			t.Fatalf("terminal status changed to %q", j.Status)
		}
		if !j.Cancelled {
			t.Fatal("cancelled flag not set")
		}
	})
}

func TestRecordCostKeepsLedgerInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	entries := []*CostEntry{
		{JobID: job.ID, Provider: "openai", Model: "gpt-4o", TokensIn: 1200, TokensOut: 340, CostUSD: 0.0064},
		{JobID: job.ID, Provider: "openai", Model: "gpt-4o-mini", TokensIn: 900, TokensOut: 120, CostUSD: 0.000207},
		{JobID: job.ID, Provider: "openai", Model: "gpt-4o", TokensIn: 4000, TokensOut: 1000, CostUSD: 0.02},
	}
	var last *Job
	for _, e := range entries {
		j, err := s.RecordCost(ctx, e)
		if err != nil {
			t.Fatalf("RecordCost: %v", err)
		}
		last = j
	}

	listed, err := s.ListCostEntries(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListCostEntries: %v", err)
	}
	if len(listed) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(listed), len(entries))
	}
	var sumCost float64
	var sumIn, sumOut int
	for _, e := range listed {
		sumCost += e.CostUSD
		sumIn += e.TokensIn
		sumOut += e.TokensOut
	}
	if math.Abs(last.CostUSD-sumCost) > 1e-9 {
		t.Fatalf("cost_usd=%v, sum of entries=%v", last.CostUSD, sumCost)
	}
	if last.TokensIn != sumIn || last.TokensOut != sumOut {
		t.Fatalf("token counters %d/%d, sums %d/%d", last.TokensIn, last.TokensOut, sumIn, sumOut)
	}
	if last.RequestsMade != len(entries) {
		t.Fatalf("requests_made=%d, want %d", last.RequestsMade, len(entries))
	}
}

func TestStepSeqAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	for _, name := range []string{"plan", "wire client", "add tests"} {
		kind := StepKindExecution
		if name == "plan" {
			kind = StepKindPlan
		}
		if err := s.AddStep(ctx, &JobStep{JobID: job.ID, Name: name, Kind: kind}); err != nil {
			t.Fatalf("AddStep(%q): %v", name, err)
		}
	}
	steps, err := s.ListSteps(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps", len(steps))
	}
	for i, st := range steps {
		if st.Seq != i+1 {
			t.Fatalf("step %d has seq %d", i, st.Seq)
		}
	}

	if err := s.UpdateStep(ctx, steps[1].ID, StepCompleted, "done"); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	completed, total, err := s.StepCounts(ctx, job.ID)
	if err != nil {
		t.Fatalf("StepCounts: %v", err)
	}
	if completed != 1 || total != 2 {
		t.Fatalf("counts %d/%d, want 1/2 (plan step excluded)", completed, total)
	}
}

func TestMemoryNoteCaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	s.MemoryMaxItems = 3
	s.MemoryMaxBytes = 50

	var capErr *MemoryCapExceededError
	err := s.AddMemoryNote(ctx, &MemoryNote{
		JobID: job.ID,
		Title: "too big",
		Body:  strings.Repeat("x", 51),
	})
	if !errors.As(err, &capErr) {
		t.Fatalf("oversize body: expected MemoryCapExceededError, got %v", err)
	}

	for i := 0; i < 3; i++ {
		err := s.AddMemoryNote(ctx, &MemoryNote{JobID: job.ID, Title: "n", Body: "ok"})
		if err != nil {
			t.Fatalf("note %d: %v", i, err)
		}
	}
	err = s.AddMemoryNote(ctx, &MemoryNote{JobID: job.ID, Title: "overflow", Body: "ok"})
	if !errors.As(err, &capErr) {
		t.Fatalf("item cap: expected MemoryCapExceededError, got %v", err)
	}
	// Rejected insert left the store unchanged.
	n, err := s.CountMemoryNotes(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count after rejection = %d, want 3", n)
	}
}

func TestDeleteMemoryNotes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	var ids []string
	for i := 0; i < 5; i++ {
		n := &MemoryNote{JobID: job.ID, Title: "n", Body: "b", CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond)}
		if err := s.AddMemoryNote(ctx, n); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
	}
	if err := s.DeleteMemoryNotes(ctx, job.ID, ids[:3]); err != nil {
		t.Fatalf("DeleteMemoryNotes: %v", err)
	}
	left, err := s.ListMemoryNotes(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("%d notes remain, want 2", len(left))
	}
}

func TestRecentMessageSummaries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	for i := 0; i < 15; i++ {
		err := s.AddMessageSummary(ctx, &MessageSummary{
			JobID:   job.ID,
			Role:    "implementer-step",
			Summary: strings.Repeat("s", i+1),
			Tokens:  i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.RecentMessageSummaries(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessageSummaries: %v", err)
	}
	if len(recent) != 10 {
		t.Fatalf("got %d summaries", len(recent))
	}
	// Newest first.
	if len(recent[0].Summary) != 15 {
		t.Fatalf("first summary has length %d, want 15", len(recent[0].Summary))
	}
}

func TestMessageSummaryClamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	m := &MessageSummary{JobID: job.ID, Role: "planner-plan", Summary: strings.Repeat("a", 5000)}
	if err := s.AddMessageSummary(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecentMessageSummaries(ctx, job.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got[0].Summary) != 2000 {
		t.Fatalf("summary length %d, want 2000", len(got[0].Summary))
	}
}

func TestAppendPRLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	for _, u := range []string{"https://github.com/acme/widgets/pull/1", "https://github.com/acme/widgets/pull/2"} {
		if err := s.AppendPRLink(ctx, job.ID, u); err != nil {
			t.Fatalf("AppendPRLink: %v", err)
		}
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PRLinks) != 2 || got.PRLinks[1] != "https://github.com/acme/widgets/pull/2" {
		t.Fatalf("pr_links = %#v", got.PRLinks)
	}
}

func TestDeleteJobCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	if err := s.AddStep(ctx, &JobStep{JobID: job.ID, Name: "s", Kind: StepKindExecution}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordCost(ctx, &CostEntry{JobID: job.ID, Provider: "openai", Model: "gpt-4o", CostUSD: 0.01}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMemoryNote(ctx, &MemoryNote{JobID: job.ID, Title: "t", Body: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, job.ID); err == nil {
		t.Fatal("job still present after delete")
	}
	steps, err := s.ListSteps(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 0 {
		t.Fatalf("%d steps survived cascade", len(steps))
	}
	n, err := s.CountMemoryNotes(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("%d notes survived cascade", n)
	}
}

func TestDiagnosticRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	d := &ContextDiagnostic{
		JobID:         job.ID,
		Role:          "implementer-step",
		TokensFinal:   4200,
		TokensClipped: 120,
		CompactOps:    2,
		BudgetTokens:  64000,
		ReserveTokens: 8000,
		HardCapTokens: 70000,
		Sources: []SelectedSource{
			{ID: "task", Source: "task", Score: 1, Tokens: 100},
			{ID: "repo:main.go", Source: "repo", Title: "main.go", Score: 0.72, Tokens: 4100},
		},
		Dropped: []SelectedSource{{ID: "history:3", Source: "history", Score: 0.1, Tokens: 50}},
		Hints:   []string{"[repo score=0.72] [main.go] package main"},
	}
	if err := s.SaveDiagnostic(ctx, d); err != nil {
		t.Fatalf("SaveDiagnostic: %v", err)
	}
	// A second one for the same job; latest wins.
	d2 := *d
	d2.ID = 0
	d2.TokensFinal = 4300
	if err := s.SaveDiagnostic(ctx, &d2); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestDiagnostic(ctx, job.ID)
	if err != nil {
		t.Fatalf("LatestDiagnostic: %v", err)
	}
	if got.TokensFinal != 4300 {
		t.Fatalf("latest tokens_final = %d, want 4300", got.TokensFinal)
	}
	if len(got.Sources) != 2 || got.Sources[1].Title != "main.go" {
		t.Fatalf("sources round-trip: %#v", got.Sources)
	}
	if len(got.Hints) != 1 {
		t.Fatalf("hints round-trip: %#v", got.Hints)
	}

	if _, err := s.LatestDiagnostic(ctx, "missing"); err == nil {
		t.Fatal("expected not-found for job with no diagnostics")
	}
}

func TestEmbeddingSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []*EmbeddingRecord{
		{Scope: "docs", RefID: "a", Text: "alpha", Vector: []float32{1, 0, 0}},
		{Scope: "docs", RefID: "b", Text: "beta", Vector: []float32{0.9, 0.1, 0}},
		{Scope: "docs", RefID: "c", Text: "gamma", Vector: []float32{0, 1, 0}},
		{Scope: "other", RefID: "d", Text: "delta", Vector: []float32{1, 0, 0}},
	}
	for _, r := range recs {
		if err := s.UpsertEmbedding(ctx, r); err != nil {
			t.Fatalf("UpsertEmbedding(%s): %v", r.RefID, err)
		}
	}
	// Upsert replaces in place.
	if err := s.UpsertEmbedding(ctx, &EmbeddingRecord{Scope: "docs", RefID: "a", Text: "alpha v2", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}

	got, scores, err := s.SearchEmbeddings(ctx, "docs", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchEmbeddings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results", len(got))
	}
	if got[0].RefID != "a" || got[0].Text != "alpha v2" {
		t.Fatalf("top result = %+v", got[0])
	}
	if got[1].RefID != "b" {
		t.Fatalf("second result = %+v", got[1])
	}
	if scores[0] < scores[1] {
		t.Fatalf("scores not descending: %v", scores)
	}
}
