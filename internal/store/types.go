// Package store persists jobs and everything a job owns — steps, cost
// entries, memory, message summaries, context diagnostics — plus the globally
// scoped embedding records, in a single SQLite database. Every write uses a
// short-lived transaction; a job row is only ever mutated by its owning
// worker and the cancel endpoint.
package store

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition encodes the job state machine:
// pending -> running -> (completed|failed|cancelled), with cancelled
// reachable from any non-terminal state.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StatusRunning:
		return s == StatusPending
	case StatusCompleted, StatusFailed:
		return s == StatusRunning
	case StatusCancelled:
		return true
	default:
		return false
	}
}

type StepKind string

const (
	StepKindPlan      StepKind = "plan"
	StepKindExecution StepKind = "execution"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Job is the unit of work. Counters are monotonically non-decreasing and
// always equal the sums over the job's cost entries.
type Job struct {
	ID          string  `json:"id"`
	Task        string  `json:"task"`
	RepoOwner   string  `json:"repo_owner"`
	RepoName    string  `json:"repo_name"`
	BranchBase  string  `json:"branch_base"`
	BudgetUSD   float64 `json:"budget_usd"`
	MaxRequests int     `json:"max_requests"`
	MaxMinutes  int     `json:"max_minutes"`
	ModelCTO    string  `json:"model_cto"`
	ModelCoder  string  `json:"model_coder"`

	CostUSD      float64 `json:"cost_usd"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	RequestsMade int     `json:"requests_made"`

	Status     JobStatus `json:"status"`
	Cancelled  bool      `json:"cancelled"`
	LastAction string    `json:"last_action"`
	PRLinks    []string  `json:"pr_links"`

	PromptDigest string `json:"prompt_digest,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobStep is one planner-produced step belonging to a job. Seq preserves plan
// order.
type JobStep struct {
	ID     string     `json:"id"`
	JobID  string     `json:"job_id"`
	Seq    int        `json:"seq"`
	Name   string     `json:"name"`
	Kind   StepKind   `json:"kind"`
	Status StepStatus `json:"status"`
	Details string    `json:"details,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CostEntry is one accounted model invocation. Append-only.
type CostEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

type NoteKind string

const (
	NoteDecision   NoteKind = "decision"
	NoteConstraint NoteKind = "constraint"
	NoteTodo       NoteKind = "todo"
	NoteGlossary   NoteKind = "glossary"
	NoteLink       NoteKind = "link"
)

// MemoryNote is a per-job structured hint, capped in size and count.
type MemoryNote struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Kind      NoteKind  `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryFile is metadata for a per-job uploaded blob; the bytes live on disk
// under memory/<job_id>/.
type MemoryFile struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageSummary is a compact per-call trace line used as the "history"
// retrieval source.
type MessageSummary struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	StepID    string    `json:"step_id,omitempty"`
	Role      string    `json:"role"`
	Summary   string    `json:"summary"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// SelectedSource describes one candidate in a diagnostic's selected or
// dropped list.
type SelectedSource struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Title    string            `json:"title,omitempty"`
	Score    float64           `json:"score"`
	Tokens   int               `json:"tokens"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContextDiagnostic records how one model call's context window was
// assembled.
type ContextDiagnostic struct {
	ID            int64            `json:"id"`
	JobID         string           `json:"job_id"`
	Role          string           `json:"role"`
	TokensFinal   int              `json:"tokens_final"`
	TokensClipped int              `json:"tokens_clipped"`
	CompactOps    int              `json:"compact_ops"`
	BudgetTokens  int              `json:"budget_tokens"`
	ReserveTokens int              `json:"output_reserve_tokens"`
	HardCapTokens int              `json:"hard_cap_tokens"`
	Sources       []SelectedSource `json:"sources"`
	Dropped       []SelectedSource `json:"dropped"`
	Hints         []string         `json:"curator_hints"`
	CreatedAt     time.Time        `json:"created_at"`
}

// EmbeddingRecord is a globally scoped (scope, ref_id, text, vector) tuple.
type EmbeddingRecord struct {
	Scope  string    `json:"scope"`
	RefID  string    `json:"ref_id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"-"`
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError reports a job state machine violation.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// MemoryCapExceededError reports a note or file insert that would breach the
// per-item byte cap or the per-job item cap. The store is left unchanged.
type MemoryCapExceededError struct {
	JobID  string
	Reason string
}

func (e *MemoryCapExceededError) Error() string {
	return fmt.Sprintf("memory cap exceeded for job %s: %s", e.JobID, e.Reason)
}
