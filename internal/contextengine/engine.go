// Package contextengine assembles the token-bounded context window for each
// model call: gather candidates from fixed-order producers, rank them with a
// blended lexical/semantic score, compact oversized survivors, fit the result
// into the token budget, and enforce a hard cap on the final message list.
// Every call leaves a diagnostic row plus a JSON artifact behind.
package contextengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/autodev/internal/config"
	"github.com/danshapiro/autodev/internal/embed"
	"github.com/danshapiro/autodev/internal/llm"
	"github.com/danshapiro/autodev/internal/plan"
	"github.com/danshapiro/autodev/internal/store"
)

// Engine holds the tuning knobs and collaborators for context assembly. Zero
// values are not usable; construct with New.
type Engine struct {
	Store    *store.Store
	Embedder embed.Provider
	Logger   *log.Logger

	DataDir string

	BudgetTokens  int
	ReserveTokens int
	HardCapTokens int

	CompactThresholdRatio float64
	TopK                  int
	MinScore              float64

	RetrieverMaxFiles         int
	RetrieverMaxSnippetTokens int
	JIT                       bool

	MemoryMaxItems int
	ExcludeGlobs   []string

	// CountTokens measures a message list against the hard cap. Defaults to
	// the len/4 estimate; swap in a provider tokenizer when one is available.
	CountTokens func([]llm.Message) int
}

// New builds an engine from config. The embedder may be nil; ranking then
// falls back to the deterministic hash embedder.
func New(cfg *config.Config, st *store.Store, embedder embed.Provider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Store:                     st,
		Embedder:                  embedder,
		Logger:                    logger,
		DataDir:                   cfg.DataDir,
		BudgetTokens:              cfg.ContextBudgetTokens,
		ReserveTokens:             cfg.ContextOutputReserveTokens,
		HardCapTokens:             cfg.ContextHardCapTokens,
		CompactThresholdRatio:     cfg.ContextCompactThresholdRatio,
		TopK:                      cfg.CuratorTopK,
		MinScore:                  cfg.CuratorMinScore,
		RetrieverMaxFiles:         cfg.RetrieverMaxFiles,
		RetrieverMaxSnippetTokens: cfg.RetrieverMaxSnippetTokens,
		JIT:                       cfg.JIT(),
		MemoryMaxItems:            cfg.MemoryMaxItemsPerJob,
		CountTokens:               llm.EstimateMessages,
	}
}

// Request is one context-assembly invocation.
type Request struct {
	JobID    string
	StepID   string
	Role     string
	Task     string
	Step     *plan.Step
	Base     []llm.Message
	RepoPath string
}

// Result is the assembled message list plus the diagnostic describing how it
// was built.
type Result struct {
	Messages   []llm.Message
	Diagnostic *store.ContextDiagnostic
}

func (e *Engine) logf(format string, args ...any) {
	e.Logger.Printf("[context] "+format, args...)
}

// Build assembles the context for one model call. Diagnostics persistence is
// best-effort; Build itself only fails on context cancellation.
func (e *Engine) Build(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.archive(ctx, req.JobID)

	cands := e.gather(ctx, req)

	query := req.Task
	if req.Step != nil {
		query = req.Task + "\n" + req.Step.Title + "\n" + req.Step.Rationale
	}
	kept, rankDropped := e.rank(ctx, query, cands)

	available := e.BudgetTokens - e.ReserveTokens
	compactOps := e.compactAll(kept, available)

	selected, clipped, budgetDropped := selectWithinBudget(kept, available)
	dropped := append(rankDropped, budgetDropped...)

	countTokens := e.CountTokens
	if countTokens == nil {
		countTokens = llm.EstimateMessages
	}
	messages := assemble(selected, req.Base)
	total := countTokens(messages)
	for total > e.HardCapTokens && len(selected) > 0 {
		last := selected[len(selected)-1]
		selected = selected[:len(selected)-1]
		clipped += last.Tokens
		dropped = append(dropped, last)
		messages = assemble(selected, req.Base)
		total = countTokens(messages)
	}

	diag := &store.ContextDiagnostic{
		JobID:         req.JobID,
		Role:          req.Role,
		TokensFinal:   total,
		TokensClipped: clipped,
		CompactOps:    compactOps,
		BudgetTokens:  e.BudgetTokens,
		ReserveTokens: e.ReserveTokens,
		HardCapTokens: e.HardCapTokens,
		Sources:       toSelectedSources(selected),
		Dropped:       toSelectedSources(dropped),
		Hints:         CuratorHints(selected),
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.Store.SaveDiagnostic(ctx, diag); err != nil {
		e.logf("save diagnostic for job %s: %v", req.JobID, err)
	}
	e.writeDiagnosticArtifact(req, diag)

	return &Result{Messages: messages, Diagnostic: diag}, nil
}

// selectWithinBudget walks candidates in rank order. The first candidate that
// would overflow is truncated to the remaining allowance and included; the
// rest are dropped with their tokens counted as clipped.
func selectWithinBudget(cands []Candidate, available int) (selected []Candidate, clipped int, dropped []Candidate) {
	used := 0
	for i, c := range cands {
		if used+c.Tokens <= available {
			selected = append(selected, c)
			used += c.Tokens
			continue
		}
		remaining := available - used
		if remaining > 0 {
			c.Content = truncateChars(c.Content, remaining*4)
			c.Tokens = llm.EstimateTokens(c.Content)
			selected = append(selected, c)
			used = available
		} else {
			clipped += c.Tokens
			dropped = append(dropped, c)
		}
		for _, rest := range cands[i+1:] {
			clipped += rest.Tokens
			dropped = append(dropped, rest)
		}
		break
	}
	return selected, clipped, dropped
}

func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// assemble renders the selected candidates into a single synthetic system
// message and prepends it to the base messages.
func assemble(selected []Candidate, base []llm.Message) []llm.Message {
	if len(selected) == 0 {
		out := make([]llm.Message, len(base))
		copy(out, base)
		return out
	}
	var b strings.Builder
	for _, c := range selected {
		fmt.Fprintf(&b, "# %s (score=%.2f)", c.Source, c.Score)
		if c.Title != "" {
			fmt.Fprintf(&b, " [%s]", c.Title)
		}
		b.WriteString("\n")
		b.WriteString(c.Content)
		if !strings.HasSuffix(c.Content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("## Curator Hints\n")
	for _, h := range CuratorHints(selected) {
		b.WriteString("- " + h + "\n")
	}

	out := make([]llm.Message, 0, len(base)+1)
	out = append(out, llm.System(b.String()))
	out = append(out, base...)
	return out
}

// CuratorHints renders each selected candidate as a one-line pointer: source,
// score, title, and the first three non-empty content lines.
func CuratorHints(selected []Candidate) []string {
	hints := make([]string, 0, len(selected))
	for _, c := range selected {
		var lines []string
		for _, l := range strings.Split(c.Content, "\n") {
			if strings.TrimSpace(l) == "" {
				continue
			}
			lines = append(lines, strings.TrimSpace(l))
			if len(lines) == 3 {
				break
			}
		}
		hint := fmt.Sprintf("[%s score=%.2f]", c.Source, c.Score)
		if c.Title != "" {
			hint += fmt.Sprintf(" [%s]", c.Title)
		}
		if len(lines) > 0 {
			hint += " " + strings.Join(lines, " ")
		}
		hints = append(hints, hint)
	}
	return hints
}

func toSelectedSources(cands []Candidate) []store.SelectedSource {
	out := make([]store.SelectedSource, 0, len(cands))
	for _, c := range cands {
		out = append(out, store.SelectedSource{
			ID:       c.ID,
			Source:   c.Source,
			Title:    c.Title,
			Score:    c.Score,
			Tokens:   c.Tokens,
			Metadata: c.Metadata,
		})
	}
	return out
}

// archive snapshots old memory notes to an artifact once the job's note count
// reaches 80% of the cap, keeping the 10 most recent. Side-effect only.
func (e *Engine) archive(ctx context.Context, jobID string) {
	count, err := e.Store.CountMemoryNotes(ctx, jobID)
	if err != nil || e.MemoryMaxItems <= 0 {
		return
	}
	if count < e.MemoryMaxItems*8/10 {
		return
	}
	notes, err := e.Store.ListMemoryNotes(ctx, jobID)
	if err != nil {
		e.logf("archivist list notes: %v", err)
		return
	}
	if len(notes) <= 10 {
		return
	}
	old := notes[:len(notes)-10]

	dir := e.artifactsDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logf("archivist mkdir: %v", err)
		return
	}
	name := fmt.Sprintf("memory_snapshot_%s.json", time.Now().UTC().Format("20060102T150405"))
	data, err := json.MarshalIndent(old, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		e.logf("archivist write snapshot: %v", err)
		return
	}
	ids := make([]string, len(old))
	for i, n := range old {
		ids[i] = n.ID
	}
	if err := e.Store.DeleteMemoryNotes(ctx, jobID, ids); err != nil {
		e.logf("archivist delete notes: %v", err)
		return
	}
	e.logf("archived %d memory notes for job %s to %s", len(old), jobID, name)
}

func (e *Engine) artifactsDir(jobID string) string {
	return filepath.Join(e.DataDir, "artifacts", jobID)
}

func (e *Engine) writeDiagnosticArtifact(req Request, diag *store.ContextDiagnostic) {
	dir := e.artifactsDir(req.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logf("artifact mkdir: %v", err)
		return
	}
	label := req.Role
	if req.StepID != "" {
		label = req.StepID
	}
	data, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, "context_"+label+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logf("write diagnostic artifact: %v", err)
	}
}
