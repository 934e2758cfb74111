// Package worker runs jobs end to end: plan with the CTO model, execute each
// step with the Coder model, apply the resulting diffs to a working copy,
// commit per step, and finish by pushing the branch and opening a PR. One
// worker owns a job from Running to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/autodev/internal/config"
	"github.com/danshapiro/autodev/internal/contextengine"
	"github.com/danshapiro/autodev/internal/diffapply"
	"github.com/danshapiro/autodev/internal/events"
	"github.com/danshapiro/autodev/internal/githost"
	"github.com/danshapiro/autodev/internal/gitutil"
	"github.com/danshapiro/autodev/internal/llm"
	"github.com/danshapiro/autodev/internal/plan"
	"github.com/danshapiro/autodev/internal/pricing"
	"github.com/danshapiro/autodev/internal/promptspec"
	"github.com/danshapiro/autodev/internal/store"
)

const (
	rolePlanner     = "planner-plan"
	roleImplementer = "implementer-step"
)

// Runner executes one job at a time. Safe to share across pool goroutines:
// all mutable state lives in the store and in per-run locals.
type Runner struct {
	Cfg     *config.Config
	Store   *store.Store
	Bus     *events.Bus
	LLM     *llm.Client
	Prices  *pricing.Table
	Prompts *promptspec.Spec
	Context *contextengine.Engine // nil disables context assembly
	Host    githost.Host
	Logger  *log.Logger

	// CloneURL builds the remote URL for a repo. Defaults to the public
	// GitHub HTTPS form when unset.
	CloneURL func(owner, repo string) string
}

func (r *Runner) logf(format string, args ...any) {
	r.Logger.Printf("[worker] "+format, args...)
}

func (r *Runner) cloneURL(owner, repo string) string {
	if r.CloneURL != nil {
		return r.CloneURL(owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// publish emits an event with the job's current progress attached.
func (r *Runner) publish(ctx context.Context, typ events.Type, job *store.Job) {
	completed, total, err := r.Store.StepCounts(ctx, job.ID)
	if err != nil {
		completed, total = 0, 0
	}
	r.Bus.PublishJob(ctx, typ, job, completed, total)
}

// fail moves the job to Failed and emits job.failed. The original error is
// returned so the pool can log it.
func (r *Runner) fail(ctx context.Context, jobID string, cause error) error {
	r.logf("job %s failed: %v", jobID, cause)
	_ = r.Store.SetLastAction(ctx, jobID, "error: "+cause.Error())
	job, err := r.Store.TransitionJob(ctx, jobID, store.StatusFailed)
	if err != nil {
		r.logf("job %s: transition to failed: %v", jobID, err)
		return cause
	}
	r.publish(ctx, events.JobFailed, job)
	return cause
}

// Run drives one job through the full lifecycle. A nil return means the job
// reached Completed or Cancelled; anything else ended in Failed.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Cancelled {
		r.logf("job %s cancelled before start", jobID)
		return nil
	}

	job, err = r.Store.TransitionJob(ctx, jobID, store.StatusRunning)
	if err != nil {
		return err
	}
	if err := r.Store.SetPromptDigest(ctx, jobID, r.Prompts.Digest); err != nil {
		r.logf("job %s: set prompt digest: %v", jobID, err)
	}
	r.publish(ctx, events.JobUpdated, job)

	recorder := NewRecorder(r.Logger)

	steps, job, err := r.planPhase(ctx, job, recorder)
	if err != nil {
		return r.fail(ctx, jobID, err)
	}
	r.publish(ctx, events.JobUpdated, job)

	workdir, branch, startRef, err := r.prepareWorkingCopy(job)
	if err != nil {
		return r.fail(ctx, jobID, err)
	}
	recorder.SetBasePath(workdir)

	for _, st := range steps {
		job, err = r.Store.GetJob(ctx, jobID)
		if err != nil {
			return r.fail(ctx, jobID, err)
		}
		if err := r.checkLimits(job); err != nil {
			return r.fail(ctx, jobID, err)
		}
		if job.Cancelled {
			return r.cancelled(ctx, job)
		}
		job, err = r.executeStep(ctx, job, st, workdir, recorder)
		if err != nil {
			return r.fail(ctx, jobID, err)
		}
		r.publish(ctx, events.JobUpdated, job)
	}

	job, err = r.finalize(ctx, job, workdir, branch, startRef)
	if err != nil {
		return r.fail(ctx, jobID, err)
	}
	r.publish(ctx, events.JobCompleted, job)
	return nil
}

func (r *Runner) cancelled(ctx context.Context, job *store.Job) error {
	if !job.Status.Terminal() {
		moved, err := r.Store.TransitionJob(ctx, job.ID, store.StatusCancelled)
		if err == nil {
			job = moved
		}
	}
	r.logf("job %s cancelled at step boundary", job.ID)
	r.publish(ctx, events.JobCancelled, job)
	return nil
}

func (r *Runner) checkLimits(job *store.Job) error {
	var elapsed time.Duration
	if job.StartedAt != nil {
		elapsed = time.Since(*job.StartedAt)
	}
	return pricing.CheckLimits(
		pricing.Usage{CostUSD: job.CostUSD, Requests: job.RequestsMade, Elapsed: elapsed},
		pricing.Limits{
			MaxUSD:      job.BudgetUSD,
			MaxRequests: job.MaxRequests,
			MaxWall:     time.Duration(job.MaxMinutes) * time.Minute,
		},
	)
}

// invoke assembles context (when enabled), calls the model, and records
// cost, transcript, and a message summary. Returns the response plus the
// refreshed job.
func (r *Runner) invoke(ctx context.Context, job *store.Job, role, stepID, model string, step *plan.Step, base []llm.Message, repoPath string, recorder *Recorder) (llm.Response, *store.Job, error) {
	messages := base
	if r.Context != nil {
		res, err := r.Context.Build(ctx, contextengine.Request{
			JobID:    job.ID,
			StepID:   stepID,
			Role:     role,
			Task:     job.Task,
			Step:     step,
			Base:     base,
			RepoPath: repoPath,
		})
		if err != nil {
			return llm.Response{}, job, err
		}
		messages = res.Messages
	}

	provider := ""
	if r.Cfg.DryRun {
		provider = "dryrun"
	}
	resp, err := r.LLM.Generate(ctx, llm.Request{Provider: provider, Model: model, Messages: messages})
	if err != nil {
		return llm.Response{}, job, err
	}

	summary := summarize(resp.Text)
	cost := r.Prices.Cost(model, resp.TokensIn, resp.TokensOut)
	job, err = r.Store.RecordCost(ctx, &store.CostEntry{
		JobID:     job.ID,
		Provider:  providerLabel(provider),
		Model:     model,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		CostUSD:   cost,
	})
	if err != nil {
		return resp, job, err
	}

	recorder.Record(CallRecord{
		Role:      role,
		Model:     model,
		Messages:  messages,
		Response:  resp.Text,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Summary:   summary,
	})
	if err := r.Store.AddMessageSummary(ctx, &store.MessageSummary{
		JobID:   job.ID,
		StepID:  stepID,
		Role:    role,
		Summary: summary,
		Tokens:  resp.TokensOut,
	}); err != nil {
		r.logf("job %s: add summary: %v", job.ID, err)
	}
	return resp, job, nil
}

func providerLabel(p string) string {
	if p == "" {
		return "openai"
	}
	return p
}

// planPhase asks the CTO model for the step list and persists one completed
// plan-marker JobStep per entry.
func (r *Runner) planPhase(ctx context.Context, job *store.Job, recorder *Recorder) ([]plan.Step, *store.Job, error) {
	base := []llm.Message{
		llm.System(r.Prompts.Planner),
		llm.User("Task:\n" + job.Task),
	}
	resp, job, err := r.invoke(ctx, job, rolePlanner, "", job.ModelCTO, nil, base, "", recorder)
	if err != nil {
		return nil, job, err
	}

	var steps []plan.Step
	if r.Cfg.DryRun {
		steps = []plan.Step{{
			Title:      "Analyse Task",
			Rationale:  "dry run: no provider-backed plan available",
			Acceptance: "job completes without touching git or the network",
		}}
	} else {
		steps, err = plan.Parse(resp.Text)
		if err != nil {
			return nil, job, err
		}
	}

	for _, st := range steps {
		now := time.Now().UTC()
		marker := &store.JobStep{
			JobID:      job.ID,
			Name:       st.Title,
			Kind:       store.StepKindPlan,
			Status:     store.StepCompleted,
			Details:    st.Rationale,
			FinishedAt: &now,
		}
		if err := r.Store.AddStep(ctx, marker); err != nil {
			return nil, job, err
		}
	}
	r.logf("job %s: planned %d steps", job.ID, len(steps))
	return steps, job, nil
}

// prepareWorkingCopy returns (workdir, feature branch, start ref). Dry runs
// get a scratch directory and never touch git.
func (r *Runner) prepareWorkingCopy(job *store.Job) (string, string, string, error) {
	if r.Cfg.DryRun {
		dir := filepath.Join(r.Cfg.DataDir, "scratch", job.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", "", err
		}
		return dir, "", "", nil
	}

	dir := filepath.Join(r.Cfg.DataDir, "repos", job.RepoOwner+"-"+job.RepoName)
	url := r.cloneURL(job.RepoOwner, job.RepoName)
	if err := gitutil.CloneOrUpdate(url, dir, job.BranchBase); err != nil {
		return "", "", "", err
	}
	branch := "auto/" + strings.ToLower(job.ID[:8])
	if err := gitutil.SwitchNewBranch(dir, branch); err != nil {
		return "", "", "", err
	}
	startRef, err := gitutil.HeadSHA(dir)
	if err != nil {
		return "", "", "", err
	}
	return dir, branch, startRef, nil
}

func (r *Runner) executeStep(ctx context.Context, job *store.Job, st plan.Step, workdir string, recorder *Recorder) (*store.Job, error) {
	now := time.Now().UTC()
	record := &store.JobStep{
		JobID:     job.ID,
		Name:      st.Title,
		Kind:      store.StepKindExecution,
		Status:    store.StepRunning,
		StartedAt: &now,
	}
	if err := r.Store.AddStep(ctx, record); err != nil {
		return job, err
	}

	payload, err := json.MarshalIndent(map[string]any{"task": job.Task, "step": st}, "", "  ")
	if err != nil {
		return job, err
	}
	base := []llm.Message{
		llm.System(r.Prompts.Implementer),
		llm.User(string(payload)),
	}
	resp, job, err := r.invoke(ctx, job, roleImplementer, record.ID, job.ModelCoder, &st, base, workdir, recorder)
	if err != nil {
		_ = r.Store.UpdateStep(ctx, record.ID, store.StepFailed, err.Error())
		return job, err
	}

	summary := summarize(resp.Text)
	diffText := strings.TrimSpace(resp.Text)
	var changed []string
	if diffText != "" {
		lookup := diffapply.DirLookup(workdir)
		applier := &diffapply.Applier{Lookup: lookup, Logger: r.Logger}
		changes, err := applier.Apply(diffText)
		if err != nil {
			_ = r.Store.UpdateStep(ctx, record.ID, store.StepFailed, err.Error())
			return job, err
		}
		if len(changes) > 0 {
			// Per-file summaries need the pre-write contents.
			for _, ch := range changes {
				before, _ := lookup(ch.Path)
				changed = append(changed, diffapply.Summarize(ch.Path, before, ch.Content))
			}
			if err := diffapply.WriteChanges(workdir, changes); err != nil {
				_ = r.Store.UpdateStep(ctx, record.ID, store.StepFailed, err.Error())
				return job, err
			}
			if !r.Cfg.DryRun {
				message := st.Title + "\n\n" + summary + "\n\n" + strings.Join(changed, "\n")
				sha, committed, err := gitutil.CommitAll(workdir, message)
				if err != nil {
					_ = r.Store.UpdateStep(ctx, record.ID, store.StepFailed, err.Error())
					return job, err
				}
				if committed {
					r.logf("job %s: committed %s (%s)", job.ID, st.Title, sha[:8])
				} else {
					r.logf("job %s: step %q produced no tree changes, skipping commit", job.ID, st.Title)
				}
			}
		} else {
			r.logf("job %s: step %q produced an empty diff", job.ID, st.Title)
		}
	}

	if err := r.Store.SetLastAction(ctx, job.ID, "step: "+st.Title); err != nil {
		r.logf("job %s: set last action: %v", job.ID, err)
	}
	details := summary
	if len(changed) > 0 {
		details += "\n" + strings.Join(changed, "\n")
	}
	if err := r.Store.UpdateStep(ctx, record.ID, store.StepCompleted, details); err != nil {
		return job, err
	}
	return r.Store.GetJob(ctx, job.ID)
}

func (r *Runner) finalize(ctx context.Context, job *store.Job, workdir, branch, startRef string) (*store.Job, error) {
	if !r.Cfg.DryRun {
		if err := gitutil.Push(workdir, "origin", branch); err != nil {
			return job, err
		}
		diffText, err := gitutil.DiffFromRef(workdir, startRef)
		if err != nil {
			return job, err
		}
		files, err := gitutil.DiffNameOnly(workdir, startRef)
		if err != nil {
			return job, err
		}
		body := r.prBody(ctx, job, diffText, files)
		title := "Autodev: " + truncate(job.Task, 72)
		url, err := r.Host.OpenPR(ctx, job.RepoOwner, job.RepoName, title, body, branch, job.BranchBase)
		if err != nil {
			return job, err
		}
		if err := r.Store.AppendPRLink(ctx, job.ID, url); err != nil {
			return job, err
		}
		r.logf("job %s: opened %s", job.ID, url)
	}
	return r.Store.TransitionJob(ctx, job.ID, store.StatusCompleted)
}

// prBody renders the PR description: provenance digests plus a context report
// from the job's latest diagnostic.
func (r *Runner) prBody(ctx context.Context, job *store.Job, diffText string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for job `%s`.\n\n", job.ID)
	fmt.Fprintf(&b, "**Task:** %s\n\n", job.Task)
	fmt.Fprintf(&b, "- Prompt spec digest: `%s`\n", r.Prompts.Digest)
	fmt.Fprintf(&b, "- Diff digest: `%s`\n", promptspec.DigestOf(diffText))
	fmt.Fprintf(&b, "- Merge strategy: %s\n", r.Cfg.MergeConflictBehavior)

	if len(files) > 0 {
		b.WriteString("\n**Files changed:**\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	diag, err := r.Store.LatestDiagnostic(ctx, job.ID)
	if err != nil {
		return b.String()
	}
	b.WriteString("\n### Context Report\n")
	fmt.Fprintf(&b, "- tokens_final: %d\n", diag.TokensFinal)
	fmt.Fprintf(&b, "- compact_ops: %d\n", diag.CompactOps)
	fmt.Fprintf(&b, "- budget: %d (reserve %d, hard cap %d)\n",
		diag.BudgetTokens, diag.ReserveTokens, diag.HardCapTokens)
	if len(diag.Sources) > 0 {
		b.WriteString("\nTop sources:\n")
		top := diag.Sources
		if len(top) > 5 {
			top = top[:5]
		}
		for i, src := range top {
			label := src.Source
			if src.Title != "" {
				label += " " + src.Title
			}
			fmt.Fprintf(&b, "%d. %s (score=%.2f, tokens=%d)\n", i+1, label, src.Score, src.Tokens)
		}
	}
	return b.String()
}

// summarize reduces a model response to a single trace line.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, 200)
		}
	}
	return "(empty response)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsFatalLimit reports whether err is one of the budget ceilings.
func IsFatalLimit(err error) bool {
	var be *pricing.BudgetExceededError
	var re *pricing.RequestsExceededError
	var de *pricing.DeadlineExceededError
	return errors.As(err, &be) || errors.As(err, &re) || errors.As(err, &de)
}
