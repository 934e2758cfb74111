package worker

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/autodev/internal/config"
	"github.com/danshapiro/autodev/internal/events"
	"github.com/danshapiro/autodev/internal/githost"
	"github.com/danshapiro/autodev/internal/llm"
	"github.com/danshapiro/autodev/internal/pricing"
	"github.com/danshapiro/autodev/internal/promptspec"
	"github.com/danshapiro/autodev/internal/store"
)

// scriptedAdapter replays canned responses in call order. Tests drive Run
// sequentially, so no locking is needed.
type scriptedAdapter struct {
	responses []llm.Response
	calls     int
	onCall    func(n int)
}

func (s *scriptedAdapter) Name() string { return "openai" }

func (s *scriptedAdapter) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	n := s.calls
	s.calls++
	if s.onCall != nil {
		s.onCall(n)
	}
	if n >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[n], nil
}

func newTestRunner(t *testing.T, adapter llm.ProviderAdapter, dryRun bool) (*Runner, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := llm.NewClient()
	client.Register(llm.DryRunAdapter{})
	if adapter != nil {
		client.Register(adapter)
		client.SetDefaultProvider(adapter.Name())
	}
	prices, err := pricing.LoadTable("")
	if err != nil {
		t.Fatal(err)
	}
	prompts, err := promptspec.Load("")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.New(log.New(io.Discard, "", 0))
	t.Cleanup(bus.Close)

	return &Runner{
		Cfg: &config.Config{
			DryRun:                dryRun,
			DataDir:               dir,
			MergeConflictBehavior: "fail",
		},
		Store:   st,
		Bus:     bus,
		LLM:     client,
		Prices:  prices,
		Prompts: prompts,
		Host:    githost.Noop{},
		Logger:  log.New(io.Discard, "", 0),
	}, st
}

// captureHost records the last PR it was asked to open.
type captureHost struct {
	title, body string
}

func (h *captureHost) OpenPR(_ context.Context, owner, repo, title, body, _, _ string) (string, error) {
	h.title, h.body = title, body
	return "https://github.com/" + owner + "/" + repo + "/pull/1", nil
}

func createJob(t *testing.T, st *store.Store, budgetUSD float64) *store.Job {
	t.Helper()
	job := &store.Job{
		Task:        "add a hello file",
		RepoOwner:   "acme",
		RepoName:    "widgets",
		BranchBase:  "main",
		BudgetUSD:   budgetUSD,
		MaxRequests: 100,
		MaxMinutes:  30,
		ModelCTO:    "gpt-4o",
		ModelCoder:  "gpt-4o-mini",
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// initOriginRepo creates a local repo with one commit on main, usable as a
// clone source and push target (feature branches only).
func initOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# widgets\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

const planOneStep = `[
  {"title": "Create hello file", "rationale": "task asks for it", "acceptance": "hello.txt exists", "files": ["hello.txt"]}
]`

const planTwoSteps = `[
  {"title": "Step one", "rationale": "r1", "acceptance": "a1"},
  {"title": "Step two", "rationale": "r2", "acceptance": "a2"}
]`

const helloDiff = `--- /dev/null
+++ b/hello.txt
@@ -0,0 +1 @@
+hello from autodev
`

func TestDryRunHappyPath(t *testing.T) {
	r, st := newTestRunner(t, nil, true)
	ctx := context.Background()
	job := createJob(t, st, 5)

	if err := r.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if len(got.PRLinks) != 0 {
		t.Fatalf("dry run opened a PR: %v", got.PRLinks)
	}
	if got.CostUSD > 0.001 {
		t.Fatalf("dry run cost $%v", got.CostUSD)
	}
	if got.RequestsMade != 2 { // plan + one synthesized step
		t.Fatalf("requests_made = %d", got.RequestsMade)
	}
	if got.PromptDigest == "" {
		t.Fatal("prompt digest not stored")
	}

	steps, err := st.ListSteps(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 { // plan marker + execution step
		t.Fatalf("got %d steps", len(steps))
	}
	if steps[0].Kind != store.StepKindPlan || steps[1].Kind != store.StepKindExecution {
		t.Fatalf("step kinds %q, %q", steps[0].Kind, steps[1].Kind)
	}
	if steps[1].Status != store.StepCompleted || steps[1].Name != "Analyse Task" {
		t.Fatalf("execution step %+v", steps[1])
	}

	// Transcript flushed into the scratch workdir.
	transcript := filepath.Join(r.Cfg.DataDir, "scratch", job.ID, ".autodev", "llm_calls.jsonl")
	f, err := os.Open(transcript)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("transcript has %d lines", lines)
	}
}

func TestPlanParseFailureFailsJob(t *testing.T) {
	adapter := &scriptedAdapter{responses: []llm.Response{
		{Text: "I think we should refactor everything", TokensIn: 10, TokensOut: 10},
	}}
	r, st := newTestRunner(t, adapter, false)
	ctx := context.Background()
	job := createJob(t, st, 5)

	if err := r.Run(ctx, job.ID); err == nil {
		t.Fatal("expected plan parse error")
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.Contains(got.LastAction, "plan parse error") {
		t.Fatalf("last_action = %q", got.LastAction)
	}
	// The planner call itself is still accounted for.
	summaries, err := st.RecentMessageSummaries(ctx, job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].Role != rolePlanner {
		t.Fatalf("summaries = %+v", summaries)
	}
	// No working copy was ever prepared.
	if _, err := os.Stat(filepath.Join(r.Cfg.DataDir, "repos")); !os.IsNotExist(err) {
		t.Fatal("repos dir created despite plan failure")
	}
}

func TestFullRunCommitsAndOpensPR(t *testing.T) {
	origin := initOriginRepo(t)
	adapter := &scriptedAdapter{responses: []llm.Response{
		{Text: planOneStep, TokensIn: 100, TokensOut: 50},
		{Text: helloDiff, TokensIn: 200, TokensOut: 30},
	}}
	r, st := newTestRunner(t, adapter, false)
	r.CloneURL = func(_, _ string) string { return origin }
	host := &captureHost{}
	r.Host = host
	ctx := context.Background()
	job := createJob(t, st, 5)

	if err := r.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, last_action = %q", got.Status, got.LastAction)
	}
	if len(got.PRLinks) != 1 {
		t.Fatalf("pr_links = %v", got.PRLinks)
	}
	if !strings.Contains(host.body, "**Files changed:**") || !strings.Contains(host.body, "`hello.txt`") {
		t.Fatalf("PR body missing changed files:\n%s", host.body)
	}
	if got.LastAction != "step: Create hello file" {
		t.Fatalf("last_action = %q", got.LastAction)
	}

	// The diff was applied and committed on the feature branch.
	workdir := filepath.Join(r.Cfg.DataDir, "repos", "acme-widgets")
	content, err := os.ReadFile(filepath.Join(workdir, "hello.txt"))
	if err != nil {
		t.Fatalf("hello.txt: %v", err)
	}
	if string(content) != "hello from autodev\n" {
		t.Fatalf("hello.txt = %q", content)
	}

	// The step commit carries the per-file change summary in its body.
	msg, err := exec.Command("git", "-C", workdir, "log", "-1", "--format=%B").Output()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), "hello.txt (+1/-0 lines)") {
		t.Fatalf("commit message = %q", msg)
	}

	// The feature branch arrived at origin.
	branch := "auto/" + strings.ToLower(job.ID[:8])
	out, err := exec.Command("git", "-C", origin, "branch", "--list", branch).Output()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), branch) {
		t.Fatalf("branch %s not pushed to origin: %q", branch, out)
	}
}

func TestBudgetTripStopsBeforeNextStep(t *testing.T) {
	origin := initOriginRepo(t)
	adapter := &scriptedAdapter{responses: []llm.Response{
		{Text: planTwoSteps, TokensIn: 1000, TokensOut: 1000},
		{Text: "", TokensIn: 1000, TokensOut: 1000},
	}}
	r, st := newTestRunner(t, adapter, false)
	r.CloneURL = func(_, _ string) string { return origin }
	ctx := context.Background()

	// The gpt-4o plan call costs 0.0125 and step one adds 0.00075, so the
	// 0.013 budget trips at the check before step two.
	job := createJob(t, st, 0.013)

	err := r.Run(ctx, job.ID)
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !IsFatalLimit(err) {
		t.Fatalf("expected a limit error, got %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}

	var execSteps []*store.JobStep
	steps, err := st.ListSteps(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Kind == store.StepKindExecution {
			execSteps = append(execSteps, s)
		}
	}
	if len(execSteps) != 1 || execSteps[0].Name != "Step one" {
		t.Fatalf("execution steps = %+v", execSteps)
	}
}

func TestCancelObservedAtStepBoundary(t *testing.T) {
	origin := initOriginRepo(t)
	adapter := &scriptedAdapter{
		responses: []llm.Response{
			{Text: planTwoSteps, TokensIn: 10, TokensOut: 10},
			{Text: "", TokensIn: 10, TokensOut: 10},
		},
	}
	r, st := newTestRunner(t, adapter, false)
	r.CloneURL = func(_, _ string) string { return origin }
	ctx := context.Background()
	job := createJob(t, st, 5)

	// Cancel mid-step-one; the worker must notice before step two.
	adapter.onCall = func(n int) {
		if n == 1 {
			if _, err := st.RequestCancel(context.Background(), job.ID); err != nil {
				panic(err)
			}
		}
	}

	if err := r.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCancelled || !got.Cancelled {
		t.Fatalf("status=%q cancelled=%v", got.Status, got.Cancelled)
	}
	if len(got.PRLinks) != 0 {
		t.Fatalf("cancelled job opened a PR: %v", got.PRLinks)
	}

	steps, err := st.ListSteps(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	var execNames []string
	for _, s := range steps {
		if s.Kind == store.StepKindExecution {
			execNames = append(execNames, s.Name)
		}
	}
	if len(execNames) != 1 || execNames[0] != "Step one" {
		t.Fatalf("execution steps = %v", execNames)
	}
}

func TestPoolRequeuesPendingJobs(t *testing.T) {
	r, st := newTestRunner(t, nil, true)
	ctx := context.Background()
	job := createJob(t, st, 5)

	pool := NewPool(r, 1, 16)
	if err := pool.Requeue(ctx); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	pool.Stop()

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q after requeue drain", got.Status)
	}
}

func TestRecorderBuffersUntilAttach(t *testing.T) {
	rec := NewRecorder(log.New(io.Discard, "", 0))
	rec.Record(CallRecord{Role: rolePlanner, Model: "gpt-4o", Response: "plan"})

	dir := t.TempDir()
	rec.SetBasePath(dir)
	rec.Record(CallRecord{Role: roleImplementer, Model: "gpt-4o-mini", Response: "diff"})

	data, err := os.ReadFile(filepath.Join(dir, ".autodev", "llm_calls.jsonl"))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("transcript lines = %d", len(lines))
	}
	if !strings.Contains(lines[0], rolePlanner) || !strings.Contains(lines[1], roleImplementer) {
		t.Fatalf("transcript order wrong:\n%s", data)
	}
}
