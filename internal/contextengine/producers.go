package contextengine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/autodev/internal/llm"
	"github.com/danshapiro/autodev/internal/plan"
)

// maxFileBytes bounds how much of any single file is rendered into context.
const maxFileBytes = 50 * 1024

// defaultExcludes are skipped during repo walks in addition to any globs the
// engine is configured with.
var defaultExcludes = []string{
	".git/**",
	".autodev/**",
	"node_modules/**",
	"vendor/**",
	"**/*.lock",
	"**/*.min.js",
	"**/*.png",
	"**/*.jpg",
	"**/*.gif",
	"**/*.pdf",
	"**/*.zip",
}

// gather runs the fixed-order producers and returns all candidates.
func (e *Engine) gather(ctx context.Context, req Request) []Candidate {
	var out []Candidate

	out = append(out, Candidate{
		ID:      "task",
		Source:  sourceTask,
		Content: req.Task,
	})

	if req.Step != nil {
		out = append(out, Candidate{
			ID:      "step",
			Source:  sourceStep,
			Title:   req.Step.Title,
			Content: req.Step.PrettyJSON(),
		})
	}

	out = append(out, e.memoryCandidates(ctx, req.JobID)...)

	if req.RepoPath != "" {
		out = append(out, e.repoCandidates(req.RepoPath, req.Step)...)
	}

	out = append(out, e.artifactCandidates(req.JobID)...)
	out = append(out, e.historyCandidates(ctx, req.JobID)...)

	if e.JIT && e.Embedder != nil {
		out = append(out, e.docCandidates(ctx, req)...)
	}

	for i := range out {
		if out[i].Tokens == 0 {
			out[i].Tokens = llm.EstimateTokens(out[i].Content)
		}
	}
	return out
}

func (e *Engine) memoryCandidates(ctx context.Context, jobID string) []Candidate {
	notes, err := e.Store.ListMemoryNotes(ctx, jobID)
	if err != nil {
		e.logf("list memory notes: %v", err)
		return nil
	}
	out := make([]Candidate, 0, len(notes))
	for _, n := range notes {
		out = append(out, Candidate{
			ID:      "memory:" + n.ID,
			Source:  sourceMemory,
			Title:   n.Title,
			Content: n.Body,
			Metadata: map[string]string{
				"kind": string(n.Kind),
			},
		})
	}
	return out
}

func (e *Engine) repoCandidates(root string, step *plan.Step) []Candidate {
	var files []string
	if step != nil && len(step.Files) > 0 {
		files = step.Files
	} else {
		files = e.walkRepo(root)
	}

	maxChars := e.RetrieverMaxSnippetTokens * 4
	var out []Candidate
	for _, rel := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		rendered, ok := renderFile(full, maxChars)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			ID:      "repo:" + rel,
			Source:  sourceRepo,
			Title:   rel,
			Content: rendered,
		})
	}
	return out
}

// walkRepo returns up to RetrieverMaxFiles relative paths, sorted for
// determinism, honoring the exclude globs.
func (e *Engine) walkRepo(root string) []string {
	excludes := append(append([]string{}, defaultExcludes...), e.ExcludeGlobs...)
	var files []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, g := range excludes {
			if ok, _ := doublestar.Match(g, rel); ok {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	if len(files) > e.RetrieverMaxFiles {
		files = files[:e.RetrieverMaxFiles]
	}
	return files
}

// renderFile reads up to maxFileBytes of a file and numbers each line. The
// rendered text is clipped to maxChars when positive.
func renderFile(path string, maxChars int) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	buf := make([]byte, maxFileBytes)
	n, _ := f.Read(buf)
	if n == 0 {
		return "", false
	}
	raw := string(buf[:n])
	if strings.ContainsRune(raw, 0) {
		return "", false // binary
	}

	var b strings.Builder
	for i, line := range strings.Split(strings.TrimSuffix(raw, "\n"), "\n") {
		fmt.Fprintf(&b, "%04d %s\n", i+1, line)
	}
	rendered := b.String()
	if maxChars > 0 && len(rendered) > maxChars {
		rendered = rendered[:maxChars]
	}
	return rendered, true
}

func (e *Engine) artifactCandidates(jobID string) []Candidate {
	dir := e.artifactsDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() > maxFileBytes {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			ID:      "artifact:" + entry.Name(),
			Source:  sourceArtifact,
			Title:   entry.Name(),
			Content: string(data),
		})
	}
	return out
}

func (e *Engine) historyCandidates(ctx context.Context, jobID string) []Candidate {
	summaries, err := e.Store.RecentMessageSummaries(ctx, jobID, 10)
	if err != nil {
		e.logf("list message summaries: %v", err)
		return nil
	}
	var out []Candidate
	for _, m := range summaries {
		out = append(out, Candidate{
			ID:      fmt.Sprintf("history:%d", m.ID),
			Source:  sourceHistory,
			Title:   m.Role,
			Content: m.Summary,
			Tokens:  m.Tokens,
		})
	}
	return out
}

// docCandidates pulls the top similarity hits from the global "doc" scope
// against a query built from the task and step.
func (e *Engine) docCandidates(ctx context.Context, req Request) []Candidate {
	query := req.Task
	if req.Step != nil {
		query = strings.Join([]string{req.Task, req.Step.Title, req.Step.Rationale, req.Step.Acceptance}, "\n")
	}
	vecs, err := e.Embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		e.logf("doc retrieval embed: %v", err)
		return nil
	}
	recs, scores, err := e.Store.SearchEmbeddings(ctx, "doc", vecs[0], 5)
	if err != nil {
		e.logf("doc retrieval search: %v", err)
		return nil
	}
	var out []Candidate
	for i, r := range recs {
		out = append(out, Candidate{
			ID:      "doc:" + r.RefID,
			Source:  sourceDoc,
			Title:   r.RefID,
			Content: r.Text,
			Metadata: map[string]string{
				"similarity": fmt.Sprintf("%.3f", scores[i]),
			},
		})
	}
	return out
}
