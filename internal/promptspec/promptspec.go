// Package promptspec loads the planner/implementer prompt sections from a
// markdown spec file. The digest of whatever was loaded travels with each job
// so a PR can be traced back to the prompts that produced it. Mismatch across
// long-running workers is recorded, not enforced.
package promptspec

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Spec holds the prompt text per agent role plus the digest of the source.
type Spec struct {
	Planner     string
	Implementer string
	Digest      string // blake3 hex of the raw spec bytes
}

const builtinPlanner = `You are the CTO agent of an autonomous software-development orchestrator.
Given an engineering task and repository context, produce an ordered plan.
Respond with ONLY a JSON array of step objects. Each step object has:
"title" (short imperative), "rationale" (why this step), "acceptance"
(how to verify), and optionally "files" (paths to touch) and "commands"
(shell commands to run). No prose outside the JSON array.`

const builtinImplementer = `You are the Coder agent of an autonomous software-development orchestrator.
Given a task, one plan step, and repository context, produce the change as a
unified diff. Use standard ---/+++/@@ notation. To replace a file wholesale,
suffix its +++ path with ::FULL and emit the complete new content as + lines.
Respond with ONLY the diff; an empty response means no change is needed.`

// Load reads the spec file at path. A missing or empty path falls back to the
// built-in prompts; the digest then covers the built-ins so it is still
// meaningful in PR bodies.
func Load(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return builtin(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return builtin(), nil
		}
		return nil, err
	}
	s := &Spec{
		Planner:     extractSection(string(b), "planner"),
		Implementer: extractSection(string(b), "implementer"),
		Digest:      digest(b),
	}
	if s.Planner == "" {
		s.Planner = builtinPlanner
	}
	if s.Implementer == "" {
		s.Implementer = builtinImplementer
	}
	return s, nil
}

func builtin() *Spec {
	return &Spec{
		Planner:     builtinPlanner,
		Implementer: builtinImplementer,
		Digest:      digest([]byte(builtinPlanner + "\n" + builtinImplementer)),
	}
}

func digest(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// extractSection returns the body under the "## <name>" heading, up to the
// next ## heading. Heading match is case-insensitive.
func extractSection(doc, name string) string {
	lines := strings.Split(doc, "\n")
	var body []string
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if in {
				break
			}
			heading := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
			in = heading == strings.ToLower(name)
			continue
		}
		if in {
			body = append(body, line)
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

// DigestOf returns the blake3 hex digest of arbitrary content, used for the
// diff-from-start digest in PR bodies.
func DigestOf(content string) string {
	return digest([]byte(content))
}
