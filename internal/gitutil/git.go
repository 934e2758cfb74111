// Package gitutil shells out to the git CLI for working-copy management:
// clone/fetch of the target repo, feature branching, per-step commits, and
// pushing the finished branch.
package gitutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent per-step commits
	// stay deterministic and don't spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CloneOrUpdate clones url into dir at branch, or fast-forwards an existing
// checkout to origin/branch.
func CloneOrUpdate(url, dir, branch string) error {
	if IsRepo(dir) {
		if _, _, err := runGit(dir, "fetch", "origin", branch); err != nil {
			return err
		}
		if err := CheckoutBranch(dir, branch); err != nil {
			return err
		}
		_, _, err := runGit(dir, "merge", "--ff-only", "origin/"+branch)
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("git", "clone", "--branch", branch, url, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: []string{"clone", url}, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// SwitchNewBranch creates branch at the current HEAD and checks it out,
// resetting the branch if it already exists from an earlier run.
func SwitchNewBranch(dir, branch string) error {
	_, _, err := runGit(dir, "switch", "-C", branch)
	return err
}

func CheckoutBranch(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

// CommitAll stages everything and commits. Committing a clean tree is a
// no-op: ok=false, no error.
func CommitAll(dir, message string) (sha string, ok bool, err error) {
	if err := AddAll(dir); err != nil {
		return "", false, err
	}
	clean, err := IsClean(dir)
	if err != nil {
		return "", false, err
	}
	if clean {
		return "", false, nil
	}
	_, _, err = runGit(dir, "commit", "-m", message)
	if err != nil {
		// If identity is missing, retry once with an explicit fallback
		// committer identity (without mutating repo config).
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				dir,
				"-c", "user.name=autodev",
				"-c", "user.email=autodev@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", false, err
		}
	}
	head, err := HeadSHA(dir)
	if err != nil {
		return "", false, err
	}
	return head, true, nil
}

// Push pushes branch to the remote, creating it there if needed.
func Push(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", "--set-upstream", remote, branch)
	return err
}

// DiffFromRef returns the full unified diff between baseRef and the working
// tree, used for the diff-from-start digest in PR bodies.
func DiffFromRef(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", baseRef)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
