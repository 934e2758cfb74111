// Package diffapply turns unified-diff text produced by the implementer model
// into full new file contents. The parser is deliberately tolerant: model
// output gets hunk headers subtly wrong often enough that strict parsing
// would fail most jobs. It never writes to disk itself; WriteChanges is the
// separate, explicit write step.
package diffapply

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// WholeFileMarker on a +++ header path means the hunk body is the complete
// new file content rather than an edit script.
const WholeFileMarker = "::FULL"

// FileChange is one (path, full new content) pair produced by Apply.
type FileChange struct {
	Path    string
	Content string
}

// SourceLookup returns the current content of path and whether it exists.
type SourceLookup func(path string) (string, bool)

// DirLookup reads sources from the working tree rooted at root.
func DirLookup(root string) SourceLookup {
	return func(path string) (string, bool) {
		b, err := os.ReadFile(filepath.Join(root, path))
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// MalformedDiffError reports diff text the parser could not make sense of.
type MalformedDiffError struct {
	Line   int
	Reason string
}

func (e *MalformedDiffError) Error() string {
	return fmt.Sprintf("malformed diff at line %d: %s", e.Line, e.Reason)
}

// Applier applies unified diffs against sources resolved through Lookup.
type Applier struct {
	Lookup SourceLookup
	Logger *log.Logger // optional; unknown hunk line prefixes are logged here
}

type hunk struct {
	oldStart int // 1-based; 0 means "append at end" (bare @@)
	lines    []string
}

// hunkHeaderRe tolerates missing lengths, missing spaces around the @@
// markers, and trailing context comments.
var hunkHeaderRe = regexp.MustCompile(`^@@\s*-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s*@@`)

// Apply parses diffText and returns the resulting file changes in order of
// appearance. Sources are read through the Lookup (missing files read as
// empty). Returns *MalformedDiffError when a file section is missing its +++
// header or a hunk header cannot be parsed.
func (a *Applier) Apply(diffText string) ([]FileChange, error) {
	lines := strings.Split(diffText, "\n")
	diffHadNL := strings.HasSuffix(diffText, "\n")

	var changes []FileChange
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !isOldHeader(line) {
			i++
			continue
		}

		// +++ must follow the ---.
		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j >= len(lines) || !strings.HasPrefix(lines[j], "+++") {
			return nil, &MalformedDiffError{Line: i + 1, Reason: "missing +++ header after ---"}
		}
		oldPath := headerPath(line)
		newHeader := headerPath(lines[j])

		wholeFile := strings.Contains(newHeader, WholeFileMarker)
		newPath := strings.ReplaceAll(newHeader, WholeFileMarker, "")

		// Collect the section body (everything up to the next file header).
		start := j + 1
		end := start
		for end < len(lines) && !isOldHeader(lines[end]) {
			end++
		}
		body := lines[start:end]
		i = end

		if newPath == "/dev/null" {
			a.logf("diff targets /dev/null for %s; deletions are not applied, skipping", oldPath)
			continue
		}

		if wholeFile {
			content, err := applyWholeFile(body, start)
			if err != nil {
				return nil, err
			}
			changes = append(changes, FileChange{Path: newPath, Content: content})
			continue
		}

		var source string
		if oldPath != "/dev/null" && a.Lookup != nil {
			// Missing files read as empty.
			source, _ = a.Lookup(oldPath)
		}

		hunks, err := parseHunks(body, start, a)
		if err != nil {
			return nil, err
		}
		content := a.reconstruct(source, hunks, diffHadNL)
		changes = append(changes, FileChange{Path: newPath, Content: content})
	}
	return changes, nil
}

// Apply is a convenience wrapper reading sources from root.
func Apply(diffText, root string) ([]FileChange, error) {
	a := &Applier{Lookup: DirLookup(root)}
	return a.Apply(diffText)
}

// isOldHeader reports whether line begins a new file section. Apply
// validates the +++ that must follow.
func isOldHeader(line string) bool {
	return strings.HasPrefix(line, "--- ") || line == "---"
}

// headerPath extracts the path from a ---/+++ header, dropping the a/ or b/
// prefix and any trailing timestamp.
func headerPath(header string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(header, "---"), "+++"))
	if idx := strings.IndexByte(rest, '\t'); idx >= 0 {
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)
	if rest == "/dev/null" {
		return rest
	}
	if strings.HasPrefix(rest, "a/") || strings.HasPrefix(rest, "b/") {
		rest = rest[2:]
	}
	return rest
}

// applyWholeFile extracts the + lines after the first @@ header.
func applyWholeFile(body []string, firstLine int) (string, error) {
	started := false
	var b strings.Builder
	for _, line := range body {
		if !started {
			if strings.HasPrefix(line, "@@") {
				started = true
			}
			continue
		}
		if strings.HasPrefix(line, "+") {
			b.WriteString(line[1:])
			b.WriteByte('\n')
		}
	}
	if !started {
		return "", &MalformedDiffError{Line: firstLine, Reason: "whole-file section has no @@ header"}
	}
	return b.String(), nil
}

func parseHunks(body []string, firstLine int, a *Applier) ([]hunk, error) {
	var hunks []hunk
	var cur *hunk
	for n, line := range body {
		if strings.HasPrefix(line, "@@") {
			if strings.TrimSpace(line) == "@@" {
				hunks = append(hunks, hunk{oldStart: 0})
				cur = &hunks[len(hunks)-1]
				continue
			}
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				return nil, &MalformedDiffError{Line: firstLine + n + 1, Reason: fmt.Sprintf("unparseable hunk header %q", line)}
			}
			oldStart, _ := strconv.Atoi(m[1])
			hunks = append(hunks, hunk{oldStart: oldStart})
			cur = &hunks[len(hunks)-1]
			continue
		}
		if cur == nil {
			// Preamble noise between +++ and the first @@ ("index ...",
			// "new file mode ...", etc.) is ignored.
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	return hunks, nil
}

// reconstruct replays hunks over the source with a line cursor.
func (a *Applier) reconstruct(source string, hunks []hunk, diffHadNL bool) string {
	sourceHadNL := strings.HasSuffix(source, "\n")
	var src []string
	if source != "" {
		src = strings.Split(source, "\n")
		if sourceHadNL {
			src = src[:len(src)-1]
		}
	}

	var out []string
	cursor := 0 // index into src of the next uncopied line
	for _, h := range hunks {
		target := h.oldStart - 1
		if h.oldStart == 0 {
			target = len(src) // bare @@ appends at end
		}
		for cursor < target && cursor < len(src) {
			out = append(out, src[cursor])
			cursor++
		}
		for _, line := range h.lines {
			if line == "" {
				// Blank body line: treat as an (empty) context line.
				if cursor < len(src) {
					out = append(out, src[cursor])
					cursor++
				}
				continue
			}
			switch line[0] {
			case ' ':
				if cursor < len(src) {
					out = append(out, src[cursor])
					cursor++
				} else {
					out = append(out, line[1:])
				}
			case '-':
				if cursor < len(src) {
					cursor++
				}
			case '+':
				out = append(out, line[1:])
			case '\\':
				// "\ No newline at end of file"
			default:
				a.logf("ignoring hunk line with unknown prefix %q", line)
			}
		}
	}
	for cursor < len(src) {
		out = append(out, src[cursor])
		cursor++
	}

	result := strings.Join(out, "\n")
	if len(out) > 0 && (sourceHadNL || diffHadNL) {
		result += "\n"
	}
	return result
}

// WriteChanges writes each change under root, creating parent directories.
func WriteChanges(root string, changes []FileChange) error {
	for _, ch := range changes {
		dst := filepath.Join(root, ch.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(ch.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}
