package diffapply

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generate produces a minimal unified diff (zero context lines) that Apply
// turns before into after. Inputs are normalized to end with a newline.
// Insertion hunks record the first following source line as oldStart, which
// is what the cursor-based applier expects.
func Generate(path, before, after string) string {
	if before != "" && !strings.HasSuffix(before, "\n") {
		before += "\n"
	}
	if after != "" && !strings.HasSuffix(after, "\n") {
		after += "\n"
	}
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	ca, cb, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lineArray)

	var b strings.Builder
	oldHeader := "a/" + path
	if before == "" {
		oldHeader = "/dev/null"
	}
	fmt.Fprintf(&b, "--- %s\n", oldHeader)
	fmt.Fprintf(&b, "+++ b/%s\n", path)

	oldLine, newLine := 1, 1
	var dels, adds []string
	hunkOldStart, hunkNewStart := 0, 0

	flush := func() {
		if len(dels) == 0 && len(adds) == 0 {
			return
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", hunkOldStart, len(dels), hunkNewStart, len(adds))
		for _, l := range dels {
			b.WriteString("-" + l + "\n")
		}
		for _, l := range adds {
			b.WriteString("+" + l + "\n")
		}
		dels, adds = nil, nil
	}

	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			oldLine += len(lines)
			newLine += len(lines)
		case diffmatchpatch.DiffDelete:
			if len(dels) == 0 && len(adds) == 0 {
				hunkOldStart, hunkNewStart = oldLine, newLine
			}
			dels = append(dels, lines...)
			oldLine += len(lines)
		case diffmatchpatch.DiffInsert:
			if len(dels) == 0 && len(adds) == 0 {
				hunkOldStart, hunkNewStart = oldLine, newLine
			}
			adds = append(adds, lines...)
			newLine += len(lines)
		}
	}
	flush()
	return b.String()
}

// Summarize renders a short per-file change summary ("path (+a/-d lines)")
// for commit messages and step details.
func Summarize(path, before, after string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lineArray)
	adds, dels := 0, 0
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			adds += n
		case diffmatchpatch.DiffDelete:
			dels += n
		}
	}
	return fmt.Sprintf("%s (+%d/-%d lines)", path, adds, dels)
}

func splitLines(chunk string) []string {
	if chunk == "" {
		return nil
	}
	chunk = strings.TrimSuffix(chunk, "\n")
	return strings.Split(chunk, "\n")
}
