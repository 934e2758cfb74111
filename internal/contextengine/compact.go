package contextengine

import (
	"strings"

	"github.com/danshapiro/autodev/internal/llm"
)

// compactAll shrinks any candidate whose token count exceeds
// ⌊available·thresholdRatio⌋ toward max(threshold, ⌊tokens·0.5⌋), returning
// the number of candidates compressed.
func (e *Engine) compactAll(cands []Candidate, available int) int {
	threshold := int(float64(available) * e.CompactThresholdRatio)
	if threshold <= 0 {
		return 0
	}
	ops := 0
	for i := range cands {
		if cands[i].Tokens <= threshold {
			continue
		}
		target := cands[i].Tokens / 2
		if threshold > target {
			target = threshold
		}
		cands[i].Content = compact(cands[i].Content, target*4)
		cands[i].Tokens = llm.EstimateTokens(cands[i].Content)
		ops++
	}
	return ops
}

// compact reduces text to roughly maxChars, preferring fenced code blocks:
// code is usually the load-bearing part of a long candidate. When no fences
// exist the leading prefix is kept.
func compact(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	blocks := fencedBlocks(text)
	if len(blocks) == 0 {
		return text[:maxChars]
	}
	var b strings.Builder
	for _, block := range blocks {
		if b.Len() >= maxChars {
			break
		}
		remaining := maxChars - b.Len()
		if len(block) > remaining {
			block = block[:remaining]
		}
		b.WriteString(block)
		b.WriteString("\n")
	}
	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

// fencedBlocks returns the contents between ``` markers, in order.
func fencedBlocks(text string) []string {
	var blocks []string
	var cur []string
	inside := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inside {
				blocks = append(blocks, strings.Join(cur, "\n"))
				cur = nil
			}
			inside = !inside
			continue
		}
		if inside {
			cur = append(cur, line)
		}
	}
	return blocks
}
