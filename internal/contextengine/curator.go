package contextengine

import (
	"context"
	"sort"
	"strings"

	"github.com/danshapiro/autodev/internal/embed"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.25

	lexWeight = 0.6
	cosWeight = 0.4
)

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// lexScore is a BM25 variant with the average document length pinned to the
// document's own length, so no corpus statistics are needed. The length
// normalizer then collapses to a constant and the score depends only on term
// frequencies.
func lexScore(queryTerms []string, doc string) float64 {
	docTerms := tokenize(doc)
	if len(docTerms) == 0 || len(queryTerms) == 0 {
		return 0
	}
	tf := make(map[string]float64, len(docTerms))
	for _, t := range docTerms {
		tf[t]++
	}
	qf := make(map[string]float64, len(queryTerms))
	for _, t := range queryTerms {
		qf[t]++
	}
	norm := bm25K1 * (bm25B + (1-bm25B)) // |doc|/avg|doc| == 1
	var score float64
	for term, q := range qf {
		f := tf[term]
		if f == 0 {
			continue
		}
		score += q * ((bm25K1 + 1) * f / (f + norm))
	}
	return score
}

// rank scores every candidate as 0.6·lex + 0.4·cosine, drops those below
// MinScore, and returns the top TopK in descending score order.
func (e *Engine) rank(ctx context.Context, query string, cands []Candidate) ([]Candidate, []Candidate) {
	if len(cands) == 0 {
		return nil, nil
	}
	queryTerms := tokenize(query)

	lex := make([]float64, len(cands))
	for i, c := range cands {
		lex[i] = lexScore(queryTerms, c.Title+" "+c.Content)
	}

	cos := make([]float64, len(cands))
	embedder := e.Embedder
	if embedder == nil {
		embedder = embed.Fallback{}
	}
	texts := make([]string, 0, len(cands)+1)
	texts = append(texts, query)
	for _, c := range cands {
		texts = append(texts, c.Content)
	}
	if vecs, err := embedder.Embed(ctx, texts); err == nil && len(vecs) == len(texts) {
		for i := range cands {
			cos[i] = embed.Cosine(vecs[0], vecs[i+1])
		}
	} else if err != nil {
		e.logf("curator embed: %v", err)
	}

	for i := range cands {
		cands[i].Score = lexWeight*lex[i] + cosWeight*cos[i]
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	var kept, dropped []Candidate
	for _, c := range cands {
		if c.Score < e.MinScore || len(kept) >= e.TopK {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped
}
