package textutil

import (
	"math"
	"sort"
	"strings"
)

// Okapi BM25 parameters.
const (
	bm25K1      = 1.2
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// Terms returns the ranking terms of text: every non-stopword token plus the
// parts of joined identifiers, so "db_primary" also matches "primary".
func Terms(text string) []string {
	var out []string
	for _, tok := range Tokenize(text) {
		if IsStopword(tok) {
			continue
		}
		out = append(out, tok)
		if strings.ContainsAny(tok, "_-") {
			for _, part := range strings.FieldsFunc(tok, func(r rune) bool { return r == '_' || r == '-' }) {
				if part != "" && !IsStopword(part) {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// BM25 is an immutable index over pre-tokenized documents. Field weighting
// is done by the caller repeating tokens before indexing.
type BM25 struct {
	termFrequencies []map[string]int
	lengths         []int
	avgLength       float64
	idf             map[string]float64
}

// Hit is a scored document position.
type Hit struct {
	Index int
	Score float64
}

func NewBM25(docs [][]string) *BM25 {
	idx := &BM25{
		termFrequencies: make([]map[string]int, len(docs)),
		lengths:         make([]int, len(docs)),
		idf:             make(map[string]float64),
	}
	df := make(map[string]int)
	total := 0
	for i, tokens := range docs {
		idx.lengths[i] = len(tokens)
		total += len(tokens)
		tf := make(map[string]int)
		for _, tok := range tokens {
			if tf[tok] == 0 {
				df[tok]++
			}
			tf[tok]++
		}
		idx.termFrequencies[i] = tf
	}
	if len(docs) > 0 {
		idx.avgLength = float64(total) / float64(len(docs))
	}
	n := float64(len(docs))
	for term, freq := range df {
		v := math.Log(1 + (n-float64(freq)+0.5)/(float64(freq)+0.5))
		if v <= 0 {
			v = bm25Epsilon
		}
		idx.idf[term] = v
	}
	return idx
}

// Len reports the number of indexed documents.
func (idx *BM25) Len() int { return len(idx.lengths) }

// Score computes the BM25 score of document i against query.
func (idx *BM25) Score(i int, query []string) float64 {
	if i < 0 || i >= len(idx.lengths) || idx.avgLength == 0 {
		return 0
	}
	tf := idx.termFrequencies[i]
	dl := float64(idx.lengths[i])
	score := 0.0
	seen := make(map[string]struct{}, len(query))
	for _, tok := range query {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		idf, ok := idx.idf[tok]
		if !ok {
			continue
		}
		f := float64(tf[tok])
		if f == 0 {
			continue
		}
		score += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*dl/idx.avgLength))
	}
	return score
}

// Search returns up to limit documents with a positive score, best first.
// Equal scores keep index order.
func (idx *BM25) Search(query []string, limit int) []Hit {
	if len(query) == 0 {
		return nil
	}
	var hits []Hit
	for i := range idx.lengths {
		if s := idx.Score(i, query); s > 0 {
			hits = append(hits, Hit{Index: i, Score: s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Repeat appends tokens to dst n times.
func Repeat(dst, tokens []string, n int) []string {
	for i := 0; i < n; i++ {
		dst = append(dst, tokens...)
	}
	return dst
}
