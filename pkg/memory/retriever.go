package memory

import (
	"context"
	"math"
	"sort"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

const (
	contentWeight = 0.6
	tagWeight     = 0.4

	relevanceShare = 0.75
	recencyShare   = 0.25
)

type scoredRecord struct {
	rec   *Record
	score float64
}

// GetRelevantContext ranks records by keyword and tag overlap with query,
// weighted by priority and turn recency, and returns them best first until
// maxSize bytes are filled. Records that do not fit are skipped and smaller
// ones after them may still be included. Ties resolve to the most recently
// created record. The call does not record access, so repeated calls with no
// intervening writes return identical results. It never fails: on internal
// error it logs a warning and returns an empty list.
func (m *Manager) GetRelevantContext(ctx context.Context, query string, maxSize int) (out []Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("memory", "Relevant context lookup failed", map[string]any{
				"error": r,
			})
			out = []Record{}
		}
	}()

	if err := ctx.Err(); err != nil {
		logger.WarnCF("memory", "Relevant context lookup cancelled", map[string]any{
			"error": err.Error(),
		})
		return []Record{}
	}
	terms := textutil.KeywordSet(query)
	if len(terms) == 0 || maxSize <= 0 {
		return []Record{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	scored := make([]scoredRecord, 0, len(m.records))
	for _, r := range m.records {
		relevance := m.relevance(terms, r)
		if relevance <= 0 {
			continue
		}
		recency := recencyWeight(m.turn-r.CreatedTurn, m.cfg.RecencyHalfLifeTurns)
		score := (relevanceShare*relevance + recencyShare*recency) * r.Priority.Weight()
		scored = append(scored, scoredRecord{rec: r, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.rec.Seq > b.rec.Seq
	})

	out = []Record{}
	used := 0
	for _, s := range scored {
		size := len(s.rec.Content)
		if used+size > maxSize {
			continue
		}
		used += size
		out = append(out, s.rec.Clone())
	}
	return out
}

// relevance is the share of query terms found in the record content plus
// the share found in its tags.
func (m *Manager) relevance(terms map[string]struct{}, r *Record) float64 {
	content := textutil.KeywordSet(r.Content)
	hits := 0
	for t := range terms {
		if _, ok := content[t]; ok {
			hits++
		}
	}
	n := float64(len(terms))
	return contentWeight*float64(hits)/n + tagWeight*float64(r.Tags.Overlap(terms))/n
}

func recencyWeight(ageTurns int, halfLife float64) float64 {
	if ageTurns < 0 {
		ageTurns = 0
	}
	return math.Exp(-math.Ln2 * float64(ageTurns) / halfLife)
}
