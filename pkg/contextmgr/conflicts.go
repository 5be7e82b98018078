package contextmgr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

var (
	sentenceSplit  = regexp.MustCompile(`[.!?;\n]+`)
	assertionShape = regexp.MustCompile(`(?i)^(.+?)\s*(?:\bis\b|\bare\b|\bwas\b|\bwere\b|:|=)\s*(.+)$`)
)

// assertion is a "subject is value" statement extracted from chunk text.
type assertion struct {
	subject string
	values  map[string]struct{}
	negated bool
	text    string
}

func extractAssertions(content string) []assertion {
	var out []assertion
	for _, sentence := range sentenceSplit.Split(content, -1) {
		sentence = strings.TrimSpace(sentence)
		m := assertionShape.FindStringSubmatch(sentence)
		if m == nil {
			continue
		}
		subject := textutil.KeywordSet(m[1])
		if len(subject) == 0 {
			continue
		}
		values := textutil.KeywordSet(m[2])
		_, negated := values["not"]
		delete(values, "not")
		if len(values) == 0 {
			continue
		}
		out = append(out, assertion{
			subject: strings.Join(textutil.SortedKeys(subject), " "),
			values:  values,
			negated: negated,
			text:    sentence,
		})
	}
	return out
}

// contradicts reports whether a and b say incompatible things about the same
// subject: different values with the same polarity, or the same value with
// opposite polarity.
func (a assertion) contradicts(b assertion) bool {
	if a.subject != b.subject {
		return false
	}
	overlap := false
	for v := range a.values {
		if _, ok := b.values[v]; ok {
			overlap = true
			break
		}
	}
	if a.negated == b.negated {
		return !overlap
	}
	return overlap
}

// detectConflictsLocked compares the newly admitted chunk with every live
// chunk. The weaker side of each contradiction is flagged; nothing is removed.
func (m *Manager) detectConflictsLocked(added *Chunk) {
	mine := extractAssertions(added.Content)
	if len(mine) == 0 {
		return
	}
	for _, other := range m.chunks {
		if other == added {
			continue
		}
	pairs:
		for _, theirs := range extractAssertions(other.Content) {
			for _, a := range mine {
				if !a.contradicts(theirs) {
					continue
				}
				loser, winner, winnerText := added, other, theirs.text
				if weaker(added, other) == other {
					loser, winner, winnerText = other, added, a.text
				}
				loser.Flagged = true
				loser.FlagReason = fmt.Sprintf("contradicts %q from %s", winnerText, winner.Source)
				m.warnings = append(m.warnings, fmt.Sprintf("conflicting context on %q: %q (%s) vs %q (%s)",
					a.subject, a.text, added.Source, theirs.text, other.Source))
				logger.WarnCF("contextmgr", "Conflicting context chunks", map[string]any{
					"subject": a.subject,
					"flagged": loser.ID,
					"sources": []string{added.Source, other.Source},
				})
				break pairs
			}
		}
	}
}

// weaker picks the chunk to flag: lower confidence, then lower priority, then
// the newer insertion.
func weaker(a, b *Chunk) *Chunk {
	if a.Confidence != b.Confidence {
		if a.Confidence < b.Confidence {
			return a
		}
		return b
	}
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return a
		}
		return b
	}
	if a.seq > b.seq {
		return a
	}
	return b
}
