package contextmgr

import (
	"sort"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

// Field repetition weights for the composite tool document.
const (
	weightToolName        = 3
	weightToolDescription = 2
	weightToolKeyword     = 2
)

// ManageToolContext ranks tools by BM25 relevance to query and returns at
// most MaxTools of them. Tools with no lexical overlap are never returned.
// Ties keep the name order.
func (m *Manager) ManageToolContext(tools []ToolDescriptor, query string) []ToolDescriptor {
	if len(tools) == 0 {
		return nil
	}
	m.mu.Lock()
	limit := m.cfg.MaxTools
	m.mu.Unlock()

	sorted := append([]ToolDescriptor(nil), tools...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	docs := make([][]string, len(sorted))
	for i, tool := range sorted {
		name := strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(tool.Name)
		var tokens []string
		tokens = textutil.Repeat(tokens, textutil.Terms(name), weightToolName)
		tokens = textutil.Repeat(tokens, textutil.Terms(tool.Description), weightToolDescription)
		for _, kw := range tool.Keywords {
			tokens = textutil.Repeat(tokens, textutil.Terms(kw), weightToolKeyword)
		}
		docs[i] = tokens
	}

	hits := textutil.NewBM25(docs).Search(textutil.Terms(query), limit)
	out := make([]ToolDescriptor, 0, len(hits))
	for _, h := range hits {
		out = append(out, sorted[h.Index])
	}
	return out
}
