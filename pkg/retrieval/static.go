package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/textutil"
	"github.com/google/uuid"
)

// Field weights applied by repeating tokens before indexing.
const (
	titleWeight   = 2
	contentWeight = 1
)

// StaticRetriever ranks an in-memory corpus with BM25.
type StaticRetriever struct {
	docs  []Document
	index *textutil.BM25
}

func NewStaticRetriever(docs []Document) *StaticRetriever {
	tokens := make([][]string, len(docs))
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
		if docs[i].SourceID == "" {
			docs[i].SourceID = docs[i].ID
		}
		var t []string
		t = textutil.Repeat(t, textutil.Terms(docs[i].Title), titleWeight)
		t = textutil.Repeat(t, textutil.Terms(docs[i].Content), contentWeight)
		tokens[i] = t
	}
	return &StaticRetriever{docs: docs, index: textutil.NewBM25(tokens)}
}

// LoadCorpus reads one JSON document per line. Blank lines are skipped and
// lines without content are logged and dropped.
func LoadCorpus(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var docs []Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		if strings.TrimSpace(d.Content) == "" {
			logger.WarnCF("retrieval", "Skipping corpus entry without content", map[string]any{
				"path": path,
				"line": line,
			})
			continue
		}
		docs = append(docs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return docs, nil
}

func (s *StaticRetriever) Len() int { return len(s.docs) }

func (s *StaticRetriever) Search(ctx context.Context, query string, maxResults int, filters map[string]string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	terms := textutil.Terms(query)
	if len(terms) == 0 || len(s.docs) == 0 {
		return Result{}, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	var hits []textutil.Hit
	for _, h := range s.index.Search(terms, 0) {
		if s.docs[h.Index].matches(filters) {
			hits = append(hits, h)
		}
		if len(hits) == maxResults {
			break
		}
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	confidence := coverage(terms, s.docs[hits[0].Index])
	top := hits[0].Score
	sources := make([]Source, len(hits))
	for i, h := range hits {
		d := s.docs[h.Index]
		sources[i] = Source{
			Content:        d.Content,
			SourceID:       d.SourceID,
			RelevanceScore: confidence * h.Score / top,
		}
	}
	return Result{
		ResponseText: summarize(sources),
		Sources:      sources,
		Confidence:   confidence,
	}, nil
}

// coverage is the share of distinct query terms present in the document.
func coverage(terms []string, d Document) float64 {
	have := map[string]struct{}{}
	for _, t := range textutil.Terms(d.Title + " " + d.Content) {
		have[t] = struct{}{}
	}
	want := map[string]struct{}{}
	for _, t := range terms {
		want[t] = struct{}{}
	}
	hit := 0
	for t := range want {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

const summaryPassages = 3

// summarize joins the leading passages into a plain answer used when no
// generator is configured.
func summarize(sources []Source) string {
	var b strings.Builder
	for i, s := range sources {
		if i == summaryPassages {
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.TrimSpace(s.Content))
	}
	return b.String()
}
