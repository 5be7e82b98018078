package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

const (
	analysisMaxTokens    = 256
	analysisTemperature  = 0.0
	defaultGenConfidence = 0.9
)

// GenerationAssistedAnalyzer asks a generator to classify the query and
// parses a JSON verdict. Malformed output is an error so the fallback chain
// takes over.
type GenerationAssistedAnalyzer struct {
	gen          providers.Generator
	historyTurns int
}

func NewGenerationAssistedAnalyzer(gen providers.Generator, historyTurns int) *GenerationAssistedAnalyzer {
	if historyTurns <= 0 {
		historyTurns = 6
	}
	return &GenerationAssistedAnalyzer{gen: gen, historyTurns: historyTurns}
}

func (a *GenerationAssistedAnalyzer) Name() string { return "generation" }

func (a *GenerationAssistedAnalyzer) Analyze(ctx context.Context, query string, history []Turn) (Analysis, error) {
	if a.gen == nil {
		return Analysis{}, ErrAnalyzerUnavailable
	}
	raw, err := a.gen.Generate(ctx, a.prompt(query, history), analysisMaxTokens, analysisTemperature)
	if err != nil {
		return Analysis{}, err
	}
	return parseVerdict(raw, query)
}

func (a *GenerationAssistedAnalyzer) prompt(query string, history []Turn) string {
	var b strings.Builder
	b.WriteString("Classify the user's latest message for a retrieval assistant.\n")
	b.WriteString("Reply with one JSON object and nothing else:\n")
	b.WriteString(`{"intent":"greeting|farewell|factual_lookup|listing|aggregation|comparison|follow_up|clarification_needed|unknown",`)
	b.WriteString(`"complexity":"simple|moderate|complex","entities":["..."],"keywords":["..."],"confidence":0.0}`)
	b.WriteString("\nUse follow_up only when the message refers back to earlier turns. ")
	b.WriteString("Use clarification_needed when the message cannot be acted on without more detail.\n\n")

	start := len(history) - a.historyTurns
	if start < 0 {
		start = 0
	}
	if len(history[start:]) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range history[start:] {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Latest message: %s\n", query)
	return b.String()
}

type verdict struct {
	Intent     string   `json:"intent"`
	Complexity string   `json:"complexity"`
	Entities   []string `json:"entities"`
	Keywords   []string `json:"keywords"`
	Confidence *float64 `json:"confidence"`
}

func parseVerdict(raw, query string) (Analysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Analysis{}, fmt.Errorf("analyzer reply has no JSON object: %q", truncate(raw, 120))
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Analysis{}, fmt.Errorf("decode analyzer reply: %w", err)
	}

	intent := Intent(strings.ToLower(strings.TrimSpace(v.Intent)))
	if !intent.Valid() {
		return Analysis{}, fmt.Errorf("analyzer returned unknown intent %q", v.Intent)
	}
	complexity := Complexity(strings.ToLower(strings.TrimSpace(v.Complexity)))
	if !complexity.Valid() {
		complexity = estimateComplexity(query, ExtractEntities(query))
	}
	confidence := defaultGenConfidence
	if v.Confidence != nil {
		confidence = clamp01(*v.Confidence)
	}
	keywords := v.Keywords
	if len(keywords) == 0 {
		keywords = textutil.Keywords(query)
	}
	entities := v.Entities
	if entities == nil {
		entities = ExtractEntities(query)
	}

	return Analysis{
		Intent:     intent,
		Complexity: complexity,
		Entities:   entities,
		Keywords:   keywords,
		Confidence: confidence,
		Source:     "generation",
		Query:      strings.TrimSpace(query),
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
