package router

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// Strength multipliers applied to analysis confidence by the matched rule.
const (
	strengthDirect        = 1.0
	strengthContextual    = 0.95
	strengthRetrieval     = 0.9
	strengthDecomposition = 0.85
	strengthClarification = 1.0
)

type Config struct {
	// ClarifyFloor is the confidence below which any non-conversational
	// query is answered with a clarification request.
	ClarifyFloor float64
	// FollowUpThreshold is the confidence a follow-up needs to be answered
	// from held context.
	FollowUpThreshold float64
	AnalyzerTimeout   time.Duration
	HistoryTurns      int
	MaxSubQueries     int
}

func DefaultConfig() Config {
	return Config{
		ClarifyFloor:      0.5,
		FollowUpThreshold: 0.6,
		AnalyzerTimeout:   3 * time.Second,
		HistoryTurns:      6,
		MaxSubQueries:     4,
	}
}

// Router analyzes queries and maps analyses to routes.
type Router struct {
	cfg      Config
	analyzer QueryAnalyzer
}

// New builds a router. A nil analyzer uses the pattern analyzer alone.
func New(cfg Config, analyzer QueryAnalyzer) *Router {
	def := DefaultConfig()
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.MaxSubQueries <= 1 {
		cfg.MaxSubQueries = def.MaxSubQueries
	}
	if analyzer == nil {
		analyzer = NewPatternAnalyzer()
	}
	return &Router{cfg: cfg, analyzer: analyzer}
}

func (r *Router) Config() Config { return r.cfg }

// AnalyzeQuery classifies query against the most recent history turns.
// Analyzer failure degrades to an unknown intent rather than an error.
func (r *Router) AnalyzeQuery(ctx context.Context, query string, history []Turn) Analysis {
	if len(history) > r.cfg.HistoryTurns {
		history = history[len(history)-r.cfg.HistoryTurns:]
	}
	analysis, err := r.analyzer.Analyze(ctx, query, history)
	if err != nil {
		logger.WarnCF("router", "Query analysis failed", map[string]any{
			"analyzer": r.analyzer.Name(),
			"error":    err.Error(),
		})
		analysis = analyzePattern(query, history)
		analysis.Intent = IntentUnknown
		analysis.Confidence = confUnknown
	}
	return analysis
}

// RouteQuery maps an analysis to a decision. It is a pure function of its
// inputs and the router configuration. Rules are applied in order and the
// first match wins.
func (r *Router) RouteQuery(a Analysis, prior Prior) Decision {
	d, err := r.route(a, prior)
	if err != nil {
		logger.WarnCF("router", "Routing fell through to clarification", map[string]any{
			"intent": string(a.Intent),
			"error":  err.Error(),
		})
		return Decision{
			Route:      RouteClarificationRequest,
			Reasoning:  fmt.Sprintf("%v for intent %q; asking for clarification", err, a.Intent),
			Confidence: a.Confidence * strengthClarification,
		}
	}
	return d
}

func (r *Router) route(a Analysis, prior Prior) (Decision, error) {
	switch a.Intent {
	case IntentGreeting, IntentFarewell:
		return Decision{
			Route:      RouteDirectResponse,
			Reasoning:  fmt.Sprintf("rule 1: %s is answered directly", a.Intent),
			Confidence: a.Confidence * strengthDirect,
		}, nil
	}

	if a.Confidence < r.cfg.ClarifyFloor {
		return r.clarify(a, fmt.Sprintf("rule 4: confidence %.2f below floor %.2f", a.Confidence, r.cfg.ClarifyFloor)), nil
	}

	switch {
	case a.Intent == IntentFollowUp:
		if !prior.HasContext() {
			return r.clarify(a, "rule 2: follow-up with no held results or context to answer from"), nil
		}
		if a.Confidence < r.cfg.FollowUpThreshold {
			return r.clarify(a, fmt.Sprintf("rule 2: follow-up confidence %.2f below threshold %.2f", a.Confidence, r.cfg.FollowUpThreshold)), nil
		}
		return Decision{
			Route: RouteContextualAnswer,
			Reasoning: fmt.Sprintf("rule 2: follow-up answered from %d held results and %d context chunks",
				prior.SearchResults, prior.ContextChunks),
			Confidence: a.Confidence * strengthContextual,
		}, nil

	case a.Intent.NeedsRetrieval():
		if a.Complexity == ComplexityComplex {
			if subs := Decompose(a.Query, a.Entities, r.cfg.MaxSubQueries); len(subs) >= 2 {
				return Decision{
					Route:      RouteDecomposition,
					Reasoning:  fmt.Sprintf("rule 3: complex %s split into %d sub-queries", a.Intent, len(subs)),
					Confidence: a.Confidence * strengthDecomposition,
					SubQueries: subs,
				}, nil
			}
		}
		return Decision{
			Route:      RouteRetrievalSearch,
			Reasoning:  fmt.Sprintf("rule 3: %s needs the knowledge base", a.Intent),
			Confidence: a.Confidence * strengthRetrieval,
		}, nil

	case a.Intent == IntentClarificationNeeded, a.Intent == IntentUnknown:
		return r.clarify(a, fmt.Sprintf("rule 4: intent %s cannot be acted on", a.Intent)), nil
	}

	return Decision{}, fmt.Errorf("%w: intent %q", ErrInternalRouting, a.Intent)
}

func (r *Router) clarify(a Analysis, reason string) Decision {
	return Decision{
		Route:      RouteClarificationRequest,
		Reasoning:  reason,
		Confidence: a.Confidence * strengthClarification,
	}
}
