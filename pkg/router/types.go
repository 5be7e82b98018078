// Package router classifies a query and decides how a turn is fulfilled.
package router

import "errors"

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentGreeting            Intent = "greeting"
	IntentFarewell            Intent = "farewell"
	IntentFactualLookup       Intent = "factual_lookup"
	IntentListing             Intent = "listing"
	IntentAggregation         Intent = "aggregation"
	IntentComparison          Intent = "comparison"
	IntentFollowUp            Intent = "follow_up"
	IntentClarificationNeeded Intent = "clarification_needed"
	IntentUnknown             Intent = "unknown"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentGreeting, IntentFarewell, IntentFactualLookup, IntentListing, IntentAggregation,
		IntentComparison, IntentFollowUp, IntentClarificationNeeded, IntentUnknown:
		return true
	}
	return false
}

// NeedsRetrieval reports whether the intent is answered from the knowledge
// base.
func (i Intent) NeedsRetrieval() bool {
	switch i {
	case IntentFactualLookup, IntentListing, IntentAggregation, IntentComparison:
		return true
	}
	return false
}

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
		return true
	}
	return false
}

// Route is how a turn is fulfilled.
type Route string

const (
	RouteDirectResponse       Route = "direct_response"
	RouteRetrievalSearch      Route = "retrieval_search"
	RouteContextualAnswer     Route = "contextual_answer"
	RouteClarificationRequest Route = "clarification_request"
	RouteDecomposition        Route = "decomposition"
)

// Analysis is the per-turn classification of a query.
type Analysis struct {
	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`
	Entities   []string   `json:"entities"`
	Keywords   []string   `json:"keywords"`
	Confidence float64    `json:"confidence"`
	// Source names the analyzer that produced the result.
	Source string `json:"source"`
	// Query is the text that was analyzed.
	Query string `json:"query"`
}

// Decision is the routing outcome for one turn.
type Decision struct {
	Route      Route    `json:"route"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
	SubQueries []string `json:"sub_queries,omitempty"`
}

// Turn is one history entry supplied to analysis.
type Turn struct {
	Role    string
	Content string
}

// Prior describes what the previous turn left available for a follow-up.
type Prior struct {
	SearchResults int
	ContextChunks int
}

func (p Prior) HasContext() bool {
	return p.SearchResults > 0 || p.ContextChunks > 0
}

// ErrInternalRouting reports an analysis no routing rule accepts. RouteQuery
// resolves it to a clarification request.
var ErrInternalRouting = errors.New("no routing rule matched")

// ErrAnalyzerUnavailable is returned by an analyzer that cannot run, which
// makes the fallback chain move on.
var ErrAnalyzerUnavailable = errors.New("query analyzer unavailable")
