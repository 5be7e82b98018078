// DotRAG - Retrieval-augmented conversational assistant
// License: MIT
//
// Copyright (c) 2026 DotRAG contributors

package conversation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/contextmgr"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/metrics"
	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

// maxPhaseSteps bounds a single turn. A well-formed turn takes at most six.
const maxPhaseSteps = 16

// Quality weights for the running quality score.
const (
	qualityCarry = 0.7
	qualityTurn  = 0.3
)

// Reply is the result of one handled message.
type Reply struct {
	ResponseText string             `json:"response_text"`
	Sources      []retrieval.Source `json:"sources"`
	Metadata     Metadata           `json:"metadata"`
}

type Metadata struct {
	Intent     router.Intent `json:"intent"`
	Phase      Phase         `json:"phase"`
	TurnCount  int           `json:"turn_count"`
	Confidence float64       `json:"confidence"`

	Route          router.Route `json:"route,omitempty"`
	ConversationID string       `json:"conversation_id"`
	Status         Status       `json:"status"`
	Warnings       []string     `json:"warnings,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
}

// Engine runs conversation turns. HandleMessage may be called concurrently;
// turns on the same thread are serialized by the store.
type Engine struct {
	store     *Store
	router    *router.Router
	retriever retrieval.Retriever
	generator providers.Generator
	metrics   *metrics.Collector

	tools        []contextmgr.ToolDescriptor
	maxResults   int
	recallBytes  int
	promptBudget int
	maxTokens    int
	temperature  float64
}

// turn carries the working values of one HandleMessage call.
type turn struct {
	ctx     context.Context
	ent     *entry
	st      *State
	text    string
	started time.Time

	analysis   router.Analysis
	decision   router.Decision
	recalled   []memory.Record
	sources    []retrieval.Source
	confidence float64
	fulfilment Phase

	response       string
	userAppended   bool
	degraded       bool
	warningsBefore int
}

// NewEngine wires the engine. retriever and generator may be nil: retrieval
// then degrades with a warning and answers are composed from the sources
// without generation. The generator is used as given; CreateGenerator
// already applies the configured timeout.
func NewEngine(cfg *config.Config, store *Store, rt *router.Router, retriever retrieval.Retriever, generator providers.Generator, collector *metrics.Collector) *Engine {
	if rt == nil {
		rt = router.New(router.DefaultConfig(), nil)
	}
	tools := make([]contextmgr.ToolDescriptor, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, contextmgr.ToolDescriptor{Name: t.Name, Description: t.Description, Keywords: t.Keywords})
	}
	maxResults := cfg.Retrieval.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Engine{
		store:        store,
		router:       rt,
		retriever:    retriever,
		generator:    generator,
		metrics:      collector,
		tools:        tools,
		maxResults:   maxResults,
		recallBytes:  cfg.Memory.RecallBytes,
		promptBudget: cfg.Conversation.PromptBudgetBytes,
		maxTokens:    cfg.Generation.MaxTokens,
		temperature:  cfg.Generation.Temperature,
	}
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) now() time.Time { return e.store.cfg.Now() }

// HandleMessage runs one turn for text on the thread. A message that finds
// its conversation idle expires it and returns ErrConversationExpired with
// a reply describing the expired conversation; the next message on the
// thread starts a new one. A message whose ctx ends while an earlier turn
// holds the thread returns ctx's error without running.
func (e *Engine) HandleMessage(ctx context.Context, threadID, userID, text string) (Reply, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return Reply{}, errors.New("thread id is required")
	}
	ent, err := e.store.acquire(ctx, threadID, userID)
	if err != nil {
		return Reply{}, err
	}
	defer func() {
		e.store.release(ctx, ent)
		e.metrics.SetActiveConversations(e.store.Active())
	}()

	now := e.now()
	if ent.state.Status.Terminal() {
		e.store.rotateLocked(ent, userID)
	} else if ent.state.Idle(now, e.store.cfg.IdleTimeout) {
		e.store.expireLocked(ctx, ent)
		e.metrics.RecordExpired(1)
		st := ent.state
		return Reply{
			ResponseText: expiredText,
			Metadata: Metadata{
				Intent:         st.CurrentIntent,
				Phase:          PhaseExpired,
				TurnCount:      st.TurnCount,
				Confidence:     st.ConfidenceScore,
				ConversationID: st.ConversationID,
				Status:         st.Status,
			},
		}, fmt.Errorf("%w: %s", ErrConversationExpired, st.ConversationID)
	}

	st := ent.state
	st.LastActivityAt = now
	if userID != "" && st.UserID == "" {
		st.UserID = userID
	}
	e.store.publish(ent)

	t := &turn{
		ctx:            ctx,
		ent:            ent,
		st:             st,
		text:           strings.TrimSpace(text),
		started:        now,
		warningsBefore: len(st.WarningMessages),
	}
	e.run(t)
	e.recordMemoryEvictions(ent)
	e.metrics.RecordTurn(string(st.CurrentRoute), time.Since(t.started))

	logger.InfoCF("conversation", "Turn complete", map[string]any{
		"thread_id":       st.ThreadID,
		"conversation_id": st.ConversationID,
		"turn":            st.TurnCount,
		"intent":          string(st.CurrentIntent),
		"route":           string(st.CurrentRoute),
		"phase":           string(t.fulfilment),
		"degraded":        t.degraded,
	})

	return Reply{
		ResponseText: t.response,
		Sources:      append([]retrieval.Source(nil), t.sources...),
		Metadata: Metadata{
			Intent:         st.CurrentIntent,
			Phase:          t.fulfilment,
			TurnCount:      st.TurnCount,
			Confidence:     st.ConfidenceScore,
			Route:          st.CurrentRoute,
			ConversationID: st.ConversationID,
			Status:         st.Status,
			Warnings:       append([]string(nil), st.WarningMessages[t.warningsBefore:]...),
			Degraded:       t.degraded,
		},
	}, nil
}

// run drives the phase table from the state's current phase until the turn
// has passed CONTINUE or reached a terminal phase.
func (e *Engine) run(t *turn) {
	phase := PhaseAnalyzing
	if t.st.CurrentPhase == PhaseInit {
		phase = PhaseInit
	}
	for step := 0; ; step++ {
		if phase.Terminal() {
			t.st.CurrentPhase = phase
			return
		}
		if step >= maxPhaseSteps {
			e.fail(t, phase, fmt.Errorf("turn exceeded %d phase steps", maxPhaseSteps))
			t.st.CurrentPhase = PhaseAnalyzing
			return
		}
		handler, ok := handlers[phase]
		if !ok {
			e.fail(t, phase, fmt.Errorf("no handler for phase %s", phase))
			phase = PhaseResponding
			continue
		}
		t.st.CurrentPhase = phase
		next, err := e.runPhase(handler, t)
		if err != nil {
			next = e.fail(t, phase, err)
		}
		if phase == PhaseContinue {
			t.st.CurrentPhase = next
			return
		}
		phase = next
	}
}

// runPhase calls handler, turning a panic into an error.
func (e *Engine) runPhase(handler phaseHandler, t *turn) (next Phase, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("conversation", "Phase handler panicked", map[string]any{
				"phase": string(t.st.CurrentPhase),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(e, t)
}

// fail records a phase failure and picks where the turn resumes: a failure
// before RESPONDING falls through to a degraded response, a failure in
// RESPONDING or CONTINUE closes the turn.
func (e *Engine) fail(t *turn, phase Phase, err error) Phase {
	msg := fmt.Sprintf("phase %s: %v", phase, err)
	t.st.ErrorMessages = append(t.st.ErrorMessages, msg)
	t.degraded = true
	e.metrics.RecordPhaseFailure(string(phase))
	logger.WarnCF("conversation", "Phase failed", map[string]any{
		"conversation_id": t.st.ConversationID,
		"phase":           string(phase),
		"error":           err.Error(),
	})
	if t.fulfilment == "" {
		t.fulfilment = phase
	}

	switch phase {
	case PhaseResponding:
		t.response = degradedText
		if n := len(t.st.History); n == 0 || t.st.History[n-1].Role != RoleAssistant {
			t.st.appendMessage(RoleAssistant, t.response, e.now())
		}
		return PhaseContinue
	case PhaseContinue:
		return PhaseAnalyzing
	default:
		if !t.userAppended {
			t.st.appendMessage(RoleUser, t.text, e.now())
			t.userAppended = true
		}
		t.response = degradedText
		return PhaseResponding
	}
}

func (e *Engine) handleInit(t *turn) (Phase, error) {
	logger.InfoCF("conversation", "Conversation started", map[string]any{
		"thread_id":       t.st.ThreadID,
		"conversation_id": t.st.ConversationID,
		"user_id":         t.st.UserID,
	})
	return PhaseAnalyzing, nil
}

func (e *Engine) handleAnalyzing(t *turn) (Phase, error) {
	st := t.st
	if st.Status == StatusClarifying {
		st.ProcessedQuery = strings.TrimSpace(st.OriginalQuery + " " + t.text)
		st.setStatus(StatusActive)
	} else {
		st.OriginalQuery = t.text
		st.ProcessedQuery = t.text
	}

	history := st.recentTurns(e.router.Config().HistoryTurns)
	st.appendMessage(RoleUser, t.text, e.now())
	t.userAppended = true

	a := e.router.AnalyzeQuery(t.ctx, st.ProcessedQuery, history)
	t.analysis = a
	st.CurrentIntent = a.Intent
	st.QueryComplexity = a.Complexity
	st.ConfidenceScore = a.Confidence

	t.recalled = t.ent.memory.GetRelevantContext(t.ctx, st.ProcessedQuery, e.recallBytes)
	if len(t.recalled) > 0 {
		ids := make([]string, len(t.recalled))
		for i, r := range t.recalled {
			ids[i] = r.ID
		}
		t.ent.memory.Touch(ids...)
	}
	if t.text != "" {
		if _, err := t.ent.memory.StoreChunk(t.text, memory.TierWorking, priority.Medium, a.Keywords...); err != nil {
			st.warn("memory: " + err.Error())
		}
	}
	return PhaseRouting, nil
}

func (e *Engine) handleRouting(t *turn) (Phase, error) {
	st := t.st
	d := e.router.RouteQuery(t.analysis, router.Prior{
		SearchResults: len(st.SearchResults),
		ContextChunks: len(st.ActiveContextChunkIDs),
	})
	t.decision = d
	st.CurrentRoute = d.Route
	st.RouteReasoning = d.Reasoning
	st.ConfidenceScore = d.Confidence

	var next Phase
	switch d.Route {
	case router.RouteDirectResponse:
		next = PhaseResponding
	case router.RouteRetrievalSearch:
		next = PhaseRetrieving
	case router.RouteContextualAnswer:
		next = PhaseAnsweringFromContext
	case router.RouteClarificationRequest:
		next = PhaseClarifying
	case router.RouteDecomposition:
		next = PhaseDecomposing
	default:
		return "", fmt.Errorf("%w: route %q", router.ErrInternalRouting, d.Route)
	}
	t.fulfilment = next
	return next, nil
}

func (e *Engine) handleRetrieving(t *turn) (Phase, error) {
	res, err := e.search(t.ctx, t.st.ProcessedQuery)
	if err != nil {
		t.st.warn("retrieval: " + err.Error())
		t.degraded = true
	}
	t.sources = res.Sources
	t.confidence = res.Confidence
	t.st.SearchResults = append([]retrieval.Source(nil), res.Sources...)
	return PhaseResponding, nil
}

func (e *Engine) handleDecomposing(t *turn) (Phase, error) {
	subs := t.decision.SubQueries
	if len(subs) == 0 {
		subs = []string{t.st.ProcessedQuery}
	}
	seen := make(map[string]struct{})
	var merged []retrieval.Source
	failures := 0
	total := 0.0
	for _, q := range subs {
		res, err := e.search(t.ctx, q)
		if err != nil {
			t.st.warn(fmt.Sprintf("retrieval for %q: %v", q, err))
			failures++
			continue
		}
		total += res.Confidence
		for _, src := range res.Sources {
			key := src.SourceID + "\x00" + src.Content
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, src)
		}
	}
	if failures > 0 {
		t.degraded = true
	}
	if ok := len(subs) - failures; ok > 0 {
		t.confidence = total / float64(ok)
	}
	t.sources = merged
	t.st.SearchResults = append([]retrieval.Source(nil), merged...)
	return PhaseResponding, nil
}

func (e *Engine) handleAnsweringFromContext(t *turn) (Phase, error) {
	t.sources = append([]retrieval.Source(nil), t.st.SearchResults...)
	t.confidence = t.decision.Confidence
	return PhaseResponding, nil
}

func (e *Engine) handleClarifying(t *turn) (Phase, error) {
	t.st.setStatus(StatusClarifying)
	t.response = clarificationText(t.analysis)
	return PhaseResponding, nil
}

func (e *Engine) handleResponding(t *turn) (Phase, error) {
	st := t.st
	if t.response == "" {
		if t.decision.Route == router.RouteDirectResponse {
			t.response = directText(t.analysis.Intent)
		} else {
			t.response = e.compose(t)
		}
	}
	st.appendMessage(RoleAssistant, t.response, e.now())

	st.addEntities(t.analysis.Entities...)
	if t.analysis.Intent.NeedsRetrieval() {
		st.addTopics(t.analysis.Keywords...)
	}
	q := e.turnQuality(t)
	if st.TurnCount <= 1 && st.QualityScore == 0 {
		st.QualityScore = q
	} else {
		st.QualityScore = qualityCarry*st.QualityScore + qualityTurn*q
	}
	return PhaseContinue, nil
}

func (e *Engine) handleContinue(t *turn) (Phase, error) {
	if t.analysis.Intent == router.IntentFarewell {
		t.st.setStatus(StatusEnded)
		t.ent.memory.Clear()
		e.store.archiveLocked(t.ctx, t.ent)
		return PhaseEnded, nil
	}
	t.ent.memory.AdvanceTurn()
	return PhaseAnalyzing, nil
}

// compose assembles the bounded context for the turn and produces the
// answer text, by generation when available and from the sources otherwise.
func (e *Engine) compose(t *turn) string {
	st := t.st
	cm := t.ent.context
	before := cm.Summary()
	defer cm.Reset()

	cm.AddChunk(systemInstruction, "system", contextmgr.ChunkInstruction, 1, contextmgr.WithPriority(priority.Critical))
	for _, r := range t.recalled {
		cm.AddChunk(r.Content, "memory:"+r.ID, contextmgr.ChunkHistory, recallConfidence, contextmgr.WithPriority(r.Priority))
	}
	for _, src := range t.sources {
		cm.AddChunk(src.Content, src.SourceID, contextmgr.ChunkKnowledge, src.RelevanceScore)
	}
	tools := cm.ManageToolContext(e.tools, st.ProcessedQuery)
	for _, w := range cm.Warnings() {
		st.warn("context: " + w)
	}

	chunks := cm.Chunks()
	var knowledge []contextmgr.Chunk
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Type == contextmgr.ChunkKnowledge {
			knowledge = append(knowledge, c)
			ids = append(ids, c.ID)
		}
	}
	st.ActiveContextChunkIDs = ids

	// Only sources the context admitted are cited, held for follow-ups or scored.
	t.sources = knowledgeSources(knowledge, t.sources)
	if t.decision.Route != router.RouteContextualAnswer {
		st.SearchResults = append([]retrieval.Source(nil), t.sources...)
	}

	after := cm.Summary()
	rejections := make(map[string]int, len(after.Rejections))
	for reason, n := range after.Rejections {
		if d := n - before.Rejections[reason]; d > 0 {
			rejections[reason] = d
		}
	}
	e.metrics.RecordContextActivity(after.Evictions-before.Evictions, rejections)

	budget := memory.DeriveContextBudget(e.promptBudget).Shift(len(t.recalled) > 0)
	answer := ""
	if e.generator != nil && len(knowledge) > 0 {
		prompt := buildPrompt(promptInput{
			Budget:     budget,
			Chunks:     chunks,
			Tools:      tools,
			History:    st.History[:len(st.History)-1],
			Question:   st.ProcessedQuery,
			Contextual: t.decision.Route == router.RouteContextualAnswer,
		})
		text, err := e.generate(t.ctx, prompt)
		if err != nil {
			st.warn("generation: " + err.Error())
			t.degraded = true
		} else {
			answer = text
		}
	}
	if answer == "" {
		answer = extractiveAnswer(t.sources, t.decision.Route, t.degraded)
	}

	// Cited knowledge outlives the turn in short_term memory.
	for _, c := range knowledge {
		tags := append([]string{c.Source}, textutil.Keywords(st.ProcessedQuery)...)
		if _, err := t.ent.memory.StoreChunk(c.Content, memory.TierShortTerm, c.Priority, tags...); err != nil {
			logger.DebugCF("conversation", "Knowledge not kept in memory", map[string]any{
				"source": c.Source,
				"error":  err.Error(),
			})
		}
	}
	return answer
}

func (e *Engine) search(ctx context.Context, query string) (retrieval.Result, error) {
	if e.retriever == nil {
		return retrieval.Result{}, fmt.Errorf("%w: no retriever configured", retrieval.ErrRetrievalFailure)
	}
	start := time.Now()
	res, err := e.retriever.Search(ctx, query, e.maxResults, nil)
	e.metrics.RecordCollaboratorCall("retrieval", outcome(err, retrieval.ErrRetrievalTimeout), time.Since(start))
	if err != nil {
		return retrieval.Result{}, err
	}
	return res, nil
}

func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := e.generator.Generate(ctx, prompt, e.maxTokens, e.temperature)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = fmt.Errorf("%w: empty completion", providers.ErrGenerationFailure)
	}
	e.metrics.RecordCollaboratorCall("generation", outcome(err, providers.ErrGenerationTimeout), time.Since(start))
	return text, err
}

func outcome(err, timeout error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, timeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailure
	}
}

// turnQuality scores how well the turn could be served, in [0,1].
func (e *Engine) turnQuality(t *turn) float64 {
	var q float64
	switch t.decision.Route {
	case router.RouteDirectResponse:
		q = 1
	case router.RouteClarificationRequest:
		q = 0.5
	case router.RouteContextualAnswer:
		q = 0.8
	default:
		if len(t.sources) == 0 {
			q = 0.2
		} else {
			q = 0.4 + 0.6*t.confidence
		}
	}
	if t.degraded && q > 0.3 {
		q = 0.3
	}
	if q > 1 {
		q = 1
	}
	return q
}

func (e *Engine) recordMemoryEvictions(ent *entry) {
	sum := ent.memory.Summary()
	for tier, n := range sum.Evictions {
		if d := n - ent.memEvictions[tier]; d > 0 {
			e.metrics.RecordMemoryEvictions(string(tier), d)
		}
		ent.memEvictions[tier] = n
	}
}
