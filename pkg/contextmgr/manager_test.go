package contextmgr

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(cfg Config) *Manager {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	return NewManager(cfg)
}

func TestAddChunk_RejectsLowConfidence(t *testing.T) {
	m := newTestManager(Config{MinConfidence: 0.5})

	ok, reason := m.AddChunk("the sky is green", "rumor", ChunkKnowledge, 0.2)
	assert.False(t, ok)
	assert.Equal(t, ReasonLowConfidence, reason)

	n, _ := m.Len()
	assert.Zero(t, n)
	assert.Equal(t, 1, m.Summary().Rejections[ReasonLowConfidence])
}

func TestAddChunk_RejectsMalformedInput(t *testing.T) {
	m := newTestManager(Config{MaxBytes: 16})

	ok, reason := m.AddChunk("   ", "kb", ChunkKnowledge, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonEmpty, reason)

	ok, reason = m.AddChunk("content", "kb", ChunkType("opinion"), 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonInvalidType, reason)

	ok, reason = m.AddChunk(strings.Repeat("x", 17), "kb", ChunkKnowledge, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonOversize, reason)
}

func TestAddChunk_RejectsDuplicateFromSameSource(t *testing.T) {
	m := newTestManager(Config{})

	ok, _ := m.AddChunk("Five incidents are open.", "tracker", ChunkKnowledge, 0.9)
	require.True(t, ok)

	ok, reason := m.AddChunk("five   incidents are OPEN.", "tracker", ChunkKnowledge, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonDuplicate, reason)

	ok, _ = m.AddChunk("Five incidents are open.", "wiki", ChunkKnowledge, 0.9)
	assert.True(t, ok, "same content from another source is a separate signal")

	chunks := m.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].AccessCount, "duplicate touches the existing chunk")
}

func TestAddChunk_EvictsLowestPriorityThenLeastRecentlyUsed(t *testing.T) {
	m := newTestManager(Config{MaxChunks: 3})

	_, _ = m.AddChunk("alpha", "a", ChunkKnowledge, 0.9, WithPriority(priority.High))
	_, _ = m.AddChunk("bravo", "b", ChunkKnowledge, 0.9, WithPriority(priority.Low))
	_, _ = m.AddChunk("charlie", "c", ChunkKnowledge, 0.9, WithPriority(priority.Low))

	// Touch bravo so charlie becomes the least recently used low chunk.
	for _, c := range m.Chunks() {
		if c.Source == "b" {
			_, found := m.Get(c.ID)
			require.True(t, found)
		}
	}

	ok, reason := m.AddChunk("delta", "d", ChunkKnowledge, 0.9, WithPriority(priority.Medium))
	require.True(t, ok, reason)

	var sources []string
	for _, c := range m.Chunks() {
		sources = append(sources, c.Source)
	}
	assert.ElementsMatch(t, []string{"a", "b", "d"}, sources)
	assert.Equal(t, 1, m.Summary().Evictions)
}

func TestAddChunk_NeverEvictsCritical(t *testing.T) {
	m := newTestManager(Config{MaxChunks: 2})

	_, _ = m.AddChunk("must keep one", "policy", ChunkInstruction, 0.9, WithPriority(priority.Critical))
	_, _ = m.AddChunk("must keep two", "policy", ChunkInstruction, 0.9, WithPriority(priority.Critical))

	ok, reason := m.AddChunk("another critical", "policy", ChunkInstruction, 0.9, WithPriority(priority.Critical))
	assert.False(t, ok)
	assert.Equal(t, ReasonCriticalEviction, reason)

	ok, reason = m.AddChunk("just a note", "kb", ChunkKnowledge, 0.9, WithPriority(priority.Low))
	assert.False(t, ok)
	assert.Equal(t, ReasonOutranked, reason)

	s := m.Summary()
	assert.Equal(t, 2, s.ByPriority[priority.Critical])
	assert.Zero(t, s.Evictions)
}

func TestAddChunk_BudgetNeverExceeded(t *testing.T) {
	const maxChunks, maxBytes = 5, 120
	m := newTestManager(Config{MaxChunks: maxChunks, MaxBytes: maxBytes, MinConfidence: 0.3})
	rng := rand.New(rand.NewSource(7))
	types := []ChunkType{ChunkKnowledge, ChunkInstruction, ChunkHistory}

	for i := 0; i < 500; i++ {
		content := fmt.Sprintf("fact %d %s", i, strings.Repeat("z", rng.Intn(40)))
		opts := []Option{}
		if rng.Intn(10) == 0 {
			opts = append(opts, WithPriority(priority.Critical))
		}
		m.AddChunk(content, fmt.Sprintf("src-%d", rng.Intn(4)), types[rng.Intn(len(types))], rng.Float64(), opts...)

		n, size := m.Len()
		require.LessOrEqual(t, n, maxChunks)
		require.LessOrEqual(t, size, maxBytes)
	}
}

func TestAddChunk_FlagsWeakerSideOfContradiction(t *testing.T) {
	m := newTestManager(Config{})

	ok, _ := m.AddChunk("The primary database is postgres.", "runbook", ChunkKnowledge, 0.9)
	require.True(t, ok)
	ok, _ = m.AddChunk("The primary database is mysql.", "chat-log", ChunkKnowledge, 0.6)
	require.True(t, ok, "conflicting chunks are kept")

	var flagged, clean []Chunk
	for _, c := range m.Chunks() {
		if c.Flagged {
			flagged = append(flagged, c)
		} else {
			clean = append(clean, c)
		}
	}
	require.Len(t, flagged, 1)
	require.Len(t, clean, 1)
	assert.Equal(t, "chat-log", flagged[0].Source)
	assert.Contains(t, flagged[0].FlagReason, "runbook")

	warnings := m.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "database primary")
	assert.Equal(t, 1, m.Summary().Flagged)
}

func TestAddChunk_NegationContradicts(t *testing.T) {
	m := newTestManager(Config{})

	_, _ = m.AddChunk("INC-7 is open", "tracker", ChunkKnowledge, 0.7)
	_, _ = m.AddChunk("INC-7 is not open", "email", ChunkKnowledge, 0.9)

	for _, c := range m.Chunks() {
		assert.Equal(t, c.Source == "tracker", c.Flagged)
	}
	assert.Len(t, m.Warnings(), 1)
}

func TestAddChunk_AgreeingChunksNotFlagged(t *testing.T) {
	m := newTestManager(Config{})

	_, _ = m.AddChunk("The primary database is postgres 16.", "runbook", ChunkKnowledge, 0.9)
	_, _ = m.AddChunk("Primary database: postgres", "wiki", ChunkKnowledge, 0.8)

	assert.Empty(t, m.Warnings())
	assert.Zero(t, m.Summary().Flagged)
}

func TestReset_ClearsChunksKeepsCounters(t *testing.T) {
	m := newTestManager(Config{MaxChunks: 1})
	_, _ = m.AddChunk("one", "a", ChunkKnowledge, 0.9)
	_, _ = m.AddChunk("two", "b", ChunkKnowledge, 0.9)

	m.Reset()

	s := m.Summary()
	assert.Zero(t, s.TotalChunks)
	assert.Zero(t, s.TotalBytes)
	assert.Equal(t, 1, s.Evictions)
	assert.Empty(t, m.Warnings())
}

func TestSummary_CountsByTypeAndPriority(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.AddChunk("answer briefly", "system", ChunkInstruction, 1)
	_, _ = m.AddChunk("user asked about incidents", "history", ChunkHistory, 0.9)
	_, _ = m.AddChunk("INC-1 database outage", "tracker", ChunkKnowledge, 0.85)
	_, _ = m.AddChunk("INC-2 login errors", "tracker", ChunkKnowledge, 0.6)

	s := m.Summary()
	assert.Equal(t, 4, s.TotalChunks)
	assert.Equal(t, 2, s.ByType[ChunkKnowledge])
	assert.Equal(t, 1, s.ByType[ChunkInstruction])
	assert.Equal(t, 1, s.ByType[ChunkHistory])
	assert.Equal(t, 2, s.ByPriority[priority.High])
	assert.Equal(t, 1, s.ByPriority[priority.Medium])
	assert.Equal(t, 1, s.ByPriority[priority.Low])
	assert.Equal(t, len("answer briefly")+len("user asked about incidents")+len("INC-1 database outage")+len("INC-2 login errors"), s.TotalBytes)
}
