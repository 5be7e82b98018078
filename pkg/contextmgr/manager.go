// Package contextmgr bounds and validates the working context assembled for
// a single conversation turn.
package contextmgr

import (
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Config bounds the live chunk pool.
type Config struct {
	MaxChunks     int
	MaxBytes      int
	MinConfidence float64
	MaxTools      int
	Now           func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxChunks:     24,
		MaxBytes:      16 * 1024,
		MinConfidence: 0.35,
		MaxTools:      5,
	}
}

// Option adjusts a chunk before admission.
type Option func(*Chunk)

// WithPriority overrides the priority derived from type and confidence.
func WithPriority(p priority.Level) Option {
	return func(c *Chunk) {
		if p.Valid() {
			c.Priority = p
		}
	}
}

// Manager owns the live chunk set for one conversation. It is safe for
// concurrent use.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	chunks     map[string]*Chunk
	bytes      int
	seq        uint64
	evictions  int
	rejections map[string]int
	warnings   []string
}

func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MinConfidence < 0 {
		cfg.MinConfidence = 0
	}
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = def.MaxTools
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:        cfg,
		chunks:     make(map[string]*Chunk),
		rejections: make(map[string]int),
	}
}

// AddChunk validates and admits a chunk, evicting lower-ranked chunks when
// the budget requires it. It never evicts a critical chunk: if room can only
// be made that way the new chunk is rejected instead.
func (m *Manager) AddChunk(content, source string, chunkType ChunkType, confidence float64, opts ...Option) (bool, string) {
	content = strings.TrimSpace(content)
	source = strings.TrimSpace(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	if content == "" {
		return m.reject(ReasonEmpty, source)
	}
	if !chunkType.Valid() {
		return m.reject(ReasonInvalidType, source)
	}
	if math.IsNaN(confidence) || confidence < m.cfg.MinConfidence {
		return m.reject(ReasonLowConfidence, source)
	}
	if confidence > 1 {
		confidence = 1
	}

	fp := fingerprint(source, content)
	for _, existing := range m.chunks {
		if existing.fingerprint == fp {
			m.touchLocked(existing)
			return m.reject(ReasonDuplicate, source)
		}
	}
	if len(content) > m.cfg.MaxBytes {
		return m.reject(ReasonOversize, source)
	}

	now := m.cfg.Now()
	m.seq++
	candidate := &Chunk{
		ID:             uuid.NewString(),
		Content:        content,
		Source:         source,
		Type:           chunkType,
		Confidence:     confidence,
		Priority:       defaultPriority(chunkType, confidence),
		CreatedAt:      now,
		LastAccessedAt: now,
		fingerprint:    fp,
		seq:            m.seq,
	}
	for _, opt := range opts {
		opt(candidate)
	}

	victims, reason := m.planEvictions(candidate)
	if reason != "" {
		return m.reject(reason, source)
	}
	for _, v := range victims {
		m.removeLocked(v.ID)
		m.evictions++
		logger.DebugCF("contextmgr", "Evicted context chunk", map[string]any{
			"chunk_id": v.ID,
			"source":   v.Source,
			"priority": v.Priority.String(),
		})
	}

	m.chunks[candidate.ID] = candidate
	m.bytes += len(candidate.Content)
	m.detectConflictsLocked(candidate)
	return true, ReasonAccepted
}

// planEvictions picks the chunks to drop so that candidate fits. The
// candidate itself competes for its slot: if it ranks lowest it is refused.
func (m *Manager) planEvictions(candidate *Chunk) ([]*Chunk, string) {
	count := len(m.chunks) + 1
	size := m.bytes + len(candidate.Content)
	if count <= m.cfg.MaxChunks && size <= m.cfg.MaxBytes {
		return nil, ""
	}

	pool := make([]*Chunk, 0, len(m.chunks)+1)
	for _, c := range m.chunks {
		pool = append(pool, c)
	}
	pool = append(pool, candidate)
	sortEvictionOrder(pool)

	var victims []*Chunk
	for _, c := range pool {
		if count <= m.cfg.MaxChunks && size <= m.cfg.MaxBytes {
			break
		}
		if c == candidate {
			return nil, ReasonOutranked
		}
		if c.Priority == priority.Critical {
			return nil, ReasonCriticalEviction
		}
		victims = append(victims, c)
		count--
		size -= len(c.Content)
	}
	return victims, ""
}

// sortEvictionOrder puts the first chunk to evict first: lowest priority,
// then least recently accessed, then oldest insertion.
func sortEvictionOrder(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.seq < b.seq
	})
}

func (m *Manager) reject(reason, source string) (bool, string) {
	m.rejections[reason]++
	logger.DebugCF("contextmgr", "Rejected context chunk", map[string]any{
		"reason": reason,
		"source": source,
	})
	return false, reason
}

func (m *Manager) removeLocked(id string) {
	if c, ok := m.chunks[id]; ok {
		m.bytes -= len(c.Content)
		delete(m.chunks, id)
	}
}

func (m *Manager) touchLocked(c *Chunk) {
	c.LastAccessedAt = m.cfg.Now()
	c.AccessCount++
}

// Get returns a copy of the chunk and records the access.
func (m *Manager) Get(id string) (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return Chunk{}, false
	}
	m.touchLocked(c)
	return *c, true
}

// Chunks returns the live chunks, highest priority first, then in insertion
// order. It does not count as an access.
func (m *Manager) Chunks() []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	copies := make([]Chunk, len(out))
	for i, c := range out {
		copies[i] = *c
	}
	return copies
}

// IDs returns the live chunk ids in the same order as Chunks.
func (m *Manager) IDs() []string {
	chunks := m.Chunks()
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// Len reports the live chunk count and byte size.
func (m *Manager) Len() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), m.bytes
}

// Warnings returns the conflict warnings raised since the last Reset.
func (m *Manager) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.warnings...)
}

// Reset discards all chunks and warnings at the end of a turn. Counters are
// kept for Summary.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]*Chunk)
	m.bytes = 0
	m.warnings = nil
}

// Summary reports counts by type and priority plus eviction totals.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		TotalChunks: len(m.chunks),
		TotalBytes:  m.bytes,
		ByType:      make(map[ChunkType]int),
		ByPriority:  make(map[priority.Level]int),
		Evictions:   m.evictions,
		Rejections:  make(map[string]int, len(m.rejections)),
		MaxChunks:   m.cfg.MaxChunks,
		MaxBytes:    m.cfg.MaxBytes,
	}
	for _, c := range m.chunks {
		s.ByType[c.Type]++
		s.ByPriority[c.Priority]++
		if c.Flagged {
			s.Flagged++
		}
	}
	for k, v := range m.rejections {
		s.Rejections[k] = v
	}
	return s
}

func defaultPriority(t ChunkType, confidence float64) priority.Level {
	switch t {
	case ChunkInstruction:
		return priority.High
	case ChunkHistory:
		return priority.Low
	}
	switch {
	case confidence >= 0.8:
		return priority.High
	case confidence >= 0.55:
		return priority.Medium
	default:
		return priority.Low
	}
}

func fingerprint(source, content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := blake3.Sum256([]byte(strings.ToLower(source) + "\x00" + normalized))
	return hex.EncodeToString(sum[:16])
}
