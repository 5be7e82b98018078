// Package memory stores conversational facts across turns in three tiers
// (working, short_term, long_term) and ranks them for recall.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/google/uuid"
)

// Config holds per-tier capacities and lifecycle thresholds.
type Config struct {
	WorkingCapacity   int
	ShortTermCapacity int
	LongTermCapacity  int
	MaxRecordBytes    int

	// ShortTermWindow is the number of turns a short_term record may go
	// without access before it is removed.
	ShortTermWindow int
	// PromotionHits is the access count at which a short_term record moves
	// to long_term.
	PromotionHits int
	// RecencyHalfLifeTurns controls how fast recall scores decay with age.
	RecencyHalfLifeTurns float64

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		WorkingCapacity:      16,
		ShortTermCapacity:    64,
		LongTermCapacity:     256,
		MaxRecordBytes:       4096,
		ShortTermWindow:      5,
		PromotionHits:        3,
		RecencyHalfLifeTurns: 4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WorkingCapacity <= 0 {
		c.WorkingCapacity = def.WorkingCapacity
	}
	if c.ShortTermCapacity <= 0 {
		c.ShortTermCapacity = def.ShortTermCapacity
	}
	if c.LongTermCapacity <= 0 {
		c.LongTermCapacity = def.LongTermCapacity
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = def.MaxRecordBytes
	}
	if c.ShortTermWindow <= 0 {
		c.ShortTermWindow = def.ShortTermWindow
	}
	if c.PromotionHits <= 0 {
		c.PromotionHits = def.PromotionHits
	}
	if c.RecencyHalfLifeTurns <= 0 {
		c.RecencyHalfLifeTurns = def.RecencyHalfLifeTurns
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) capacity(t Tier) int {
	switch t {
	case TierWorking:
		return c.WorkingCapacity
	case TierShortTerm:
		return c.ShortTermCapacity
	default:
		return c.LongTermCapacity
	}
}

// Manager holds the records of one conversation. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*Record
	turn    int
	seq     uint64

	evictions   map[Tier]int
	promotions  int
	idleRemoved int
	refused     int
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		records:   make(map[string]*Record),
		evictions: make(map[Tier]int),
	}
}

// StoreChunk validates and stores a record, returning its id. Storing content
// that already lives in the same tier counts as a reference to the existing
// record: its tags are merged, its priority raised if needed, and its id
// returned.
func (m *Manager) StoreChunk(content string, tier Tier, p priority.Level, tags ...string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Field: "content", Reason: "empty"}
	}
	if len(content) > m.cfg.MaxRecordBytes {
		return "", &ValidationError{Field: "content", Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(content), m.cfg.MaxRecordBytes)}
	}
	if !tier.Valid() {
		return "", &ValidationError{Field: "memory_type", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", int(p))}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	for _, r := range m.records {
		if r.Tier == tier && r.Content == content {
			r.Tags.Add(tags...)
			if p > r.Priority {
				r.Priority = p
			}
			m.touchLocked(r, now)
			return r.ID, nil
		}
	}

	m.seq++
	rec := &Record{
		ID:             uuid.NewString(),
		Content:        content,
		Tier:           tier,
		Priority:       p,
		Tags:           NewTagSet(tags...),
		CreatedAt:      now,
		LastAccessedAt: now,
		CreatedTurn:    m.turn,
		LastAccessTurn: m.turn,
		Seq:            m.seq,
	}
	if err := m.insertLocked(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// insertLocked places rec in its tier, evicting the lowest-ranked record when
// the tier overflows. The incoming record competes for its slot.
func (m *Manager) insertLocked(rec *Record) error {
	tierRecs := m.tierLocked(rec.Tier)
	if len(tierRecs) < m.cfg.capacity(rec.Tier) {
		m.records[rec.ID] = rec
		return nil
	}
	tierRecs = append(tierRecs, rec)
	sortEvictionOrder(tierRecs)
	victim := tierRecs[0]
	if victim == rec {
		m.refused++
		return fmt.Errorf("%w: %s", ErrTierFull, rec.Tier)
	}
	delete(m.records, victim.ID)
	m.evictions[victim.Tier]++
	logger.DebugCF("memory", "Evicted memory record", map[string]any{
		"record_id": victim.ID,
		"tier":      string(victim.Tier),
		"priority":  victim.Priority.String(),
	})
	m.records[rec.ID] = rec
	return nil
}

// sortEvictionOrder ranks the first record to evict first: lowest priority,
// then least recently accessed, then oldest.
func sortEvictionOrder(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.LastAccessTurn != b.LastAccessTurn {
			return a.LastAccessTurn < b.LastAccessTurn
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.Seq < b.Seq
	})
}

func (m *Manager) tierLocked(t Tier) []*Record {
	var out []*Record
	for _, r := range m.records {
		if r.Tier == t {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) touchLocked(r *Record, now time.Time) {
	r.AccessCount++
	r.LastAccessTurn = m.turn
	r.LastAccessedAt = now
}

// Touch records that the given records were used in the current turn.
// Unknown ids are ignored.
func (m *Manager) Touch(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			m.touchLocked(r, now)
		}
	}
}

// AdvanceTurn closes the current turn. Working records referenced since they
// were stored move to short_term. Unreferenced ones stay one more turn, so a
// restatement or recall in the next turn still counts, and are dropped after
// that. short_term records idle
// for ShortTermWindow turns are removed unless critical, and those accessed
// PromotionHits times move to long_term.
func (m *Manager) AdvanceTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	closing := m.turn
	m.turn++

	var promote []*Record
	for _, r := range sortedBySeq(m.records) {
		switch r.Tier {
		case TierWorking:
			switch {
			case r.AccessCount > 0:
				delete(m.records, r.ID)
				promote = append(promote, r)
			case r.CreatedTurn < closing:
				delete(m.records, r.ID)
			}
		case TierShortTerm:
			if r.AccessCount >= m.cfg.PromotionHits {
				delete(m.records, r.ID)
				r.Tier = TierLongTerm
				if err := m.insertLocked(r); err != nil {
					r.Tier = TierShortTerm
					m.records[r.ID] = r
				} else {
					m.promotions++
				}
				continue
			}
			if closing-r.LastAccessTurn >= m.cfg.ShortTermWindow && r.Priority != priority.Critical {
				delete(m.records, r.ID)
				m.idleRemoved++
			}
		}
	}
	for _, r := range promote {
		if existing := m.findLocked(TierShortTerm, r.Content); existing != nil {
			existing.Tags.Add(r.Tags.Slice()...)
			existing.AccessCount++
			existing.LastAccessTurn = closing
			continue
		}
		r.Tier = TierShortTerm
		r.AccessCount = 0
		r.LastAccessTurn = closing
		if err := m.insertLocked(r); err == nil {
			m.promotions++
		}
	}
}

func (m *Manager) findLocked(t Tier, content string) *Record {
	for _, r := range m.records {
		if r.Tier == t && r.Content == content {
			return r
		}
	}
	return nil
}

func sortedBySeq(records map[string]*Record) []*Record {
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get returns a copy of a live record.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return r.Clone(), nil
}

// Records returns copies of the live records in insertion order. An empty
// tier argument lists every tier.
func (m *Manager) Records(tier Tier) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range sortedBySeq(m.records) {
		if tier == "" || r.Tier == tier {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Turn is the zero-based index of the turn in progress.
func (m *Manager) Turn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// Clear drops every record at session end.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record)
}

// Restore replaces the manager contents with records from a snapshot.
func (m *Manager) Restore(turn int, records []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record, len(records))
	m.turn = turn
	m.seq = 0
	for _, r := range records {
		if !r.Tier.Valid() || r.ID == "" {
			continue
		}
		rec := r.Clone()
		m.records[rec.ID] = &rec
		if rec.Seq > m.seq {
			m.seq = rec.Seq
		}
	}
}

// Summary reports record counts and lifecycle totals.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		Turn:        m.turn,
		ByTier:      make(map[Tier]int, len(Tiers)),
		ByPriority:  make(map[priority.Level]int),
		Evictions:   make(map[Tier]int, len(m.evictions)),
		Promotions:  m.promotions,
		IdleRemoved: m.idleRemoved,
		Refused:     m.refused,
	}
	for _, r := range m.records {
		s.ByTier[r.Tier]++
		s.ByPriority[r.Priority]++
		s.TotalBytes += len(r.Content)
	}
	for t, n := range m.evictions {
		s.Evictions[t] = n
	}
	return s
}
