package memory

import (
	"time"

	"github.com/dotsetgreg/dotrag/pkg/priority"
)

// Tier classifies how long a record is retained.
type Tier string

const (
	TierWorking   Tier = "working"
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
)

// Tiers lists the tiers in promotion order.
var Tiers = []Tier{TierWorking, TierShortTerm, TierLongTerm}

func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierShortTerm, TierLongTerm:
		return true
	}
	return false
}

// Record is a durable conversational fact.
type Record struct {
	ID             string
	Content        string
	Tier           Tier
	Priority       priority.Level
	Tags           TagSet
	CreatedAt      time.Time
	LastAccessedAt time.Time

	// Turn bookkeeping drives recency and idle removal so ranking does not
	// depend on wall-clock jitter.
	CreatedTurn    int
	LastAccessTurn int
	AccessCount    int
	Seq            uint64
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	r.Tags = r.Tags.Clone()
	return r
}

// Summary reports the live state of a Manager.
type Summary struct {
	Turn        int
	ByTier      map[Tier]int
	ByPriority  map[priority.Level]int
	TotalBytes  int
	Evictions   map[Tier]int
	Promotions  int
	IdleRemoved int
	Refused     int
}
