package contextmgr

import (
	"time"

	"github.com/dotsetgreg/dotrag/pkg/priority"
)

// ChunkType classifies what a context chunk carries.
type ChunkType string

const (
	ChunkKnowledge   ChunkType = "knowledge"
	ChunkInstruction ChunkType = "instruction"
	ChunkHistory     ChunkType = "history"
)

func (t ChunkType) Valid() bool {
	switch t {
	case ChunkKnowledge, ChunkInstruction, ChunkHistory:
		return true
	}
	return false
}

// Chunk is one unit of working knowledge visible to the current turn.
type Chunk struct {
	ID             string
	Content        string
	Source         string
	Type           ChunkType
	Confidence     float64
	Priority       priority.Level
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int

	// Flagged marks a chunk that contradicts a stronger chunk. Flagged
	// chunks stay live; the conflict is surfaced through Warnings.
	Flagged    bool
	FlagReason string

	fingerprint string
	seq         uint64
}

// ToolDescriptor describes an external capability that may be offered to
// routing or generation.
type ToolDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Summary reports the live state of the manager.
type Summary struct {
	TotalChunks int
	TotalBytes  int
	ByType      map[ChunkType]int
	ByPriority  map[priority.Level]int
	Flagged     int
	Evictions   int
	Rejections  map[string]int
	MaxChunks   int
	MaxBytes    int
}

// Rejection reasons returned by AddChunk.
const (
	ReasonAccepted         = "accepted"
	ReasonEmpty            = "empty content"
	ReasonInvalidType      = "invalid chunk type"
	ReasonLowConfidence    = "confidence below floor"
	ReasonDuplicate        = "duplicate of existing chunk from same source"
	ReasonOversize         = "chunk exceeds byte budget"
	ReasonCriticalEviction = "admitting chunk would evict a critical chunk"
	ReasonOutranked        = "budget full of higher-ranked chunks"
)
