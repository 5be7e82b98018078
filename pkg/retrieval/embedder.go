package retrieval

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

// Embedder turns text into a fixed-size unit vector.
type Embedder interface {
	ModelID() string
	Dims() int
	Embed(text string) []float32
}

const (
	ChargramModel = "dotrag-chargram-384-v1"
	HashModel     = "dotrag-hash-256-v1"
)

// NewEmbedder returns the local embedder for name. Unknown names use the
// char-gram model.
func NewEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256}
	default:
		return &chargramEmbedder{dims: 384}
	}
}

type hashEmbedder struct{ dims int }

func (e *hashEmbedder) ModelID() string { return HashModel }
func (e *hashEmbedder) Dims() int       { return e.dims }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, tok := range textutil.Tokenize(text) {
		sum := hash64(tok)
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dims)] += sign * float32(1+len(tok)/8)
	}
	normalize(vec)
	return vec
}

// chargramEmbedder hashes character trigrams of the padded text plus whole
// tokens, which tolerates typos and inflection.
type chargramEmbedder struct{ dims int }

func (e *chargramEmbedder) ModelID() string { return ChargramModel }
func (e *chargramEmbedder) Dims() int       { return e.dims }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[hash64(window[i:i+3])%uint64(e.dims)]++
	}
	for _, tok := range textutil.Tokenize(normalized) {
		vec[hash64("tok:"+tok)%uint64(e.dims)] += 1.25
	}
	normalize(vec)
	return vec
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
