// Package retrieval is the knowledge-base boundary: a Retriever answers a
// query with ranked source passages.
package retrieval

import (
	"context"
	"errors"
)

var (
	ErrRetrievalTimeout = errors.New("retrieval timed out")
	ErrRetrievalFailure = errors.New("retrieval failed")
)

// Source is one cited passage.
type Source struct {
	Content        string  `json:"content" cbor:"1,keyasint"`
	SourceID       string  `json:"source_id" cbor:"2,keyasint"`
	RelevanceScore float64 `json:"relevance_score" cbor:"3,keyasint"`
}

// Result is the answer to one Search call. Sources are best first.
type Result struct {
	ResponseText string   `json:"response_text"`
	Sources      []Source `json:"sources"`
	Confidence   float64  `json:"confidence"`
}

// Retriever searches a knowledge base. Filters restrict results to
// documents whose metadata matches every key exactly.
type Retriever interface {
	Search(ctx context.Context, query string, maxResults int, filters map[string]string) (Result, error)
}

// Document is one indexed passage.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	SourceID string            `json:"source_id"`
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (d Document) matches(filters map[string]string) bool {
	for k, v := range filters {
		switch k {
		case "source_id":
			if d.SourceID != v {
				return false
			}
		default:
			if d.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}
