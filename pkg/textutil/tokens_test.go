package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize_KeepsIdentifiers(t *testing.T) {
	assert.Equal(t, []string{"status", "of", "inc-1234", "on", "db_primary"}, Tokenize("Status of INC-1234 on db_primary?"))
}

func TestKeywords_DropsStopwordsAndDuplicates(t *testing.T) {
	assert.Equal(t, []string{"incidents", "open"}, Keywords("How many incidents are open? Open incidents!"))
	assert.Empty(t, Keywords("which are these?"))
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("open incidents", "incidents open"), 1e-9)
	assert.InDelta(t, 0.0, Jaccard("open incidents", "closed tickets"), 1e-9)
	assert.InDelta(t, 1.0/3.0, Jaccard("open incidents", "incidents closed"), 1e-9)
}

func TestTerms_SplitsJoinedIdentifiers(t *testing.T) {
	assert.Equal(t, []string{"restart", "db_primary", "db", "primary"}, Terms("restart the db_primary"))
}

func TestBM25_RanksMatchingDocumentFirst(t *testing.T) {
	idx := NewBM25([][]string{
		Terms("ticket search across the incident tracker"),
		Terms("weather forecast for a city"),
		Terms("incident incident timeline"),
	})
	hits := idx.Search(Terms("incident timeline"), 2)
	if assert.Len(t, hits, 2) {
		assert.Equal(t, 2, hits[0].Index)
		assert.Equal(t, 0, hits[1].Index)
	}
	assert.Empty(t, idx.Search(Terms("unrelated"), 5))
	assert.Nil(t, idx.Search(nil, 5))
}
