package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCorpus() []Document {
	return []Document{
		{ID: "rb-1", SourceID: "runbook/deploy", Title: "Deploy runbook", Content: "Deployments roll out with blue green switching and automatic rollback.", Metadata: map[string]string{"team": "platform"}},
		{ID: "inc-1", SourceID: "incident/INC-1234", Title: "INC-1234", Content: "Checkout latency incident caused by db_primary failover. Status open.", Metadata: map[string]string{"team": "payments"}},
		{ID: "inc-2", SourceID: "incident/INC-5678", Title: "INC-5678", Content: "Search indexing backlog incident. Status resolved.", Metadata: map[string]string{"team": "search"}},
		{ID: "pol-1", SourceID: "policy/retention", Title: "Retention policy", Content: "Audit logs are retained for 400 days.", Metadata: map[string]string{"team": "security"}},
	}
}

func TestStaticRetriever_RanksAndCites(t *testing.T) {
	r := NewStaticRetriever(testCorpus())

	res, err := r.Search(context.Background(), "how long are audit logs retained", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	assert.Equal(t, "policy/retention", res.Sources[0].SourceID)
	assert.Greater(t, res.Confidence, 0.5)
	assert.Contains(t, res.ResponseText, "400 days")
	for i := 1; i < len(res.Sources); i++ {
		assert.LessOrEqual(t, res.Sources[i].RelevanceScore, res.Sources[i-1].RelevanceScore)
	}
}

func TestStaticRetriever_IdentifierParts(t *testing.T) {
	r := NewStaticRetriever(testCorpus())
	res, err := r.Search(context.Background(), "primary failover", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	assert.Equal(t, "incident/INC-1234", res.Sources[0].SourceID)
}

func TestStaticRetriever_Filters(t *testing.T) {
	r := NewStaticRetriever(testCorpus())

	res, err := r.Search(context.Background(), "incident status", 5, map[string]string{"team": "search"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "incident/INC-5678", res.Sources[0].SourceID)

	res, err = r.Search(context.Background(), "incident status", 5, map[string]string{"source_id": "incident/INC-1234"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
}

func TestStaticRetriever_NoMatch(t *testing.T) {
	r := NewStaticRetriever(testCorpus())
	res, err := r.Search(context.Background(), "quantum entanglement", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Zero(t, res.Confidence)
}

func TestStaticRetriever_Idempotent(t *testing.T) {
	r := NewStaticRetriever(testCorpus())
	first, err := r.Search(context.Background(), "incident status", 5, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Search(context.Background(), "incident status", 5, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLoadCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	data := `{"id":"a","source_id":"doc/a","content":"alpha service owns billing"}

{"id":"b","content":"   "}
{"id":"c","source_id":"doc/c","content":"gamma","metadata":{"team":"core"}}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	docs, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "core", docs[1].Metadata["team"])

	require.NoError(t, os.WriteFile(path, []byte("{broken\n"), 0o600))
	_, err = LoadCorpus(path)
	assert.ErrorContains(t, err, "line 1")
}

type fakeRetriever struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeRetriever) Search(ctx context.Context, query string, _ int, _ map[string]string) (Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{ResponseText: query, Sources: []Source{{Content: query, SourceID: "s"}}, Confidence: 0.8}, nil
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(&fakeRetriever{delay: time.Second}, 10*time.Millisecond).Search(context.Background(), "q", 1, nil)
	assert.ErrorIs(t, err, ErrRetrievalTimeout)

	_, err = WithTimeout(&fakeRetriever{err: errors.New("index offline")}, time.Second).Search(context.Background(), "q", 1, nil)
	assert.ErrorIs(t, err, ErrRetrievalFailure)
	assert.ErrorContains(t, err, "index offline")

	res, err := WithTimeout(&fakeRetriever{}, time.Second).Search(context.Background(), "q", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "q", res.ResponseText)
}

func TestCached(t *testing.T) {
	inner := &fakeRetriever{}
	c := NewCached(inner, 8, time.Minute)

	a, err := c.Search(context.Background(), "Open  Incidents", 3, map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	b, err := c.Search(context.Background(), "open incidents", 3, map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	assert.Equal(t, a.Sources, b.Sources)
	assert.EqualValues(t, 1, inner.calls.Load())

	_, err = c.Search(context.Background(), "open incidents", 4, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())

	failing := &fakeRetriever{err: errors.New("down")}
	fc := NewCached(failing, 8, time.Minute)
	_, _ = fc.Search(context.Background(), "q", 1, nil)
	_, _ = fc.Search(context.Background(), "q", 1, nil)
	assert.EqualValues(t, 2, failing.calls.Load(), "errors are not cached")
}

func TestEmbedders(t *testing.T) {
	for _, name := range []string{ChargramModel, HashModel} {
		e := NewEmbedder(name)
		assert.Equal(t, name, e.ModelID())

		v := e.Embed("Checkout latency incident")
		require.Len(t, v, e.Dims())
		var norm float64
		for _, x := range v {
			norm += float64(x * x)
		}
		assert.InDelta(t, 1.0, norm, 1e-4)
		assert.Equal(t, v, e.Embed("Checkout latency incident"))
	}
	assert.Len(t, NewEmbedder("chargram").Embed("   "), 384)
}

type fakeStore struct {
	points   []*qdrant.ScoredPoint
	lastQ    *qdrant.QueryPoints
	exists   bool
	created  *qdrant.CreateCollection
	upserted *qdrant.UpsertPoints
}

func (f *fakeStore) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.lastQ = req
	return f.points, nil
}

func (f *fakeStore) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserted = req
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeStore) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeStore) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.created = req
	return nil
}

func (f *fakeStore) Close() error { return nil }

func scored(id, content, source string, score float32) *qdrant.ScoredPoint {
	payload := map[string]*qdrant.Value{"content": stringValue(content)}
	if source != "" {
		payload["source_id"] = stringValue(source)
	}
	return &qdrant.ScoredPoint{
		Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
		Score:   score,
		Payload: payload,
	}
}

func TestQdrantRetriever_Search(t *testing.T) {
	store := &fakeStore{points: []*qdrant.ScoredPoint{
		scored("11111111-1111-1111-1111-111111111111", "Audit logs are retained for 400 days.", "policy/retention", 0.82),
		scored("22222222-2222-2222-2222-222222222222", "Retention of chat transcripts is 30 days.", "", 0.41),
		scored("33333333-3333-3333-3333-333333333333", "noise", "x", 0.01),
	}}
	q := newQdrantRetriever(store, "docs", nil)

	res, err := q.Search(context.Background(), "audit log retention", 3, map[string]string{"team": "security"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "policy/retention", res.Sources[0].SourceID)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", res.Sources[1].SourceID)
	assert.InDelta(t, 0.82, res.Confidence, 1e-6)

	require.NotNil(t, store.lastQ)
	assert.Equal(t, "docs", store.lastQ.CollectionName)
	assert.EqualValues(t, 3, *store.lastQ.Limit)
	require.NotNil(t, store.lastQ.Filter)
	assert.Len(t, store.lastQ.Filter.Must, 1)
}

func TestQdrantRetriever_IndexCreatesCollection(t *testing.T) {
	store := &fakeStore{}
	q := newQdrantRetriever(store, "docs", NewEmbedder(HashModel))

	require.NoError(t, q.Index(context.Background(), testCorpus()))
	require.NotNil(t, store.created)
	assert.Equal(t, "docs", store.created.CollectionName)
	require.NotNil(t, store.upserted)
	require.Len(t, store.upserted.Points, 4)
	assert.Equal(t, "runbook/deploy", store.upserted.Points[0].Payload["source_id"].GetStringValue())
	assert.Equal(t, "platform", store.upserted.Points[0].Payload["team"].GetStringValue())

	first := store.upserted.Points[0].Id.GetUuid()
	require.NoError(t, q.Index(context.Background(), testCorpus()[:1]))
	assert.Equal(t, first, store.upserted.Points[0].Id.GetUuid(), "ids are stable across reindexing")
}
