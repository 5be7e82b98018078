package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// pointStore is the subset of the qdrant client used here.
type pointStore interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Close() error
}

// QdrantRetriever searches a qdrant collection with locally computed
// embeddings. Payload keys "content" and "source_id" carry the passage;
// every other string payload key is filterable.
type QdrantRetriever struct {
	store      pointStore
	collection string
	embedder   Embedder
	minScore   float32
}

func NewQdrantRetriever(cfg config.QdrantConfig, embedder Embedder) (*QdrantRetriever, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("qdrant host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return newQdrantRetriever(client, cfg.Collection, embedder), nil
}

func newQdrantRetriever(store pointStore, collection string, embedder Embedder) *QdrantRetriever {
	if embedder == nil {
		embedder = NewEmbedder(ChargramModel)
	}
	return &QdrantRetriever{store: store, collection: collection, embedder: embedder, minScore: 0.05}
}

func (q *QdrantRetriever) Close() error { return q.store.Close() }

func (q *QdrantRetriever) Search(ctx context.Context, query string, maxResults int, filters map[string]string) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	limit := uint64(maxResults)
	points, err := q.store.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(q.embedder.Embed(query)...),
		Limit:          &limit,
		Filter:         buildFilter(filters),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Result{}, fmt.Errorf("qdrant query: %w", err)
	}

	var sources []Source
	for _, p := range points {
		if p.Score < q.minScore {
			continue
		}
		src := Source{RelevanceScore: clampScore(float64(p.Score))}
		if v, ok := p.Payload["content"]; ok {
			src.Content = v.GetStringValue()
		}
		if v, ok := p.Payload["source_id"]; ok {
			src.SourceID = v.GetStringValue()
		}
		if src.SourceID == "" {
			src.SourceID = pointID(p.Id)
		}
		if src.Content == "" {
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return Result{}, nil
	}
	return Result{
		ResponseText: summarize(sources),
		Sources:      sources,
		Confidence:   sources[0].RelevanceScore,
	}, nil
}

// Index embeds docs and upserts them, creating the collection when it does
// not exist yet.
func (q *QdrantRetriever) Index(ctx context.Context, docs []Document) error {
	exists, err := q.store.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		err := q.store.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.embedder.Dims()),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", q.collection, err)
		}
		logger.InfoCF("retrieval", "Created qdrant collection", map[string]any{
			"collection": q.collection,
			"dims":       q.embedder.Dims(),
			"model":      q.embedder.ModelID(),
		})
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		id := d.ID
		if _, err := uuid.Parse(id); err != nil {
			// qdrant ids must be uuids or integers; derive a stable one.
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.SourceID+"#"+d.ID)).String()
		}
		sourceID := d.SourceID
		if sourceID == "" {
			sourceID = d.ID
		}
		payload := map[string]*qdrant.Value{
			"content":   stringValue(d.Content),
			"source_id": stringValue(sourceID),
		}
		if d.Title != "" {
			payload["title"] = stringValue(d.Title)
		}
		for k, v := range d.Metadata {
			payload[k] = stringValue(v)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
			Vectors: qdrant.NewVectors(q.embedder.Embed(d.Title + "\n" + d.Content)...),
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return nil
	}
	wait := true
	if _, err := q.store.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

func buildFilter(filters map[string]string) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for _, k := range sortedKeys(filters) {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   k,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: filters[k]}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
