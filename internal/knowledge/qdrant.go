package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// Point is a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a single search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// VectorStore is the subset of Qdrant the package needs.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]Hit, error)
}

// Qdrant talks to Qdrant over gRPC.
type Qdrant struct {
	client *qdrant.Client
}

// NewQdrant connects to the Qdrant at rawURL. A URL without a port uses the
// gRPC default 6334.
func NewQdrant(rawURL, apiKey string) (*Qdrant, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: apiKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Qdrant{client: client}, nil
}

// EnsureCollection creates a cosine collection if it doesn't already exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or updates points in a collection.
func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Search finds nearest neighbors in a collection.
func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]Hit, error) {
	limit := uint64(topK)
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}
	points, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		h := Hit{Score: p.Score, Payload: make(map[string]string, len(p.Payload))}
		if p.Id != nil {
			h.ID = p.Id.GetUuid()
		}
		for k, v := range p.Payload {
			h.Payload[k] = v.GetStringValue()
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Count returns the number of points in a collection.
func (q *Qdrant) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}
