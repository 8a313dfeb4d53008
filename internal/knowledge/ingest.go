package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ingest chunks a document, embeds each chunk and upserts the chunks into
// collection. It returns the number of chunks written.
func Ingest(ctx context.Context, embedder Embedder, store VectorStore, collection, source, text string, chunkSize int) (int, error) {
	chunks := Chunk(text, chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}
	points := make([]Point, 0, len(chunks))
	for _, chunk := range chunks {
		vector, err := embedder.Embed(ctx, chunk)
		if err != nil {
			return 0, fmt.Errorf("embed chunk: %w", err)
		}
		points = append(points, Point{
			ID:     uuid.NewString(),
			Vector: vector,
			Payload: map[string]any{
				"text":   chunk,
				"source": source,
			},
		})
	}
	if err := store.Upsert(ctx, collection, points); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return len(points), nil
}
