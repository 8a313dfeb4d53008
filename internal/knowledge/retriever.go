package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// Retriever pulls knowledge base passages relevant to a caller utterance.
type Retriever struct {
	embedder       Embedder
	store          VectorStore
	collection     string
	topK           int
	scoreThreshold float32
}

// RetrieverConfig holds configuration for the Retriever.
type RetrieverConfig struct {
	Embedder       Embedder
	Store          VectorStore
	Collection     string
	TopK           int
	ScoreThreshold float32
}

func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Retriever{
		embedder:       cfg.Embedder,
		store:          cfg.Store,
		collection:     cfg.Collection,
		topK:           cfg.TopK,
		scoreThreshold: cfg.ScoreThreshold,
	}
}

// Retrieve embeds the query, searches the knowledge base, and returns the
// matching passages. Returns empty string if nothing relevant was found.
func (r *Retriever) Retrieve(ctx context.Context, query string) (string, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.store.Search(ctx, r.collection, vector, r.topK, r.scoreThreshold)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		if text := h.Payload["text"]; text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n---\n"), nil
}

// Chunk splits text at paragraph boundaries into pieces of at most maxChars,
// never splitting a paragraph.
func Chunk(text string, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len()+len(p) > maxChars && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
