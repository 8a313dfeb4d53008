package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hubenschmidt/callbridge/internal/env"
	"github.com/hubenschmidt/callbridge/internal/knowledge"
)

func main() {
	dir := flag.String("dir", "", "directory containing .txt or .md files to seed")
	provider := flag.String("embedding-provider", env.Str("EMBEDDING_PROVIDER", "ollama"), "embedding provider: ollama or openai")
	ollamaURL := flag.String("ollama-url", env.Str("OLLAMA_URL", "http://localhost:11434"), "Ollama URL")
	model := flag.String("model", env.Str("EMBEDDING_MODEL", "nomic-embed-text"), "embedding model")
	qdrantURL := flag.String("qdrant-url", env.Str("QDRANT_URL", "http://localhost:6334"), "Qdrant gRPC URL")
	collection := flag.String("collection", "knowledge_base", "Qdrant collection name")
	vectorSize := flag.Int("vector-size", env.Int("VECTOR_SIZE", 768), "embedding vector dimension")
	chunkSize := flag.Int("chunk-size", 500, "max characters per chunk")
	force := flag.Bool("force", false, "seed even if the collection already has points")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: seed --dir ./samples/knowledge/")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	var embedder knowledge.Embedder = knowledge.NewOllamaEmbedder(*ollamaURL, *model, 4)
	if *provider == "openai" {
		embedder = knowledge.NewOpenAIEmbedder(env.Str("OPENAI_API_KEY", ""), "", *model, 4)
	}
	qdrant, err := knowledge.NewQdrant(*qdrantURL, env.Str("QDRANT_API_KEY", ""))
	if err != nil {
		slog.Error("qdrant", "error", err)
		os.Exit(1)
	}
	defer qdrant.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err = qdrant.EnsureCollection(ctx, *collection, *vectorSize); err != nil {
		slog.Error("ensure collection", "error", err)
		os.Exit(1)
	}

	count, err := qdrant.Count(ctx, *collection)
	if err == nil && count > 0 && !*force {
		slog.Info("collection already seeded, skipping", "collection", *collection, "points", count)
		return
	}

	var files []string
	for _, pattern := range []string{"*.txt", "*.md"} {
		matches, globErr := filepath.Glob(filepath.Join(*dir, pattern))
		if globErr != nil {
			slog.Error("glob files", "error", globErr)
			os.Exit(1)
		}
		files = append(files, matches...)
	}

	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no .txt or .md files found in", *dir)
		os.Exit(1)
	}

	var total int
	for _, f := range files {
		data, readErr := os.ReadFile(f)
		if readErr != nil {
			slog.Error("read file", "file", f, "error", readErr)
			continue
		}
		n, seedErr := knowledge.Ingest(ctx, embedder, qdrant, *collection, filepath.Base(f), string(data), *chunkSize)
		if seedErr != nil {
			slog.Error("seed file", "file", f, "error", seedErr)
			continue
		}
		total += n
		slog.Info("seeded", "file", f, "chunks", n)
	}

	slog.Info("done", "total_chunks", total, "files", len(files))
}
