// Package models manages which self-hosted Ollama models are resident, so
// the first cascaded call on a local model does not pay the load time.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Loaded describes a model currently loaded in Ollama.
type Loaded struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Ollama controls model residency on one Ollama server.
type Ollama struct {
	url    string
	client *http.Client
	// PollInterval and UnloadWait bound the wait for an unload to land.
	PollInterval time.Duration
	UnloadWait   time.Duration
}

func NewOllama(url string) *Ollama {
	return &Ollama{
		url:          strings.TrimRight(url, "/"),
		client:       &http.Client{Timeout: 10 * time.Minute},
		PollInterval: 500 * time.Millisecond,
		UnloadWait:   10 * time.Second,
	}
}

// Installed returns the chat models pulled on the server. Embedding models
// are left out.
func (o *Ollama) Installed(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.get(ctx, "/api/tags", &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		if !strings.Contains(m.Name, "embed") {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Resident returns the models currently loaded in memory.
func (o *Ollama) Resident(ctx context.Context) ([]Loaded, error) {
	var result struct {
		Models []Loaded `json:"models"`
	}
	if err := o.get(ctx, "/api/ps", &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// Preload loads model and pins it until unloaded.
func (o *Ollama) Preload(ctx context.Context, model string) error {
	return o.generate(ctx, model, -1)
}

// Unload evicts model and waits until the server confirms it is gone.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	if err := o.generate(ctx, model, 0); err != nil {
		return err
	}
	deadline := time.Now().Add(o.UnloadWait)
	for time.Now().Before(deadline) {
		loaded, err := o.Resident(ctx)
		if err != nil {
			return nil // best-effort
		}
		if !contains(loaded, model) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PollInterval):
		}
	}
	return fmt.Errorf("model %s still loaded after %s", model, o.UnloadWait)
}

// UnloadAll evicts every resident model.
func (o *Ollama) UnloadAll(ctx context.Context) error {
	loaded, err := o.Resident(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Unload(ctx, m.Name); err != nil {
			return fmt.Errorf("unload %s: %w", m.Name, err)
		}
	}
	return nil
}

// Warm preloads each model, logging failures instead of returning them.
func (o *Ollama) Warm(ctx context.Context, models []string) {
	for _, m := range models {
		start := time.Now()
		if err := o.Preload(ctx, m); err != nil {
			slog.Warn("ollama preload failed", "model", m, "error", err)
			continue
		}
		slog.Info("ollama model resident", "model", m, "load_ms", time.Since(start).Milliseconds())
	}
}

func (o *Ollama) generate(ctx context.Context, model string, keepAlive int) error {
	body, err := json.Marshal(map[string]any{"model": model, "keep_alive": keepAlive, "stream": false})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama generate status %d", resp.StatusCode)
	}
	return nil
}

func (o *Ollama) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func contains(loaded []Loaded, model string) bool {
	for _, m := range loaded {
		if m.Name == model {
			return true
		}
	}
	return false
}
