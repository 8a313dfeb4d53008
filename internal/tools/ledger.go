package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records which invocation IDs have been claimed for execution.
type Ledger interface {
	// Claim reserves id. It returns false if id was claimed before.
	Claim(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, output json.RawMessage) error
	// Result returns the recorded output of a completed invocation.
	Result(ctx context.Context, id string) (json.RawMessage, bool, error)
}

// MemoryLedger keeps invocation state in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]json.RawMessage)}
}

func (l *MemoryLedger) Claim(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; ok {
		return false, nil
	}
	l.entries[id] = nil
	return true, nil
}

func (l *MemoryLedger) Complete(_ context.Context, id string, output json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[id] = output
	return nil
}

func (l *MemoryLedger) Result(_ context.Context, id string) (json.RawMessage, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.entries[id]
	return out, ok && out != nil, nil
}

const pendingMarker = "\x00pending"

// RedisLedger shares invocation state across gateway replicas, so a
// redelivered provider event never re-runs a side-effecting tool.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{client: client, prefix: "tool:invocation:", ttl: ttl}
}

func (l *RedisLedger) Claim(ctx context.Context, id string) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+id, pendingMarker, l.ttl).Result()
}

func (l *RedisLedger) Complete(ctx context.Context, id string, output json.RawMessage) error {
	return l.client.Set(ctx, l.prefix+id, []byte(output), l.ttl).Err()
}

func (l *RedisLedger) Result(ctx context.Context, id string) (json.RawMessage, bool, error) {
	val, err := l.client.Get(ctx, l.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(val) == pendingMarker {
		return nil, false, nil
	}
	return json.RawMessage(val), true, nil
}
