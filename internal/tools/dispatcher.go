package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxErrorLen = 512
)

// Dispatcher executes tool invocations. It never returns an error to the
// caller: every failure becomes a JSON payload the engine can speak about.
type Dispatcher struct {
	registry    Registry
	ledger      Ledger
	timeout     time.Duration
	maxErrorLen int
}

type Option func(*Dispatcher)

func WithLedger(l Ledger) Option { return func(d *Dispatcher) { d.ledger = l } }

func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

func WithMaxErrorLen(n int) Option { return func(d *Dispatcher) { d.maxErrorLen = n } }

func NewDispatcher(reg Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		ledger:      NewMemoryLedger(),
		timeout:     DefaultTimeout,
		maxErrorLen: DefaultMaxErrorLen,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() Registry { return d.registry }

// Dispatch runs inv at most once per invocation ID. A repeated ID returns
// the recorded output without executing the tool again.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Result {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	log := slog.With("tool", inv.Name, "invocation_id", inv.ID)

	claimed, err := d.ledger.Claim(ctx, inv.ID)
	if err != nil {
		log.Error("tool ledger claim", "error", err)
		return d.failure(inv, callerr.ToolExecution(inv.Name, fmt.Errorf("invocation ledger: %w", err)))
	}
	if !claimed {
		return d.duplicate(ctx, inv, log)
	}

	res := d.execute(ctx, inv)
	if err = d.ledger.Complete(ctx, inv.ID, res.Output); err != nil {
		log.Error("tool ledger complete", "error", err)
	}
	return res
}

func (d *Dispatcher) duplicate(ctx context.Context, inv Invocation, log *slog.Logger) Result {
	metrics.ToolCalls.WithLabelValues(inv.Name, "duplicate").Inc()
	out, ok, err := d.ledger.Result(ctx, inv.ID)
	if err != nil || !ok {
		log.Warn("duplicate tool invocation still in flight")
		res := d.failure(inv, callerr.ToolExecution(inv.Name, errors.New("invocation already in progress")))
		res.Duplicate = true
		return res
	}
	log.Info("duplicate tool invocation, returning recorded result")
	return Result{InvocationID: inv.ID, Name: inv.Name, Output: out, Duplicate: true}
}

func (d *Dispatcher) execute(ctx context.Context, inv Invocation) Result {
	tool, ok := d.registry.Lookup(inv.Name)
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", "unknown_tool").Inc()
		slog.Warn("unknown tool requested", "tool", inv.Name)
		return d.failure(inv, callerr.UnknownTool(inv.Name))
	}

	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return d.failure(inv, callerr.ToolExecution(inv.Name, errors.New("arguments are not valid JSON")))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	out, err := runTool(ctx, tool, args)
	metrics.ToolDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCalls.WithLabelValues(inv.Name, "error").Inc()
		slog.Warn("tool failed", "tool", inv.Name, "invocation_id", inv.ID, "error", err)
		return d.failure(inv, callerr.ToolExecution(inv.Name, err))
	}

	metrics.ToolCalls.WithLabelValues(inv.Name, "ok").Inc()
	if !json.Valid(out) {
		out, _ = json.Marshal(string(out))
	}
	return Result{InvocationID: inv.ID, Name: inv.Name, Output: out}
}

type toolOutcome struct {
	out json.RawMessage
	err error
}

// runTool executes the tool on its own goroutine so a tool ignoring ctx
// still yields a timeout result on schedule.
func runTool(ctx context.Context, tool Tool, args json.RawMessage) (json.RawMessage, error) {
	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(ctx, args)
		done <- toolOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out: %w", ctx.Err())
	}
}

type failurePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (d *Dispatcher) failure(inv Invocation, err error) Result {
	msg := err.Error()
	if len(msg) > d.maxErrorLen {
		msg = truncate(msg, d.maxErrorLen)
	}
	out, _ := json.Marshal(failurePayload{Success: false, Error: msg})
	return Result{InvocationID: inv.ID, Name: inv.Name, Output: out, Err: err}
}

func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
