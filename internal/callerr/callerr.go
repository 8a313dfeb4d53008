// Package callerr defines the error taxonomy shared by the call orchestrator.
package callerr

import (
	"errors"
	"fmt"
)

// Kind categorizes errors by how the orchestrator reacts to them.
type Kind string

const (
	KindConfiguration      Kind = "configuration_error"
	KindTransport          Kind = "transport_error"
	KindProviderConnection Kind = "provider_connection_error"
	KindProviderStream     Kind = "provider_stream_error"
	KindUnknownTool        Kind = "unknown_tool_error"
	KindToolExecution      Kind = "tool_execution_error"
	KindToolChainExceeded  Kind = "tool_chain_exceeded_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrProviderConnection = &Error{Kind: KindProviderConnection}
	ErrProviderStream     = &Error{Kind: KindProviderStream}
	ErrUnknownTool        = &Error{Kind: KindUnknownTool}
	ErrToolExecution      = &Error{Kind: KindToolExecution}
	ErrToolChainExceeded  = &Error{Kind: KindToolChainExceeded}
)

// Error is a categorized orchestrator error.
type Error struct {
	Kind Kind
	// Component names the provider, tool or stage that failed.
	Component string
	Message   string
	Err       error
	// Retryable marks transient connection failures worth one more attempt.
	Retryable bool
	// Fatal marks stream errors that end the call instead of the turn.
	Fatal bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Component == "" && t.Message == "" && t.Err == nil
}

func Configuration(component, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Component: component, Message: fmt.Sprintf(format, args...)}
}

func Transport(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Message: msg, Err: err}
}

// ProviderConnection wraps a dial or handshake failure. Transient failures
// are retried once; rejected handshakes are not.
func ProviderConnection(provider string, err error, retryable bool) *Error {
	return &Error{Kind: KindProviderConnection, Component: provider, Err: err, Retryable: retryable}
}

func ProviderStream(provider string, err error, fatal bool) *Error {
	return &Error{Kind: KindProviderStream, Component: provider, Err: err, Fatal: fatal}
}

func UnknownTool(name string) *Error {
	return &Error{Kind: KindUnknownTool, Component: name, Message: "tool is not registered"}
}

func ToolExecution(name string, err error) *Error {
	return &Error{Kind: KindToolExecution, Component: name, Err: err}
}

func ToolChainExceeded(limit int) *Error {
	return &Error{Kind: KindToolChainExceeded, Message: fmt.Sprintf("more than %d chained tool calls", limit)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient provider connection failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindProviderConnection && e.Retryable
}

// IsFatal reports whether err should end the call.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindConfiguration, KindProviderConnection:
		return true
	case KindProviderStream:
		return e.Fatal
	}
	return false
}
