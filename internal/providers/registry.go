package providers

import (
	"fmt"
	"sort"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

// Credentials holds API keys by provider name.
type Credentials map[string]string

// Selection names a provider plus the per-call settings used to build it.
type Selection struct {
	Provider string
	Model    string
	Voice    string
	Language string
}

// Factory builds a provider instance for one call.
type Factory[T any] struct {
	// Key names the credential the provider needs; empty for keyless
	// self-hosted backends.
	Key string
	New func(sel Selection, apiKey string) (T, error)
}

// Registry maps provider names to factories for one capability.
type Registry[T any] struct {
	role      string
	factories map[string]Factory[T]
}

func NewRegistry[T any](role string) *Registry[T] {
	return &Registry[T]{role: role, factories: make(map[string]Factory[T])}
}

func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.factories[name] = f
}

// Has reports whether a factory is registered under name.
func (r *Registry[T]) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Check verifies that sel names a registered provider whose credential is
// present, without building anything.
func (r *Registry[T]) Check(sel Selection, creds Credentials) error {
	f, ok := r.factories[sel.Provider]
	if !ok {
		return callerr.Configuration(r.role, "unknown provider %q (have %v)", sel.Provider, r.Names())
	}
	if f.Key != "" && creds[f.Key] == "" {
		return callerr.Configuration(r.role, "%s requires credential %q", sel.Provider, f.Key)
	}
	return nil
}

// Build checks sel and constructs the provider.
func (r *Registry[T]) Build(sel Selection, creds Credentials) (T, error) {
	var zero T
	if err := r.Check(sel, creds); err != nil {
		return zero, err
	}
	f := r.factories[sel.Provider]
	p, err := f.New(sel, creds[f.Key])
	if err != nil {
		return zero, callerr.Configuration(r.role, "build %s: %v", sel.Provider, err)
	}
	return p, nil
}

func (r *Registry[T]) String() string {
	return fmt.Sprintf("%s%v", r.role, r.Names())
}
