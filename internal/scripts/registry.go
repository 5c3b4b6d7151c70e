package scripts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/mutation"
)

// Default holds update functions compiled into the binary. It is empty
// unless a package linked into the build registers into it, typically from
// an init function.
var Default = NewRegistry()

// Register adds fn to the Default registry.
func Register(name string, fn UpdateFunc) error {
	return Default.Register(name, fn)
}

// MustRegister is Register that panics, for use in init functions.
func MustRegister(name string, fn UpdateFunc) {
	if err := Default.Register(name, fn); err != nil {
		panic(err)
	}
}

// Registry maps names to compiled-in update functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]UpdateFunc
}

var _ Loader = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]UpdateFunc)}
}

func (r *Registry) Register(name string, fn UpdateFunc) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil update function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *Registry) Load(name string) (Script, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return registered{name: name, fn: fn}, nil
}

func (r *Registry) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

type registered struct {
	name string
	fn   UpdateFunc
}

func (s registered) Name() string   { return s.name }
func (s registered) Source() string { return "builtin" }

func (s registered) Run(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error) {
	return s.fn(ctx, client)
}
