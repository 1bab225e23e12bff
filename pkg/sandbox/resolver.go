package sandbox

import (
	"fmt"
	"sync"

	"taintbox/pkg/backend"
)

// Resolver maps a guest function name to a backend symbol.
type Resolver interface {
	// Resolve returns the symbol for name.
	Resolve(b backend.Backend, name string) (backend.Symbol, error)
}

// resolverInit is implemented by resolvers that need the created backend.
type resolverInit interface {
	init(b backend.Backend) error
}

// staticResolver looks names up in a table fixed before the sandbox starts.
type staticResolver struct {
	table map[string]backend.Symbol
	fixed bool
}

func (r *staticResolver) init(b backend.Backend) error {
	if r.fixed {
		return nil
	}
	st, ok := b.(backend.StaticTable)
	if !ok {
		return fmt.Errorf("%s backend has no static symbol table", b.Name())
	}
	r.table = st.Symbols()
	return nil
}

func (r *staticResolver) Resolve(_ backend.Backend, name string) (backend.Symbol, error) {
	sym, ok := r.table[name]
	if !ok {
		return backend.Symbol{}, fmt.Errorf("%w: %s (static table)", backend.ErrSymbolNotFound, name)
	}
	return sym, nil
}

// dynamicResolver asks the backend and caches hits.
type dynamicResolver struct {
	mu    sync.Mutex
	cache map[string]backend.Symbol
}

func (r *dynamicResolver) init(backend.Backend) error {
	r.mu.Lock()
	r.cache = make(map[string]backend.Symbol)
	r.mu.Unlock()
	return nil
}

func (r *dynamicResolver) Resolve(b backend.Backend, name string) (backend.Symbol, error) {
	r.mu.Lock()
	sym, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return sym, nil
	}
	sym, err := b.Lookup(name)
	if err != nil {
		return backend.Symbol{}, err
	}
	r.mu.Lock()
	r.cache[name] = sym
	r.mu.Unlock()
	return sym, nil
}
