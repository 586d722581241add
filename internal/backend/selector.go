package backend

import "fmt"

// Selector routes each call to one of the eagerly constructed adapters.
// Adapters are stateless until a task is submitted, so switching backends
// mid-session needs no re-initialization, only a different pick.
type Selector struct {
	fallback Kind
	adapters map[Kind]Adapter
}

// NewSelector creates a selector with a default kind. The default must be
// among the provided adapters.
func NewSelector(fallback Kind, adapters ...Adapter) (*Selector, error) {
	byKind := make(map[Kind]Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		byKind[a.Kind()] = a
	}
	if _, ok := byKind[fallback]; !ok {
		return nil, fmt.Errorf("selector: no adapter registered for default backend %q", fallback)
	}
	return &Selector{fallback: fallback, adapters: byKind}, nil
}

// Default returns the environment-configured default kind.
func (s *Selector) Default() Kind {
	return s.fallback
}

// Pick returns the adapter for the optional per-call override, falling back
// to the default. An override without a registered adapter also falls back,
// so a stale preference can never strand the caller.
func (s *Selector) Pick(override ...Kind) Adapter {
	if len(override) > 0 && override[0] != "" {
		if a, ok := s.adapters[override[0]]; ok {
			return a
		}
	}
	return s.adapters[s.fallback]
}
