package memory

import (
	"bytes"
	"context"
	"sync"
)

// InMemory is a map-backed [Memory].
//
// It is the reference implementation of the contract and the backend of
// choice for tests. All operations run under one mutex, which trivially
// satisfies the atomicity requirements. Words are copied on the way in and
// out, so callers may reuse their buffers.
type InMemory struct {
	mu sync.Mutex
	m  map[Address][]byte
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{m: make(map[Address][]byte)}
}

// BatchRead implements [Memory].
func (s *InMemory) BatchRead(ctx context.Context, addresses []Address) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(addresses))
	for i, a := range addresses {
		if w, ok := s.m[a]; ok {
			out[i] = bytes.Clone(w)
		}
	}

	return out, nil
}

// GuardedWrite implements [Memory].
func (s *InMemory) GuardedWrite(ctx context.Context, guard Guard, bindings []Binding) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, bound := s.m[guard.Address]
	if guardMatches(cur, bound, guard.Expected) {
		// Map insertion already gives last-binding-wins for duplicates.
		for _, b := range bindings {
			s.m[b.Address] = bytes.Clone(b.Word)
		}
	}

	if !bound {
		return nil, nil
	}

	return bytes.Clone(cur), nil
}

// Clear drops every binding. Intended for tests and examples.
func (s *InMemory) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[Address][]byte)
}

// Len reports the number of current bindings.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.m)
}

// guardMatches reports whether the observed word satisfies the guard.
// An unbound address only matches a nil expectation.
func guardMatches(cur []byte, bound bool, expected []byte) bool {
	if !bound || expected == nil {
		return !bound && expected == nil
	}

	return bytes.Equal(cur, expected)
}
