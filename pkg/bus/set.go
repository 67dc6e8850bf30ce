package bus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Set owns one [Guard] per bus and enforces the global acquisition order. For
// each owner it tracks the held buses; acquiring a bus whose rank is not
// strictly greater than every bus the owner already holds fails with
// [ErrOrder].
type Set struct {
	guards map[ID]*Guard

	mu   sync.Mutex
	held map[string]map[ID]struct{}
}

// NewSet creates guards for every bus in [All], each with the given timeout.
func NewSet(timeout time.Duration, opts ...GuardOption) *Set {
	s := &Set{
		guards: make(map[ID]*Guard, len(All)),
		held:   make(map[string]map[ID]struct{}),
	}
	for _, id := range All {
		g := NewGuard(id, timeout, opts...)
		g.set = s
		s.guards[id] = g
	}
	return s
}

// Guard returns the guard for id. It panics for an unknown bus.
func (s *Set) Guard(id ID) *Guard {
	g, ok := s.guards[id]
	if !ok {
		panic(fmt.Sprintf("bus: no guard for %s", id))
	}
	return g
}

// Acquire is shorthand for s.Guard(id).Acquire(ctx, owner).
func (s *Set) Acquire(ctx context.Context, id ID, owner string) (*Token, error) {
	return s.Guard(id).Acquire(ctx, owner)
}

// AcquireAll acquires ids in rank order for owner. On failure every token
// obtained so far is released and the error is returned.
func (s *Set) AcquireAll(ctx context.Context, owner string, ids ...ID) ([]*Token, error) {
	ordered := slices.Clone(ids)
	slices.SortFunc(ordered, func(a, b ID) int { return a.Rank() - b.Rank() })

	tokens := make([]*Token, 0, len(ordered))
	for _, id := range ordered {
		tok, err := s.Acquire(ctx, id, owner)
		if err != nil {
			ReleaseAll(tokens)
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// ReleaseAll releases tokens in reverse order.
func ReleaseAll(tokens []*Token) {
	for i := len(tokens) - 1; i >= 0; i-- {
		tokens[i].Release()
	}
}

// AllFree reports whether no guard in the set is held.
func (s *Set) AllFree() bool {
	for _, g := range s.guards {
		if !g.Free() {
			return false
		}
	}
	return true
}

// Holders returns the current holder of each held bus.
func (s *Set) Holders() map[ID]string {
	out := make(map[ID]string)
	for id, g := range s.guards {
		if h := g.Holder(); h != "" {
			out[id] = h
		}
	}
	return out
}

func (s *Set) checkOrder(owner string, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.held[owner] {
		if h.Rank() >= id.Rank() {
			return fmt.Errorf("%w: %s holds %s, cannot take %s", ErrOrder, owner, h, id)
		}
	}
	return nil
}

func (s *Set) noteHeld(owner string, id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.held[owner]
	if !ok {
		m = make(map[ID]struct{}, len(All))
		s.held[owner] = m
	}
	m[id] = struct{}{}
}

func (s *Set) noteReleased(owner string, id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.held[owner]
	delete(m, id)
	if len(m) == 0 {
		delete(s.held, owner)
	}
}
