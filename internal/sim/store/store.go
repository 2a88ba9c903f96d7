package store

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrNotMonotonic = errors.New("store: published state is not a successor")

// Store holds the latest published State. Readers load it without locking;
// only the sequencer publishes.
type Store struct {
	cur      atomic.Pointer[State]
	readOnly atomic.Pointer[string]
}

func New(initial *State) *Store {
	s := &Store{}
	s.cur.Store(initial)
	return s
}

func (s *Store) Current() *State { return s.cur.Load() }

// Publish swaps in next if it directly follows the current state and no
// document version goes backwards.
func (s *Store) Publish(next *State) error {
	cur := s.cur.Load()
	if next == nil {
		return fmt.Errorf("%w: nil state", ErrNotMonotonic)
	}
	if next.Seq != cur.Seq+1 {
		return fmt.Errorf("%w: seq %d after %d", ErrNotMonotonic, next.Seq, cur.Seq)
	}
	for doc, meta := range cur.Docs {
		nm, ok := next.Docs[doc]
		if !ok || nm.Version < meta.Version {
			return fmt.Errorf("%w: document %s regressed", ErrNotMonotonic, doc)
		}
	}
	if !s.cur.CompareAndSwap(cur, next) {
		return fmt.Errorf("%w: concurrent publish", ErrNotMonotonic)
	}
	return nil
}

// Reset replaces the state outright. Used by recovery before the store is
// shared.
func (s *Store) Reset(st *State) { s.cur.Store(st) }

// MarkReadOnly puts the store in degraded mode. It is never cleared at
// runtime; restart after repairing the data directory.
func (s *Store) MarkReadOnly(reason string) {
	s.readOnly.CompareAndSwap(nil, &reason)
}

func (s *Store) ReadOnly() (string, bool) {
	p := s.readOnly.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}
