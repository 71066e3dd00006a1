package engine

import (
	"context"
	"sync"
)

// Sequencer serializes work per key in arrival order. Each caller takes a
// ticket that becomes valid when the previous ticket for the key is released;
// different keys never wait on each other.
type Sequencer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	tail chan struct{}
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{slots: make(map[string]*slot)}
}

// Acquire blocks until the caller owns key or ctx ends. The returned release
// must be called exactly once; extra calls are ignored.
func (s *Sequencer) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	sl := s.slots[key]
	if sl == nil {
		sl = &slot{}
		s.slots[key] = sl
	}
	prev := sl.tail
	mine := make(chan struct{})
	sl.tail = mine
	sl.refs++
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Our ticket is already in the chain; pass it on once it comes up.
			go func() {
				<-prev
				s.release(key, sl, mine)
			}()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(func() { s.release(key, sl, mine) }) }, nil
}

func (s *Sequencer) release(key string, sl *slot, mine chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(mine)
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}

// Keys returns how many keys currently have holders or waiters.
func (s *Sequencer) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
