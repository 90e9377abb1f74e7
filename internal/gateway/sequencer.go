// ABOUTME: Per-conversation sequencer so persist-then-broadcast runs one send at a time
// ABOUTME: Keyed channel semaphores, created on demand and dropped when idle

package gateway

import (
	"context"
	"sync"
)

// sequencer serializes work per key. Broadcasts for a conversation are issued
// inside the critical section, so members see them in persistence order.
type sequencer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int // holders plus waiters
}

func newSequencer() *sequencer {
	return &sequencer{slots: make(map[string]*slot)}
}

// acquire blocks until key is free or ctx is done. The returned release must
// be called exactly once.
func (s *sequencer) acquire(ctx context.Context, key string) (release func(), err error) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		s.drop(key, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.sem
			s.drop(key, sl)
		})
	}, nil
}

func (s *sequencer) drop(key string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}

// active returns the number of keys held or waited on.
func (s *sequencer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
