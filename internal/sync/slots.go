package sync

import (
	"context"
	gosync "sync"
)

// slots is the per-account mutual exclusion used by jobs and by mailbox
// operations. Each account owns a one-element channel; holding the slot
// means having sent into it.
type slots struct {
	mu   gosync.Mutex
	held map[string]chan struct{}
}

func newSlots() *slots {
	return &slots{held: make(map[string]chan struct{})}
}

func (s *slots) get(accountID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.held[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.held[accountID] = ch
	}
	return ch
}

// tryAcquire takes the slot without waiting.
func (s *slots) tryAcquire(accountID string) bool {
	select {
	case s.get(accountID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits for the slot or for ctx.
func (s *slots) acquire(ctx context.Context, accountID string) error {
	select {
	case s.get(accountID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewError(KindCancelled, "acquire account slot", ctx.Err())
	}
}

func (s *slots) lookup(accountID string) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.held[accountID]
	return ch, ok
}

func (s *slots) release(accountID string) {
	ch, ok := s.lookup(accountID)
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// busy reports whether the slot is currently held.
func (s *slots) busy(accountID string) bool {
	ch, ok := s.lookup(accountID)
	return ok && len(ch) == 1
}

// forget drops the slot of a deleted account.
func (s *slots) forget(accountID string) {
	s.mu.Lock()
	delete(s.held, accountID)
	s.mu.Unlock()
}
