package node

import (
	"context"
	"sync"
)

// Semaphore bounds in-flight tasks. Its size can change at runtime; shrinking
// below the number of holders only delays new acquisitions.
type Semaphore struct {
	mu   sync.Mutex
	size int
	used int
	wake chan struct{}
}

func NewSemaphore(size int) *Semaphore {
	return &Semaphore{size: size, wake: make(chan struct{})}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.used < s.size {
			s.used++
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// TryAcquire takes a slot only if one is free right now.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.size {
		return false
	}
	s.used++
	return true
}

func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used > 0 {
		s.used--
	}
	s.broadcast()
}

func (s *Semaphore) Resize(size int) {
	if size < 1 {
		size = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	s.broadcast()
}

func (s *Semaphore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// broadcast wakes every waiter; callers hold mu.
func (s *Semaphore) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}
