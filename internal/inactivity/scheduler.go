// Package inactivity runs one idle timer per chat room. A timer fires once
// after the configured silence unless room activity re-arms it first.
package inactivity

import (
	"context"
	"sync"
	"time"
)

// FireFunc is invoked when a room has been idle for the full timeout. ctx is
// cancelled if the room's timer is cancelled while the call is running.
type FireFunc func(ctx context.Context, roomID string)

type pending struct {
	timer *time.Timer
	gen   uint64
}

type running struct {
	cancel context.CancelFunc
	gen    uint64
}

// Scheduler owns the per-room timers. At most one timer and one running
// firing exist per room.
type Scheduler struct {
	timeout time.Duration
	fire    FireFunc

	mu      sync.Mutex
	gen     uint64
	timers  map[string]pending
	running map[string]running
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler that calls fire after timeout of inactivity.
func New(timeout time.Duration, fire FireFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timeout: timeout,
		fire:    fire,
		timers:  make(map[string]pending),
		running: make(map[string]running),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Timeout returns the configured idle duration.
func (s *Scheduler) Timeout() time.Duration { return s.timeout }

// Arm cancels any pending timer for roomID and schedules a new firing.
func (s *Scheduler) Arm(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if p, ok := s.timers[roomID]; ok {
		p.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.timers[roomID] = pending{
		gen:   gen,
		timer: time.AfterFunc(s.timeout, func() { s.expire(roomID, gen) }),
	}
}

// Cancel stops the pending timer for roomID and cancels the context of a
// firing already in progress. It reports whether anything was cancelled.
func (s *Scheduler) Cancel(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if p, ok := s.timers[roomID]; ok {
		p.timer.Stop()
		delete(s.timers, roomID)
		found = true
	}
	if r, ok := s.running[roomID]; ok {
		r.cancel()
		delete(s.running, roomID)
		found = true
	}
	return found
}

// Pending reports whether roomID has an armed timer.
func (s *Scheduler) Pending(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[roomID]
	return ok
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and running firing, then waits for in-flight
// firings to return. Arm is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	s.running = make(map[string]running)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) expire(roomID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.timers[roomID]
	// A Stop that raced with the timer callback leaves a stale generation.
	if !ok || p.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, roomID)

	ctx, cancel := context.WithCancel(s.ctx)
	s.running[roomID] = running{cancel: cancel, gen: gen}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if r, ok := s.running[roomID]; ok && r.gen == gen {
			delete(s.running, roomID)
		}
		s.mu.Unlock()
		cancel()
	}()

	s.fire(ctx, roomID)
}
