// Package lane bounds concurrent agent runs with a semaphore that is
// fair across work classes. Interactive traffic gets priority, but
// scheduled and subagent work cannot be starved behind a busy chat.
package lane

import (
	"context"
	"sync"
	"time"
)

// Lane identifies a class of work competing for run permits.
type Lane string

const (
	Interactive Lane = "interactive"
	Scheduled   Lane = "scheduled"
	Subagent    Lane = "subagent"
	Maintenance Lane = "maintenance"
)

// Priority order, highest first.
var lanes = []Lane{Interactive, Scheduled, Subagent, Maintenance}

// Config tunes the semaphore.
type Config struct {
	// Permits is the worker pool size.
	Permits int
	// Starvation promotes any waiter older than this to the front.
	Starvation time.Duration
	// MaxConsecutiveInteractive forces a non-interactive grant after this
	// many interactive grants in a row while other lanes wait.
	MaxConsecutiveInteractive int
}

func (c *Config) applyDefaults() {
	if c.Permits <= 0 {
		c.Permits = 4
	}
	if c.Starvation <= 0 {
		c.Starvation = 60 * time.Second
	}
	if c.MaxConsecutiveInteractive <= 0 {
		c.MaxConsecutiveInteractive = 6
	}
}

type waiter struct {
	lane     Lane
	ready    chan struct{} // closed when a permit is granted
	enqueued time.Time
	granted  bool
	removed  bool
}

// Semaphore is the lane-aware run gate.
type Semaphore struct {
	mu      sync.Mutex
	cfg     Config
	permits int
	queues  map[Lane][]*waiter

	consecutiveInteractive int

	now func() time.Time
}

func New(cfg Config) *Semaphore {
	cfg.applyDefaults()
	return &Semaphore{
		cfg:     cfg,
		permits: cfg.Permits,
		queues:  map[Lane][]*waiter{},
		now:     time.Now,
	}
}

// Acquire blocks until a permit is granted or ctx is done. A canceled
// waiter leaves the queue without consuming a permit.
func (s *Semaphore) Acquire(ctx context.Context, lane Lane) error {
	s.mu.Lock()
	if s.permits > 0 && s.queuesEmptyLocked() {
		s.permits--
		s.recordGrantLocked(lane)
		s.mu.Unlock()
		return nil
	}

	w := &waiter{lane: lane, ready: make(chan struct{}), enqueued: s.now()}
	s.queues[lane] = append(s.queues[lane], w)
	s.dispatchLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Lost the race: the permit arrived alongside cancellation.
			// Hand it back so it is not leaked.
			s.permits++
			s.dispatchLocked()
			s.mu.Unlock()
			return ctx.Err()
		}
		w.removed = true
		s.removeLocked(w)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire grabs a permit without waiting.
func (s *Semaphore) TryAcquire(lane Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits > 0 && s.queuesEmptyLocked() {
		s.permits--
		s.recordGrantLocked(lane)
		return true
	}
	return false
}

// Release returns a permit and wakes the next waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.permits++
	s.dispatchLocked()
	s.mu.Unlock()
}

// Waiting reports queue depth per lane.
func (s *Semaphore) Waiting() map[Lane]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Lane]int, len(lanes))
	for _, l := range lanes {
		out[l] = len(s.queues[l])
	}
	return out
}

// InFlight reports permits currently held.
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Permits - s.permits
}

func (s *Semaphore) queuesEmptyLocked() bool {
	for _, q := range s.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

func (s *Semaphore) dispatchLocked() {
	for s.permits > 0 {
		w := s.pickLocked()
		if w == nil {
			return
		}
		s.permits--
		w.granted = true
		s.recordGrantLocked(w.lane)
		close(w.ready)
	}
}

// pickLocked selects and dequeues the next waiter:
//  1. any waiter past the starvation threshold, oldest first
//  2. a non-interactive waiter when interactive has had its run of
//     consecutive grants
//  3. interactive, then scheduled, subagent, maintenance, FIFO within each
func (s *Semaphore) pickLocked() *waiter {
	now := s.now()

	var starved *waiter
	var starvedLane Lane
	for _, l := range lanes {
		q := s.queues[l]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if now.Sub(head.enqueued) >= s.cfg.Starvation {
			if starved == nil || head.enqueued.Before(starved.enqueued) {
				starved = head
				starvedLane = l
			}
		}
	}
	if starved != nil {
		s.queues[starvedLane] = s.queues[starvedLane][1:]
		return starved
	}

	order := lanes
	if s.consecutiveInteractive >= s.cfg.MaxConsecutiveInteractive && s.hasNonInteractiveLocked() {
		order = []Lane{Scheduled, Subagent, Maintenance, Interactive}
	}
	for _, l := range order {
		if q := s.queues[l]; len(q) > 0 {
			s.queues[l] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (s *Semaphore) hasNonInteractiveLocked() bool {
	for _, l := range lanes {
		if l != Interactive && len(s.queues[l]) > 0 {
			return true
		}
	}
	return false
}

func (s *Semaphore) recordGrantLocked(lane Lane) {
	if lane == Interactive {
		s.consecutiveInteractive++
	} else {
		s.consecutiveInteractive = 0
	}
}

func (s *Semaphore) removeLocked(w *waiter) {
	q := s.queues[w.lane]
	for i, qw := range q {
		if qw == w {
			s.queues[w.lane] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
