package plugin

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/paychan/internal/app/system"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// deadline is one pending expiry.
type deadline struct {
	id    string
	at    time.Time
	index int
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// ExpireFunc is invoked once per fired deadline with the transfer id.
type ExpireFunc func(ctx context.Context, id string)

// ExpiryScheduler drives the prepared → cancelled transition for transfers
// that outlive their deadline. One goroutine sleeps until the earliest
// deadline; scheduling an earlier one wakes it.
type ExpiryScheduler struct {
	log    *logger.Logger
	expire ExpireFunc

	mu      sync.Mutex
	heap    deadlineHeap
	pending map[string]*deadline
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*ExpiryScheduler)(nil)

// NewExpiryScheduler creates a scheduler that calls expire for each due id.
func NewExpiryScheduler(expire ExpireFunc, log *logger.Logger) *ExpiryScheduler {
	if log == nil {
		log = logger.NewDefault("expiry")
	}
	return &ExpiryScheduler{
		log:     log,
		expire:  expire,
		pending: make(map[string]*deadline),
		wake:    make(chan struct{}, 1),
	}
}

func (s *ExpiryScheduler) Name() string { return "expiry-scheduler" }

func (s *ExpiryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
	return nil
}

func (s *ExpiryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule arms a one-shot deadline for id. Rescheduling an id keeps the
// earlier deadline.
func (s *ExpiryScheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[id]; ok {
		if !at.Before(existing.at) {
			return
		}
		existing.at = at
		heap.Fix(&s.heap, existing.index)
	} else {
		d := &deadline{id: id, at: at}
		heap.Push(&s.heap, d)
		s.pending[id] = d
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Unschedule drops the deadline for id, if any.
func (s *ExpiryScheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.pending[id]
	if !ok {
		return
	}
	heap.Remove(&s.heap, d.index)
	delete(s.pending, id)
}

func (s *ExpiryScheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue(ctx)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue pops every deadline at or before now and runs the expire callback
// outside the lock.
func (s *ExpiryScheduler) fireDue(ctx context.Context) {
	now := time.Now()

	var due []string
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		d := heap.Pop(&s.heap).(*deadline)
		delete(s.pending, d.id)
		due = append(due, d.id)
	}
	s.mu.Unlock()

	for _, id := range due {
		s.expire(ctx, id)
	}
}
