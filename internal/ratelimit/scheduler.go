package ratelimit

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/metrics"
)

// Scheduler is the process-global governor for provider-bound work. It
// enforces a concurrency cap and a minimum interval between launches; the
// interval is ceil(60000/ratePerMinute)+1000 ms, the extra second absorbing
// token fetches and provider-side measurement jitter.
//
// Queued work runs in priority order (higher first), FIFO within a
// priority. Launches are spaced globally even when the cap allows several
// tasks to run at once.
type Scheduler struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       taskQueue
	running     int
	concurrency int
	perMinute   int
	closed      bool
	seq         uint64

	limiter *rate.Limiter
}

type task struct {
	priority int
	seq      uint64
	ctx      context.Context
	fn       func(context.Context) error
	errc     chan error
	once     sync.Once
}

func (t *task) finish(err error) {
	t.once.Do(func() { t.errc <- err })
}

func New(ratePerMinute, concurrency int) (*Scheduler, error) {
	if ratePerMinute < 1 {
		return nil, fmt.Errorf("%w: rate per minute must be >= 1", domain.ErrPrecondition)
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency must be >= 1", domain.ErrPrecondition)
	}

	s := &Scheduler{
		concurrency: concurrency,
		perMinute:   ratePerMinute,
		limiter:     rate.NewLimiter(rate.Every(MinInterval(ratePerMinute)), 1),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch()
	return s, nil
}

// MinInterval derives the spacing between launches from a per-minute rate.
func MinInterval(ratePerMinute int) time.Duration {
	ms := int64(math.Ceil(60000/float64(ratePerMinute))) + 1000
	return time.Duration(ms) * time.Millisecond
}

// Schedule enqueues fn and blocks until it finished, the caller's context
// died, or the scheduler closed. fn receives the caller's context.
func (s *Scheduler) Schedule(ctx context.Context, priority int, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil task", domain.ErrPrecondition)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSchedulerClosed
	}
	s.seq++
	t := &task{
		priority: priority,
		seq:      s.seq,
		ctx:      ctx,
		fn:       fn,
		errc:     make(chan error, 1),
	}
	heap.Push(&s.queue, t)
	metrics.SetLimiterQueueDepth(s.queue.Len())
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case err := <-t.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until nothing is queued or running, or ctx expires.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.closed && (s.queue.Len() > 0 || s.running > 0) {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate re-derives the launch interval; in-flight waits pick it up on the
// next reservation.
func (s *Scheduler) SetRate(ratePerMinute int) error {
	if ratePerMinute < 1 {
		return fmt.Errorf("%w: rate per minute must be >= 1", domain.ErrPrecondition)
	}
	s.mu.Lock()
	s.perMinute = ratePerMinute
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Every(MinInterval(ratePerMinute)))
	return nil
}

func (s *Scheduler) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", domain.ErrPrecondition)
	}
	s.mu.Lock()
	s.concurrency = n
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Rate returns the effective settings (per-minute rate, concurrency).
func (s *Scheduler) Rate() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perMinute, s.concurrency
}

// Close fails queued tasks with ErrSchedulerClosed; running tasks finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		for !s.closed && (s.queue.Len() == 0 || s.running >= s.concurrency) {
			s.cond.Wait()
		}
		if s.closed {
			for s.queue.Len() > 0 {
				t := heap.Pop(&s.queue).(*task)
				t.finish(domain.ErrSchedulerClosed)
			}
			metrics.SetLimiterQueueDepth(0)
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		t := heap.Pop(&s.queue).(*task)
		metrics.SetLimiterQueueDepth(s.queue.Len())

		if t.ctx.Err() != nil {
			// abandoned while queued
			t.finish(t.ctx.Err())
			s.cond.Broadcast()
			s.mu.Unlock()
			continue
		}

		s.running++
		s.mu.Unlock()

		// Spacing gate. Serialized here so starts stay MinInterval apart
		// across the whole process regardless of the concurrency cap.
		if err := s.limiter.Wait(t.ctx); err != nil {
			t.finish(err)
			s.mu.Lock()
			s.running--
			s.cond.Broadcast()
			s.mu.Unlock()
			continue
		}

		go func(t *task) {
			t.finish(t.fn(t.ctx))
			s.mu.Lock()
			s.running--
			s.cond.Broadcast()
			s.mu.Unlock()
		}(t)
	}
}

// taskQueue is a max-heap on priority with FIFO tie-break.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
