// Package scheduler runs timed and recurring jobs against the monotonic
// clock. Wall-clock corrections never move a job.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"tradegate/internal/env"
	"tradegate/pkg/exception"
)

// DefaultMaxWait bounds how long Run sleeps between checks.
const DefaultMaxWait = time.Second

// Action is the work of a job. due is the monotonic time the firing was
// scheduled for, which lags the current time when the loop runs late.
type Action func(ctx context.Context, due time.Duration) error

type Options struct {
	MaxWait time.Duration
}

// Handle cancels a scheduled job.
type Handle struct {
	j *job
}

// Cancel stops the job. A cancelled job never runs again, including a firing
// that is already due but not yet started.
func (h *Handle) Cancel() {
	if h == nil || h.j == nil {
		return
	}
	h.j.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h != nil && h.j != nil && h.j.cancelled.Load()
}

type job struct {
	seq       uint64
	name      string
	dueAt     time.Duration
	interval  time.Duration
	action    Action
	cancelled atomic.Bool
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].dueAt == h[j].dueAt {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt < h[j].dueAt
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Scheduler keeps jobs ordered by due time. Registration is safe from any
// goroutine; actions run on the goroutine calling Run or RunDue.
type Scheduler struct {
	env     env.Env
	maxWait time.Duration

	mu   sync.Mutex
	jobs jobHeap
	seq  uint64
	wake chan struct{}
}

func New(e env.Env, opt Options) *Scheduler {
	if opt.MaxWait <= 0 {
		opt.MaxWait = DefaultMaxWait
	}
	return &Scheduler{
		env:     e.Named("scheduler"),
		maxWait: opt.MaxWait,
		wake:    make(chan struct{}, 1),
	}
}

// At schedules action once at the monotonic time due.
func (s *Scheduler) At(name string, due time.Duration, action Action) *Handle {
	return s.add(name, due, 0, action)
}

// After schedules action once, d from now.
func (s *Scheduler) After(name string, d time.Duration, action Action) *Handle {
	return s.add(name, s.env.Mono.Now()+d, 0, action)
}

// Every schedules action now and then every interval.
func (s *Scheduler) Every(name string, interval time.Duration, action Action) (*Handle, error) {
	return s.EveryFrom(name, s.env.Mono.Now(), interval, action)
}

// EveryFrom schedules action at start and then every interval. Firings
// missed while the loop was delayed each run once, in order.
func (s *Scheduler) EveryFrom(name string, start, interval time.Duration, action Action) (*Handle, error) {
	if interval <= 0 {
		return nil, exception.NewValidationError("interval", "must be positive")
	}
	return s.add(name, start, interval, action), nil
}

func (s *Scheduler) add(name string, due, interval time.Duration, action Action) *Handle {
	s.mu.Lock()
	s.seq++
	j := &job{seq: s.seq, name: name, dueAt: due, interval: interval, action: action}
	heap.Push(&s.jobs, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return &Handle{j: j}
}

// Len returns the number of queued jobs, cancelled ones included until they
// are skipped.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Len()
}

// next pops the earliest live job due at or before now.
func (s *Scheduler) next(now time.Duration) (*job, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.jobs.Len() > 0 {
		j := s.jobs[0]
		if j.cancelled.Load() {
			heap.Pop(&s.jobs)
			continue
		}
		if j.dueAt > now {
			return nil, 0, false
		}
		heap.Pop(&s.jobs)
		due := j.dueAt
		if j.interval > 0 {
			j.dueAt += j.interval
			heap.Push(&s.jobs, j)
		}
		return j, due, true
	}
	return nil, 0, false
}

// RunDue runs every firing due at or before now and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Duration) int {
	ran := 0
	for ctx.Err() == nil {
		j, due, ok := s.next(now)
		if !ok {
			break
		}
		if j.cancelled.Load() {
			continue
		}
		s.execute(ctx, j, due)
		ran++
	}
	return ran
}

func (s *Scheduler) execute(ctx context.Context, j *job, due time.Duration) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
		}()
		return j.action(ctx, due)
	}()

	s.env.Metrics.IncSchedulerRun(err != nil)
	if err != nil {
		s.env.Log.Errorf("job %s due at %s failed, err: %+v", j.name, due, err)
	}
}

// wait returns how long Run may sleep before the next check.
func (s *Scheduler) wait(now time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.maxWait
	if s.jobs.Len() > 0 {
		if until := s.jobs[0].dueAt - now; until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run drives the scheduler until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.env.Mono.NewTimer(s.maxWait)
	defer timer.Stop()

	for {
		s.RunDue(ctx, s.env.Mono.Now())

		d := s.wait(s.env.Mono.Now())
		if !timer.Stop() {
			select {
			case <-timer.C():
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
		case <-s.wake:
		}
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(jobs=%d)", s.Len())
}
