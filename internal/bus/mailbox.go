package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/clock"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

type result struct {
	msg schema.Message
	err error
}

type envelope struct {
	msg   schema.Message
	reply chan result
}

// mailbox is a bounded FIFO owned by one component or subscription. The
// scheduled flag guarantees at most one worker drains it at a time.
type mailbox struct {
	name      string
	queue     chan envelope
	scheduled atomic.Bool
	deliver   func(ctx context.Context, e envelope)
}

func newMailbox(name string, capacity int, deliver func(ctx context.Context, e envelope)) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &mailbox{name: name, queue: make(chan envelope, capacity), deliver: deliver}
}

// offer enqueues e according to the overflow policy.
func (mb *mailbox) offer(ctx context.Context, e envelope, policy Overflow, timeout time.Duration, mono clock.Monotonic) error {
	select {
	case mb.queue <- e:
		return nil
	default:
	}
	if policy == OverflowDropNewest {
		return exception.ErrMailboxFull
	}

	timer := mono.NewTimer(timeout)
	defer timer.Stop()
	select {
	case mb.queue <- e:
		return nil
	case <-timer.C():
		return exception.ErrMailboxFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

const drainBatch = 64

// dispatcher runs ready mailboxes on a fixed pool of workers.
type dispatcher struct {
	mu      sync.Mutex
	work    *sync.Cond
	idle    *sync.Cond
	ready   []*mailbox
	pending int
	stopped bool
	wg      sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.work = sync.NewCond(&d.mu)
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.loop(ctx)
		}()
	}
}

// acquire counts a message about to enter a mailbox.
func (d *dispatcher) acquire() {
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
}

// release counts a message that left the bus, delivered or not.
func (d *dispatcher) release() {
	d.mu.Lock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

func (d *dispatcher) schedule(mb *mailbox) {
	if !mb.scheduled.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	d.ready = append(d.ready, mb)
	d.mu.Unlock()
	d.work.Signal()
}

func (d *dispatcher) loop(ctx context.Context) {
	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.stopped {
			d.work.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		mb := d.ready[0]
		d.ready[0] = nil
		d.ready = d.ready[1:]
		d.mu.Unlock()

		d.drain(ctx, mb)
	}
}

func (d *dispatcher) drain(ctx context.Context, mb *mailbox) {
batch:
	for i := 0; i < drainBatch; i++ {
		select {
		case e := <-mb.queue:
			mb.deliver(ctx, e)
			d.release()
		default:
			break batch
		}
	}

	mb.scheduled.Store(false)
	if len(mb.queue) > 0 {
		d.schedule(mb)
	}
}

// stop waits until every accepted message is delivered, then ends the
// workers.
func (d *dispatcher) stop() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.stopped = true
	d.work.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}
