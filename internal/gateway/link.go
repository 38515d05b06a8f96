package gateway

import (
	"context"
	"net"
	"sync"

	"tradegate/internal/wire"
	"tradegate/pkg/exception"
)

type outbound struct {
	typ     wire.FrameType
	payload []byte
}

// link owns one connection: a bounded outbound queue drained by a single
// writer goroutine, so frames from different producers never interleave.
type link struct {
	conn  net.Conn
	queue chan outbound
	done  chan struct{}
	once  sync.Once
}

func newLink(conn net.Conn, capacity int) *link {
	if capacity <= 0 {
		capacity = 1
	}
	return &link{
		conn:  conn,
		queue: make(chan outbound, capacity),
		done:  make(chan struct{}),
	}
}

func (l *link) remote() string {
	if addr := l.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// send waits for room in the queue.
func (l *link) send(ctx context.Context, f outbound) error {
	select {
	case <-l.done:
		return exception.ErrConnectionClose
	default:
	}
	select {
	case l.queue <- f:
		return nil
	case <-l.done:
		return exception.ErrConnectionClose
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues f only if there is room.
func (l *link) trySend(f outbound) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- f:
		return true
	default:
		return false
	}
}

// offerDropOldest queues f, evicting the oldest queued frame when full. It
// reports how many frames were evicted.
func (l *link) offerDropOldest(f outbound) (evicted int, ok bool) {
	select {
	case <-l.done:
		return 0, false
	default:
	}
	for {
		select {
		case l.queue <- f:
			return evicted, true
		default:
			select {
			case <-l.queue:
				evicted++
			default:
				return evicted, false
			}
		}
	}
}

// writeLoop writes queued frames until the link closes or a write fails.
func (l *link) writeLoop() error {
	for {
		select {
		case <-l.done:
			return nil
		case f := <-l.queue:
			if err := wire.WriteFrame(l.conn, f.typ, f.payload); err != nil {
				l.close()
				return err
			}
		}
	}
}

func (l *link) closed() <-chan struct{} {
	return l.done
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
