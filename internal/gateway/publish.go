package gateway

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"tradegate/internal/bus"
	"tradegate/internal/journal"
	"tradegate/internal/schema"
	"tradegate/internal/wire"
)

// publishPeer is one connection on the publish endpoint and the topic
// patterns it asked for. Any inbound frame counts as a sign of life.
type publishPeer struct {
	seq      uint64
	link     *link
	lastSeen atomic.Int64
	expired  atomic.Bool

	mu       sync.Mutex
	patterns map[string]struct{}
}

func (p *publishPeer) touch(now time.Duration) {
	p.lastSeen.Store(int64(now))
}

func (p *publishPeer) seen() time.Duration {
	return time.Duration(p.lastSeen.Load())
}

func (p *publishPeer) add(pattern string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.patterns[pattern]; ok {
		return false
	}
	p.patterns[pattern] = struct{}{}
	return true
}

func (p *publishPeer) remove(pattern string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.patterns[pattern]; !ok {
		return false
	}
	delete(p.patterns, pattern)
	return true
}

func (p *publishPeer) matches(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pattern := range p.patterns {
		if bus.MatchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

func (p *publishPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patterns)
}

func (s *Server) servePublish(ctx context.Context, conn net.Conn) {
	l := newLink(conn, s.cfg.WriteQueueSize)
	s.mu.Lock()
	s.nextConn++
	p := &publishPeer{seq: s.nextConn, link: l, patterns: make(map[string]struct{})}
	p.touch(s.env.Mono.Now())
	s.peers[p.seq] = p
	s.mu.Unlock()
	s.env.Log.Debugf("publish connection %d from %s", p.seq, l.remote())

	go func() {
		if err := l.writeLoop(); err != nil && !isClosedConn(err) {
			s.env.Log.Warnf("write to subscriber %s, err: %v", l.remote(), err)
		}
	}()

	err := s.readLoop(ctx, l, func(t wire.FrameType, payload []byte) {
		p.touch(s.env.Mono.Now())
		switch t {
		case wire.FrameHeartbeat:
		case wire.FrameSubscribe, wire.FrameUnsubscribe:
			m, err := s.codec.Decode(payload)
			if err != nil {
				s.dropFrame(t, len(payload), l.remote(), err)
				return
			}
			pattern := string(m.Payload)
			if t == wire.FrameSubscribe {
				if p.add(pattern) {
					s.env.Log.Debugf("subscriber %s added %q", l.remote(), pattern)
				}
				return
			}
			if p.remove(pattern) {
				s.env.Log.Debugf("subscriber %s removed %q", l.remote(), pattern)
			}
		default:
			s.dropFrame(t, len(payload), l.remote(), errors.Errorf("unexpected %s frame on publish endpoint", t))
		}
	})

	l.close()
	s.mu.Lock()
	delete(s.peers, p.seq)
	s.mu.Unlock()
	if err != nil && !isClosedConn(err) {
		s.env.Log.Warnf("subscriber %s gone, err: %v", l.remote(), err)
	}
}

// fanout pushes one bus event to every matching subscriber. It runs on a bus
// worker, so it never waits on a subscriber: a full queue loses its oldest
// frame instead.
func (s *Server) fanout(_ context.Context, ev schema.Message) error {
	s.mu.RLock()
	targets := make([]*publishPeer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.matches(ev.Topic) {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	b, err := s.codec.Encode(ev)
	if err != nil {
		s.cfg.DeadLetters.Record(journal.FromMessage(s.env.Wall.Now(), ev, "publish", "encode", err))
		return err
	}

	for _, p := range targets {
		evicted, ok := p.link.offerDropOldest(outbound{typ: wire.FrameEvent, payload: b})
		if evicted > 0 {
			for i := 0; i < evicted; i++ {
				s.env.Metrics.IncFrameDropped("slow_subscriber")
			}
			s.env.Log.Warnf("subscriber %s is slow, dropped %d queued event frames before topic=%s", p.link.remote(), evicted, ev.Topic)
			s.cfg.DeadLetters.Record(journal.Entry{
				RecordedAt:  s.env.Wall.Now(),
				Kind:        schema.KindEvent.String(),
				Destination: p.link.remote(),
				Stage:       "slow_subscriber",
				Reason:      "oldest queued event frames evicted",
				Size:        evicted,
			})
		}
		if !ok {
			continue
		}
		s.env.Metrics.IncFrameOut(wire.FrameEvent.String())
	}
	return nil
}
