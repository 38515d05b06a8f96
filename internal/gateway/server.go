// Package gateway moves messages between the in-process bus and remote
// components over the wire protocol.
//
// A Server exposes two endpoints. The request endpoint carries correlated
// request/response traffic and is rate limited per client; the publish
// endpoint pushes bus events to subscribers best-effort. Client and
// Subscriber are the matching remote ends.
package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/yanun0323/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/bus"
	"tradegate/internal/env"
	"tradegate/internal/journal"
	"tradegate/internal/ratelimit"
	"tradegate/internal/schema"
	"tradegate/internal/scheduler"
	"tradegate/internal/session"
	"tradegate/internal/wire"
	"tradegate/pkg/exception"
	"tradegate/pkg/transport"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultSessionTimeout    = 5 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultWriteQueueSize    = 1024
	DefaultPublishPattern    = "*"
	DefaultLoginSkew         = 30 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	RequestAddr schema.NetworkAddress
	PublishAddr schema.NetworkAddress
	Codec       wire.Settings
	// Limits maps a route category to its bucket.
	Limits            map[string]ratelimit.Limit
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	// RequestTimeout bounds how long a request waits for its component.
	RequestTimeout time.Duration
	// SessionSecret, when set, makes clients prove their session id.
	SessionSecret string
	// LoginSkew bounds the distance between the server clock and the
	// issue time of a verified login.
	LoginSkew time.Duration
	// PublishPattern selects the bus topics pushed to subscribers.
	PublishPattern string
	MaxFrameSize   int
	WriteQueueSize int
	DeadLetters    journal.Sink
}

func (c *ServerConfig) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.LoginSkew <= 0 {
		c.LoginSkew = DefaultLoginSkew
	}
	if c.PublishPattern == "" {
		c.PublishPattern = DefaultPublishPattern
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.DeadLetters == nil {
		c.DeadLetters = journal.Nop{}
	}
}

// Route sends a message type to a bus destination under a rate limit
// category.
type Route struct {
	Type        string
	Destination string
	Category    string
}

// Server is the gateway endpoint components connect to.
type Server struct {
	env     env.Env
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	cfg     ServerConfig
	codec   *wire.Pipeline
	factory schema.Factory
	quotas  *quotas

	reqLn *transport.Listener
	pubLn *transport.Listener

	mu       sync.RWMutex
	routes   map[string]Route
	sessions map[uint64]*serverSession
	peers    map[uint64]*publishPeer
	nextConn uint64

	busSub  *bus.Subscription
	expiry  *scheduler.Handle
	cancel  context.CancelFunc
	serving atomic.Bool
	closed  atomic.Bool
	conns   sync.WaitGroup
}

// NewServer validates cfg and builds a server. Call Listen or Serve to start
// it.
func NewServer(e env.Env, b *bus.Bus, sched *scheduler.Scheduler, cfg ServerConfig) (*Server, error) {
	if b == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "bus")
	}
	if sched == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "scheduler")
	}
	cfg.normalize()
	if _, err := schema.NewNetworkAddress(cfg.RequestAddr.Host, cfg.RequestAddr.Port); err != nil {
		return nil, err
	}
	if _, err := schema.NewNetworkAddress(cfg.PublishAddr.Host, cfg.PublishAddr.Port); err != nil {
		return nil, err
	}
	for category, limit := range cfg.Limits {
		if _, err := ratelimit.NewBucket(limit, ratelimit.StartFull, e.Mono); err != nil {
			return nil, exception.NewValidationError("limits."+category, err.Error())
		}
	}
	codec, err := wire.NewPipeline(cfg.Codec)
	if err != nil {
		return nil, err
	}
	reqLn, err := transport.NewListener(cfg.RequestAddr.Network(), cfg.RequestAddr.String())
	if err != nil {
		return nil, err
	}
	pubLn, err := transport.NewListener(cfg.PublishAddr.Network(), cfg.PublishAddr.String())
	if err != nil {
		return nil, err
	}

	return &Server{
		env:      e.Named("gateway"),
		bus:      b,
		sched:    sched,
		cfg:      cfg,
		codec:    codec,
		factory:  schema.NewFactory(e.IDs, e.Wall),
		quotas:   newQuotas(cfg.Limits, e.Mono),
		reqLn:    reqLn,
		pubLn:    pubLn,
		routes:   make(map[string]Route),
		sessions: make(map[uint64]*serverSession),
		peers:    make(map[uint64]*publishPeer),
	}, nil
}

// Route maps typeName to destination. Requests of that type take one token
// from category; an empty category is not limited.
func (s *Server) Route(typeName, destination, category string) error {
	if typeName == "" {
		return exception.NewValidationError("route.type", "is empty")
	}
	if typeName == TypeLogin {
		return exception.NewValidationError("route.type", "Login is reserved")
	}
	if destination == "" {
		return exception.NewValidationError("route.destination", "is empty")
	}
	s.mu.Lock()
	s.routes[typeName] = Route{Type: typeName, Destination: destination, Category: category}
	s.mu.Unlock()
	return nil
}

// Routes returns the configured routes sorted by type.
func (s *Server) Routes() []Route {
	s.mu.RLock()
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (s *Server) route(typeName string) (Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[typeName]
	return r, ok
}

// Listen binds both endpoints.
func (s *Server) Listen() error {
	if err := s.reqLn.Listen(); err != nil {
		return &exception.ConnectionError{Addr: s.cfg.RequestAddr.String(), Err: err}
	}
	if err := s.pubLn.Listen(); err != nil {
		_ = s.reqLn.Close()
		return &exception.ConnectionError{Addr: s.cfg.PublishAddr.String(), Err: err}
	}
	return nil
}

// RequestAddr returns the bound request endpoint address.
func (s *Server) RequestAddr() net.Addr { return s.reqLn.Addr() }

// PublishAddr returns the bound publish endpoint address.
func (s *Server) PublishAddr() net.Addr { return s.pubLn.Addr() }

// Sessions returns the number of logged in sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ss := range s.sessions {
		if !ss.identity().id.IsNone() {
			n++
		}
	}
	return n
}

// Subscriptions returns the number of topic patterns held by publish
// subscribers.
func (s *Server) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		n += p.count()
	}
	return n
}

// Serve accepts connections until ctx is done or Close is called. Listen is
// called first when the endpoints are not bound yet.
func (s *Server) Serve(ctx context.Context) error {
	if s.closed.Load() {
		return exception.ErrServerClosed
	}
	if !s.serving.CompareAndSwap(false, true) {
		return exception.ErrAlreadyServing
	}
	if s.reqLn.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	sub, err := s.bus.Subscribe(s.cfg.PublishPattern, s.fanout)
	if err != nil {
		return err
	}
	expiry, err := s.sched.Every("session expiry", s.cfg.HeartbeatInterval, s.expireIdle)
	if err != nil {
		sub.Close()
		return err
	}
	s.mu.Lock()
	s.busSub = sub
	s.expiry = expiry
	s.mu.Unlock()

	s.env.Log.Infof("serving requests on %s, publishing on %s (codec=%s encryption=%s)",
		s.reqLn.Addr(), s.pubLn.Addr(), s.codec.Compression(), s.codec.Encryption())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.acceptLoop(egCtx, s.reqLn, s.serveRequests) })
	eg.Go(func() error { return s.acceptLoop(egCtx, s.pubLn, s.servePublish) })
	eg.Go(func() error {
		<-egCtx.Done()
		s.shutdown()
		return nil
	})
	err = eg.Wait()
	s.conns.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln *transport.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, transport.ErrNotListening) {
				return nil
			}
			return &exception.ConnectionError{Addr: ln.Network(), Err: err}
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handle(ctx, conn)
		}()
	}
}

func (s *Server) shutdown() {
	_ = s.reqLn.Close()
	_ = s.pubLn.Close()

	s.mu.RLock()
	if s.busSub != nil {
		s.busSub.Close()
	}
	s.expiry.Cancel()
	for _, ss := range s.sessions {
		ss.link.close()
	}
	for _, p := range s.peers {
		p.link.close()
	}
	s.mu.RUnlock()
}

// Close stops accepting, drops every connection and waits for connection
// handlers to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return exception.ErrServerClosed
	}
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	err := multierr.Combine(s.reqLn.Close(), s.pubLn.Close())
	s.shutdown()
	s.conns.Wait()
	return err
}

func (s *Server) register(l *link) *serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConn++
	ss := &serverSession{seq: s.nextConn, link: l}
	ss.touch(s.env.Mono.Now())
	s.sessions[ss.seq] = ss
	return ss
}

func (s *Server) unregister(ss *serverSession) {
	s.mu.Lock()
	delete(s.sessions, ss.seq)
	s.mu.Unlock()
}

// serveRequests runs one request connection: frames are decoded and handled
// in arrival order on this goroutine, responses leave through the link.
func (s *Server) serveRequests(ctx context.Context, conn net.Conn) {
	l := newLink(conn, s.cfg.WriteQueueSize)
	ss := s.register(l)
	s.env.Log.Debugf("request connection %d from %s", ss.seq, l.remote())

	go func() {
		if err := l.writeLoop(); err != nil && !isClosedConn(err) {
			s.env.Log.Warnf("write to %s, err: %v", l.remote(), err)
		}
	}()

	var wg sync.WaitGroup
	err := s.readLoop(ctx, l, func(t wire.FrameType, payload []byte) {
		ss.touch(s.env.Mono.Now())
		switch t {
		case wire.FrameHeartbeat:
		case wire.FrameRequest:
			m, err := s.codec.Decode(payload)
			if err != nil {
				s.dropFrame(t, len(payload), l.remote(), err)
				return
			}
			s.handleRequest(ctx, ss, m, &wg)
		default:
			s.dropFrame(t, len(payload), l.remote(), errors.Errorf("unexpected %s frame on request endpoint", t))
		}
	})
	wg.Wait()
	l.close()
	s.unregister(ss)
	s.endSession(ss, err)
}

// readLoop reads frames until the connection fails. Bad frames are reported
// and skipped.
func (s *Server) readLoop(ctx context.Context, l *link, handle func(wire.FrameType, []byte)) error {
	for ctx.Err() == nil {
		t, payload, err := wire.ReadFrame(l.conn, s.cfg.MaxFrameSize)
		if err != nil {
			var cerr *exception.CodecError
			if stderrors.As(err, &cerr) {
				s.dropFrame(t, cerr.Size, l.remote(), err)
				continue
			}
			return err
		}
		s.env.Metrics.IncFrameIn(t.String())
		handle(t, payload)
	}
	return ctx.Err()
}

func (s *Server) dropFrame(t wire.FrameType, size int, remote string, err error) {
	stage := exception.StageFrame
	var cerr *exception.CodecError
	if stderrors.As(err, &cerr) {
		stage = cerr.Stage
		s.env.Metrics.IncCodecFailure(cerr.Stage, cerr.Direction)
	}
	s.env.Metrics.IncFrameDropped(stage)
	s.env.Log.Warnf("drop %s frame size=%d from=%s stage=%s, err: %v", t, size, remote, stage, err)
	s.cfg.DeadLetters.Record(journal.Entry{
		RecordedAt:  s.env.Wall.Now(),
		Kind:        t.String(),
		Destination: remote,
		Stage:       stage,
		Size:        size,
		Reason:      err.Error(),
	})
}

func (s *Server) handleRequest(ctx context.Context, ss *serverSession, m schema.Message, wg *sync.WaitGroup) {
	if m.Type == TypeLogin {
		s.login(ctx, ss, m)
		return
	}

	who := ss.identity()
	if who.id.IsNone() || session.ID(m.SessionID) != who.id {
		s.reject(ctx, ss, m, schema.RejectUnauthenticated)
		return
	}
	m.ClientID = who.clientID

	switch m.Kind {
	case schema.KindCommand, schema.KindRequest, schema.KindDocument, schema.KindString:
	default:
		s.reject(ctx, ss, m, schema.RejectInvalid)
		return
	}

	r, ok := s.route(m.Type)
	if !ok {
		s.reject(ctx, ss, m, schema.RejectUnknownType)
		return
	}
	if err := who.buckets.TryAcquire(r.Category, 1); err != nil {
		s.env.Metrics.IncThrottled(r.Category)
		s.reject(ctx, ss, m, schema.RejectThrottled)
		return
	}

	if m.Kind == schema.KindRequest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ask(ctx, ss, m, r)
		}()
		return
	}

	if err := s.bus.Send(ctx, m, r.Destination); err != nil {
		s.undelivered(ss, m, r, "dispatch", err)
		s.reject(ctx, ss, m, schema.RejectUnavailable)
		return
	}
	resp, err := s.factory.Ack(m, nil)
	if err != nil {
		s.env.Log.Errorf("build ack for %s, err: %+v", m.ID, err)
		return
	}
	s.respond(ctx, ss, resp)
}

func (s *Server) ask(ctx context.Context, ss *serverSession, m schema.Message, r Route) {
	askCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.bus.Ask(askCtx, m, r.Destination)
	if err != nil {
		s.undelivered(ss, m, r, "ask", err)
		s.reject(ctx, ss, m, schema.RejectUnavailable)
		return
	}
	if resp.Kind != schema.KindResponse {
		s.env.Log.Errorf("%s answered %s with a %s", r.Destination, m.Type, resp.Kind)
		s.reject(ctx, ss, m, schema.RejectUnavailable)
		return
	}
	// responders build replies from the request, but the correlation is
	// owned by the gateway
	resp.CorrelationID = m.CorrelationID
	resp.ClientID = m.ClientID
	resp.SessionID = m.SessionID
	s.respond(ctx, ss, resp)
}

// undelivered reports a request the bus did not take. Mailbox overflow and a
// closed bus are journaled so the lost command can be traced.
func (s *Server) undelivered(ss *serverSession, m schema.Message, r Route, op string, err error) {
	if !bus.IsDrop(err) {
		s.env.Log.Warnf("%s %s id=%s to %s, err: %v", op, m.Type, m.ID, r.Destination, err)
		return
	}
	s.env.Metrics.IncFrameDropped("bus")
	s.env.Log.Warnf("%s %s id=%s from %s dropped by %s, err: %v", op, m.Type, m.ID, ss.link.remote(), r.Destination, err)
	s.cfg.DeadLetters.Record(journal.FromMessage(s.env.Wall.Now(), m, r.Destination, "bus", err))
}

func (s *Server) login(ctx context.Context, ss *serverSession, m schema.Message) {
	if m.ClientID == "" {
		s.reject(ctx, ss, m, schema.RejectInvalid)
		return
	}
	var p loginPayload
	if err := cbor.Unmarshal(m.Payload, &p); err != nil || p.IssuedAt == nil {
		s.reject(ctx, ss, m, schema.RejectInvalid)
		return
	}
	issuedAt := time.Unix(0, *p.IssuedAt).UTC()

	var id session.ID
	if s.cfg.SessionSecret != "" {
		id = session.ID(m.SessionID)
		if skew := s.env.Wall.Now().Sub(issuedAt).Abs(); skew > s.cfg.LoginSkew {
			s.env.Log.Warnf("login of %s from %s issued %s away from now", m.ClientID, ss.link.remote(), skew)
			s.reject(ctx, ss, m, schema.RejectUnauthenticated)
			return
		}
		if !session.Verify(id, m.ClientID, issuedAt, s.cfg.SessionSecret) {
			s.env.Log.Warnf("login of %s from %s failed verification", m.ClientID, ss.link.remote())
			s.reject(ctx, ss, m, schema.RejectUnauthenticated)
			return
		}
	} else {
		id = session.Create(m.ClientID, s.env.Wall.Now(), "")
	}

	heartbeat, err := s.sched.Every("heartbeat "+id.String(), s.cfg.HeartbeatInterval, func(context.Context, time.Duration) error {
		if !ss.link.trySend(outbound{typ: wire.FrameHeartbeat}) {
			s.env.Metrics.IncFrameDropped("heartbeat")
		}
		return nil
	})
	if err != nil {
		s.reject(ctx, ss, m, schema.RejectUnavailable)
		return
	}

	// a repeated login of the same client keeps its buckets
	prev := ss.identity()
	buckets := prev.buckets
	if prev.clientID != m.ClientID {
		if buckets, err = s.quotas.acquire(m.ClientID); err != nil {
			heartbeat.Cancel()
			s.env.Log.Errorf("create buckets, err: %+v", err)
			s.reject(ctx, ss, m, schema.RejectUnavailable)
			return
		}
		if prev.clientID != "" {
			s.quotas.release(prev.clientID)
		}
	}

	previous := ss.login(identity{id: id, clientID: m.ClientID, buckets: buckets}, heartbeat)
	previous.Cancel()

	resp, err := s.factory.Ack(m, nil)
	if err != nil {
		s.env.Log.Errorf("build login ack, err: %+v", err)
		return
	}
	resp.SessionID = string(id)
	s.respond(ctx, ss, resp)

	s.env.Metrics.SetSessions(s.Sessions())
	s.env.Log.Infof("session %s connected from %s", id, ss.link.remote())
	s.publishStatus(ctx, TopicSession, EventConnected, StatusPayload{
		ClientID:  m.ClientID,
		SessionID: string(id),
		Remote:    ss.link.remote(),
	})
}

func (s *Server) endSession(ss *serverSession, cause error) {
	who, heartbeat := ss.logout()
	heartbeat.Cancel()
	if who.clientID != "" {
		s.quotas.release(who.clientID)
	}
	if who.id.IsNone() {
		return
	}

	reason := ReasonClosed
	switch {
	case ss.expired.Load():
		reason = ReasonExpired
		s.env.Metrics.IncSessionExpired()
	case s.closed.Load():
		reason = ReasonShutdown
	}
	s.env.Metrics.SetSessions(s.Sessions())
	if cause != nil && !isClosedConn(cause) {
		s.env.Log.Warnf("session %s ended (%s), err: %v", who.id, reason, cause)
	} else {
		s.env.Log.Infof("session %s ended (%s)", who.id, reason)
	}
	s.publishStatus(context.Background(), TopicSession, EventDisconnected, StatusPayload{
		ClientID:  who.clientID,
		SessionID: string(who.id),
		Remote:    ss.link.remote(),
		Reason:    reason,
	})
}

// expireIdle closes connections on either endpoint that have been silent for
// longer than the session timeout, pings the remaining subscribers and drops
// the quotas of clients gone long enough for their buckets to refill. The read
// loop of each closed connection does the cleanup.
func (s *Server) expireIdle(_ context.Context, _ time.Duration) error {
	now := s.env.Mono.Now()
	s.mu.RLock()
	var idle []*serverSession
	for _, ss := range s.sessions {
		if now-ss.seen() > s.cfg.SessionTimeout {
			idle = append(idle, ss)
		}
	}
	var idlePeers, livePeers []*publishPeer
	for _, p := range s.peers {
		if now-p.seen() > s.cfg.SessionTimeout {
			idlePeers = append(idlePeers, p)
		} else {
			livePeers = append(livePeers, p)
		}
	}
	s.mu.RUnlock()

	for _, ss := range idle {
		if ss.expired.CompareAndSwap(false, true) {
			s.env.Log.Infof("expire connection %d from %s after %s of silence", ss.seq, ss.link.remote(), now-ss.seen())
			ss.link.close()
		}
	}
	for _, p := range idlePeers {
		if p.expired.CompareAndSwap(false, true) {
			s.env.Log.Infof("expire subscriber %d from %s after %s of silence", p.seq, p.link.remote(), now-p.seen())
			s.env.Metrics.IncSessionExpired()
			p.link.close()
		}
	}
	for _, p := range livePeers {
		if !p.link.trySend(outbound{typ: wire.FrameHeartbeat}) {
			s.env.Metrics.IncFrameDropped("heartbeat")
		}
	}
	if n := s.quotas.sweep(now); n > 0 {
		s.env.Log.Debugf("released rate limits of %d idle clients", n)
	}
	return nil
}

func (s *Server) reject(ctx context.Context, ss *serverSession, m schema.Message, reason string) {
	resp, err := s.factory.Reject(m, reason)
	if err != nil {
		s.env.Log.Errorf("build rejection for %s, err: %+v", m.ID, err)
		return
	}
	s.respond(ctx, ss, resp)

	ev, err := s.factory.Event(TopicRejected, EventRejected, []byte(reason))
	if err != nil {
		return
	}
	ev.CorrelationID = m.CorrelationID
	ev.ClientID = m.ClientID
	ev.SessionID = m.SessionID
	ev.Reason = reason
	if err := s.bus.Publish(ctx, ev, TopicRejected); err != nil {
		s.env.Log.Debugf("publish rejection of %s, err: %v", m.ID, err)
	}
}

func (s *Server) respond(ctx context.Context, ss *serverSession, resp schema.Message) {
	b, err := s.codec.Encode(resp)
	if err != nil {
		s.env.Metrics.IncFrameDropped(exception.StageSerialize)
		s.env.Log.Errorf("encode response %s correlation=%d, err: %v", resp.Type, resp.CorrelationID, err)
		s.cfg.DeadLetters.Record(journal.FromMessage(s.env.Wall.Now(), resp, ss.link.remote(), exception.StageSerialize, err))
		return
	}
	if err := ss.link.send(ctx, outbound{typ: wire.FrameResponse, payload: b}); err != nil {
		s.env.Metrics.IncFrameDropped("connection")
		s.env.Log.Warnf("response %s correlation=%d to %s lost, err: %v", resp.Type, resp.CorrelationID, ss.link.remote(), err)
		s.cfg.DeadLetters.Record(journal.FromMessage(s.env.Wall.Now(), resp, ss.link.remote(), "connection", err))
		return
	}
	s.env.Metrics.IncFrameOut(wire.FrameResponse.String())
	s.env.Metrics.IncResponse(resp.Status.String())
}

func (s *Server) publishStatus(ctx context.Context, topic, typ string, p StatusPayload) {
	ev, err := s.factory.Event(topic, typ, encodeStatus(p))
	if err != nil {
		s.env.Log.Errorf("build %s event, err: %+v", typ, err)
		return
	}
	ev.ClientID = p.ClientID
	ev.SessionID = p.SessionID
	ev.Reason = p.Reason
	if err := s.bus.Publish(ctx, ev, topic); err != nil {
		s.env.Log.Warnf("publish %s for %s, err: %v", typ, p.SessionID, err)
	}
}

func isClosedConn(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, context.Canceled)
}

type identity struct {
	id       session.ID
	clientID string
	buckets  *ratelimit.Buckets
}

// serverSession is the state of one request connection. Identity and
// buckets appear after a successful login.
type serverSession struct {
	seq      uint64
	link     *link
	lastSeen atomic.Int64
	expired  atomic.Bool

	mu        sync.Mutex
	who       identity
	heartbeat *scheduler.Handle
}

func (ss *serverSession) touch(now time.Duration) {
	ss.lastSeen.Store(int64(now))
}

func (ss *serverSession) seen() time.Duration {
	return time.Duration(ss.lastSeen.Load())
}

func (ss *serverSession) identity() identity {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.who
}

// login installs who and returns the heartbeat of the identity it replaces.
func (ss *serverSession) login(who identity, heartbeat *scheduler.Handle) *scheduler.Handle {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	previous := ss.heartbeat
	ss.who = who
	ss.heartbeat = heartbeat
	return previous
}

func (ss *serverSession) logout() (identity, *scheduler.Handle) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	who, hb := ss.who, ss.heartbeat
	ss.who = identity{}
	ss.heartbeat = nil
	return who, hb
}
