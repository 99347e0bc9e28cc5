package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

// ServerConfig tunes the fan-out server. Zero values fall back to defaults.
type ServerConfig struct {
	// HeartbeatInterval is how often the server pings idle connections.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes a connection that has not produced any client
	// message (pong included) within the window.
	HeartbeatTimeout time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	// MaxBufferSize bounds the per-connection outbound queue and each
	// subscription's replay-window buffer. Exceeding it closes the
	// connection with error{BUFFER_OVERFLOW}.
	MaxBufferSize int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 1024
	}
	return c
}

// Server fans stored events out to WebSocket subscribers. Each connection
// multiplexes any number of per-stream subscriptions; each subscription
// observes a gapless, duplicate-free seq sequence: a bounded replay slice,
// exactly one replay-end, then live events.
type Server[T any] struct {
	store eventstore.Store[T]
	cfg   ServerConfig

	mu    sync.RWMutex
	conns map[string]*serverConn[T]
}

// NewServer creates a fan-out server reading replays from store.
func NewServer[T any](store eventstore.Store[T], cfg ServerConfig) *Server[T] {
	return &Server[T]{
		store: store,
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*serverConn[T]),
	}
}

// subscription tracks the replay→live handover for one stream on one
// connection. While replaying, concurrently broadcast events are buffered in
// pending; promotion flushes the buffer, filtering out events the replay
// slice already covered.
type subscription[T any] struct {
	streamID      string
	live          bool
	lastReplaySeq uint64
	pending       []eventstore.StoredEvent[T]
}

type serverConn[T any] struct {
	id     string
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	out       chan []byte
	closeOnce sync.Once
	lastRecv  atomic.Int64 // unix nanos of last client frame

	mu   sync.Mutex
	subs map[string]*subscription[T]
}

// HandleConnection runs the protocol for a single accepted WebSocket
// connection. Called by the HTTP handler after upgrade; blocks until the
// connection closes.
func (s *Server[T]) HandleConnection(parentCtx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &serverConn[T]{
		id:     uuid.New().String(),
		sock:   sock,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, s.cfg.MaxBufferSize),
		subs:   make(map[string]*subscription[T]),
	}
	c.lastRecv.Store(time.Now().UnixNano())

	s.register(c)
	defer s.unregister(c)

	go s.writePump(c)
	go s.heartbeat(c)

	if !s.handshake(c) {
		return
	}

	s.readLoop(c)
}

// ActiveConnections returns the number of open connections.
func (s *Server[T]) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast delivers freshly appended events to every subscription for the
// stream. Replaying subscriptions buffer; live subscriptions receive frames
// directly. Callers must broadcast batches in append order.
func (s *Server[T]) Broadcast(streamID string, stored []eventstore.StoredEvent[T]) {
	if len(stored) == 0 {
		return
	}

	s.mu.RLock()
	conns := make([]*serverConn[T], 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.deliver(c, streamID, stored)
	}
}

// Close terminates all connections.
func (s *Server[T]) Close() {
	s.mu.Lock()
	conns := make([]*serverConn[T], 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.closeConn(c, websocket.StatusGoingAway, "server shutdown")
	}
}

func (s *Server[T]) register(c *serverConn[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server[T]) unregister(c *serverConn[T]) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.closeConn(c, websocket.StatusNormalClosure, "")
}

// handshake enforces that the first client frame is hello with a matching
// version. Returns false when the connection was closed.
func (s *Server[T]) handshake(c *serverConn[T]) bool {
	_, data, err := c.sock.Read(c.ctx)
	if err != nil {
		s.closeConn(c, websocket.StatusNormalClosure, "")
		return false
	}
	c.lastRecv.Store(time.Now().UnixNano())

	msg := DecodeClient(data)
	if msg == nil || msg.Type != MsgHello {
		s.sendBestEffort(c, errorFrame(CodeInvalidMessage, "expected hello"))
		s.closeConn(c, websocket.StatusPolicyViolation, "handshake failed")
		return false
	}
	if msg.Version != ProtocolVersion {
		s.sendBestEffort(c, errorFrame(CodeVersionMismatch,
			fmt.Sprintf("server speaks protocol %d, client sent %d", ProtocolVersion, msg.Version)))
		s.closeConn(c, websocket.StatusPolicyViolation, "version mismatch")
		return false
	}

	if !c.enqueue(serverHelloFrame()) {
		s.overflow(c)
		return false
	}
	return true
}

// readLoop processes client frames after a successful handshake.
func (s *Server[T]) readLoop(c *serverConn[T]) {
	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		msg := DecodeClient(data)
		if msg == nil {
			// Malformed frames are non-fatal.
			if !c.enqueue(errorFrame(CodeInvalidMessage, "unrecognized message")) {
				s.overflow(c)
				return
			}
			continue
		}

		switch msg.Type {
		case MsgSubscribe:
			s.subscribe(c, msg.StreamID, msg.AfterSeq)
		case MsgUnsubscribe:
			c.mu.Lock()
			delete(c.subs, msg.StreamID)
			c.mu.Unlock()
		case MsgPong, MsgHello:
			// Pong resets the heartbeat window via lastRecv. A repeated
			// hello is tolerated as a no-op.
		}
	}
}

// subscribe registers the subscription in replaying state, then streams the
// replay slice on a separate goroutine so the read loop stays responsive.
// Registering before reading the head guarantees that events appended during
// the replay are buffered and later reconciled against lastReplaySeq.
func (s *Server[T]) subscribe(c *serverConn[T], streamID string, afterSeq uint64) {
	sub := &subscription[T]{streamID: streamID}
	c.mu.Lock()
	c.subs[streamID] = sub
	c.mu.Unlock()

	go s.runReplay(c, sub, afterSeq)
}

// runReplay streams (afterSeq, headAtSubscribe] as event frames, emits the
// single replay-end marker, then promotes the subscription to live after
// flushing the buffered concurrent broadcasts.
func (s *Server[T]) runReplay(c *serverConn[T], sub *subscription[T], afterSeq uint64) {
	head, err := s.store.Head(c.ctx, sub.streamID)
	if err != nil {
		s.failReplay(c, sub, err)
		return
	}

	if head > afterSeq {
		events, err := s.store.Replay(c.ctx, sub.streamID, eventstore.ReplayOptions{
			AfterSeq:      afterSeq,
			UpperBoundSeq: head,
		})
		if err != nil {
			s.failReplay(c, sub, err)
			return
		}
		for _, evt := range events {
			frame, err := encodeEventFrame(evt)
			if err != nil {
				s.failReplay(c, sub, err)
				return
			}
			if !c.enqueue(frame) {
				s.overflow(c)
				return
			}
		}
	}

	if !c.enqueue(replayEndFrame(sub.streamID, head)) {
		s.overflow(c)
		return
	}

	// Promotion: flush buffered live events, dropping anything the replay
	// slice already delivered.
	c.mu.Lock()
	if c.subs[sub.streamID] != sub {
		// Unsubscribed (or resubscribed) while replaying.
		c.mu.Unlock()
		return
	}
	pending := sub.pending
	sub.pending = nil
	sub.live = true
	sub.lastReplaySeq = head
	for _, evt := range pending {
		if evt.Seq <= head {
			continue
		}
		frame, err := encodeEventFrame(evt)
		if err != nil {
			c.mu.Unlock()
			slog.Error("Failed to encode buffered event",
				"connection_id", c.id, "stream_id", sub.streamID, "error", err)
			s.closeConn(c, websocket.StatusInternalError, "encode failure")
			return
		}
		if !c.enqueue(frame) {
			c.mu.Unlock()
			s.overflow(c)
			return
		}
	}
	c.mu.Unlock()
}

// failReplay reports a store failure and drops only the affected
// subscription; the connection survives.
func (s *Server[T]) failReplay(c *serverConn[T], sub *subscription[T], err error) {
	if c.ctx.Err() != nil {
		return
	}
	slog.Warn("Replay failed",
		"connection_id", c.id, "stream_id", sub.streamID, "error", err)

	c.mu.Lock()
	if c.subs[sub.streamID] == sub {
		delete(c.subs, sub.streamID)
	}
	c.mu.Unlock()

	frame, _ := Encode(ServerMessage{
		Type:     MsgError,
		StreamID: sub.streamID,
		Code:     CodeReplayFailed,
		Message:  "replay failed",
	})
	if !c.enqueue(frame) {
		s.overflow(c)
	}
}

// deliver routes one broadcast batch to a single connection.
func (s *Server[T]) deliver(c *serverConn[T], streamID string, stored []eventstore.StoredEvent[T]) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if !sub.live {
		if len(sub.pending)+len(stored) > s.cfg.MaxBufferSize {
			c.mu.Unlock()
			s.overflow(c)
			return
		}
		sub.pending = append(sub.pending, stored...)
		c.mu.Unlock()
		return
	}

	for _, evt := range stored {
		frame, err := encodeEventFrame(evt)
		if err != nil {
			c.mu.Unlock()
			slog.Error("Failed to encode broadcast event",
				"connection_id", c.id, "stream_id", streamID, "error", err)
			s.closeConn(c, websocket.StatusInternalError, "encode failure")
			return
		}
		if !c.enqueue(frame) {
			c.mu.Unlock()
			s.overflow(c)
			return
		}
	}
	c.mu.Unlock()
}

// writePump is the sole writer on the socket. It drains the bounded outbound
// queue; a write error or timeout tears the connection down.
func (s *Server[T]) writePump(c *serverConn[T]) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(c.ctx, s.cfg.WriteTimeout)
			err := c.sock.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.Debug("WebSocket write failed",
						"connection_id", c.id, "error", err)
				}
				s.closeConn(c, websocket.StatusAbnormalClosure, "write failure")
				return
			}
		}
	}
}

// heartbeat pings on the configured interval and closes connections that
// stay silent past the timeout.
func (s *Server[T]) heartbeat(c *serverConn[T]) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	pingFrame, _ := Encode(ServerMessage{Type: MsgPing})
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastRecv.Load())
			if time.Since(last) > s.cfg.HeartbeatTimeout {
				slog.Debug("Heartbeat timeout", "connection_id", c.id)
				s.closeConn(c, websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			if !c.enqueue(pingFrame) {
				s.overflow(c)
				return
			}
		}
	}
}

// overflow handles an outbound or replay buffer overrun: best-effort error
// frame, then close.
func (s *Server[T]) overflow(c *serverConn[T]) {
	slog.Warn("Connection buffer overflow", "connection_id", c.id)
	s.sendBestEffort(c, errorFrame(CodeBufferOverflow, "outbound buffer exceeded"))
	s.closeConn(c, websocket.StatusPolicyViolation, "buffer overflow")
}

// sendBestEffort writes a frame directly with a short deadline, bypassing
// the outbound queue. Used on paths where the queue is unusable (overflow)
// or the connection is about to close.
func (s *Server[T]) sendBestEffort(c *serverConn[T], frame []byte) {
	writeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	_ = c.sock.Write(writeCtx, websocket.MessageText, frame)
}

func (s *Server[T]) closeConn(c *serverConn[T], status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.sock.Close(status, reason)
	})
}

// enqueue pushes a frame onto the bounded outbound queue without blocking.
// Returns false when the queue is full or the connection is closing.
func (c *serverConn[T]) enqueue(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// encodeEventFrame marshals a stored event into its wire frame, flattening
// the payload to raw JSON so the transport stays type-agnostic.
func encodeEventFrame[T any](evt eventstore.StoredEvent[T]) ([]byte, error) {
	payload, err := json.Marshal(evt.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	wire := WireEvent{
		Seq:       evt.Seq,
		Timestamp: evt.Timestamp,
		StreamID:  evt.StreamID,
		Event:     payload,
	}
	return Encode(ServerMessage{Type: MsgEvent, StreamID: evt.StreamID, Event: &wire})
}
