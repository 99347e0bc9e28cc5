package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

// Client-side failure sentinels.
var (
	// ErrVersionMismatch means the server rejected our protocol version.
	// Reconnecting cannot help, so the client stops.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrReconnectExhausted means the configured reconnect budget ran out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrReplayFailed means the server could not replay a subscribed stream.
	ErrReplayFailed = errors.New("server replay failed")
	// ErrSubscriptionClosed is returned by Next after Cancel or client close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ClientConfig tunes the resilient subscriber. Zero values fall back to
// defaults.
type ClientConfig struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// BackoffBase is the first reconnect delay; it doubles per consecutive
	// failure up to BackoffMax, plus jitter in [0, 25%) of the delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 means
	// unbounded. Exhaustion fails every subscription with
	// ErrReconnectExhausted.
	MaxReconnectAttempts int
	// HeartbeatTimeout closes a connection that has produced no server
	// frame (ping included) within the window, forcing a reconnect.
	HeartbeatTimeout time.Duration
	// SubscriptionBuffer is the per-subscription update channel capacity.
	SubscriptionBuffer int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = 256
	}
	return c
}

// PromotionMarker reports that a subscription finished its replay slice and
// switched to live delivery.
type PromotionMarker struct {
	StreamID      string
	LastReplaySeq uint64
}

// Update is one delivery on a subscription: either a stored event or the
// replay→live promotion marker, never both.
type Update[T any] struct {
	Event      *eventstore.StoredEvent[T]
	ReplayDone *PromotionMarker
}

// Client maintains a WebSocket connection to a fan-out server, reconnecting
// with exponential backoff and resuming every subscription from its last
// confirmed sequence so subscribers observe a gapless, duplicate-free feed
// across connection failures.
type Client[T any] struct {
	url  string
	cfg  ClientConfig
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*Subscription[T]
	conn *websocket.Conn

	writeMu sync.Mutex

	connectOnce sync.Once
	done        chan struct{}
}

// NewClient creates a client for the given ws:// or wss:// URL. Call Connect
// to start it.
func NewClient[T any](url string, cfg ClientConfig) *Client[T] {
	return &Client[T]{
		url:  url,
		cfg:  cfg.withDefaults(),
		errs: make(chan error, 16),
		subs: make(map[string]*Subscription[T]),
		done: make(chan struct{}),
	}
}

// Connect starts the connection loop and blocks until the first handshake
// succeeds, the reconnect budget is exhausted, or ctx is cancelled. The loop
// keeps running in the background after Connect returns.
func (c *Client[T]) Connect(ctx context.Context) error {
	var ready chan error
	c.connectOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		ready = make(chan error, 1)
		go c.run(ready)
	})
	if ready == nil {
		return nil
	}

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers interest in a stream, resuming after afterSeq. Safe to
// call before Connect and while disconnected; the subscription is (re)sent on
// every successful handshake. Subscribing twice to one stream replaces the
// earlier subscription.
func (c *Client[T]) Subscribe(streamID string, afterSeq uint64) *Subscription[T] {
	sub := &Subscription[T]{
		streamID:         streamID,
		client:           c,
		updates:          make(chan Update[T], c.cfg.SubscriptionBuffer),
		done:             make(chan struct{}),
		lastConfirmedSeq: afterSeq,
	}

	c.mu.Lock()
	prev := c.subs[streamID]
	c.subs[streamID] = sub
	conn := c.conn
	c.mu.Unlock()

	if prev != nil {
		prev.terminate(ErrSubscriptionClosed)
	}
	if conn != nil {
		c.sendSubscribe(conn, sub)
	}
	return sub
}

// Errors exposes client-level failures: reconnect attempts, fatal protocol
// errors, exhaustion. Best-effort; slow readers miss entries.
func (c *Client[T]) Errors() <-chan error {
	return c.errs
}

// Close stops the client and fails every subscription with
// ErrSubscriptionClosed.
func (c *Client[T]) Close() {
	c.connectOnce.Do(func() {
		// Never connected; nothing to stop.
		c.ctx, c.cancel = context.WithCancel(context.Background())
		close(c.done)
	})
	c.cancel()
	<-c.done
	c.failAll(ErrSubscriptionClosed)
}

// run is the connection loop: dial, handshake, resubscribe, read until the
// connection dies, back off, repeat.
func (c *Client[T]) run(ready chan error) {
	defer close(c.done)

	var readySent bool
	signalReady := func(err error) {
		if !readySent {
			readySent = true
			ready <- err
		}
	}

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			signalReady(c.ctx.Err())
			return
		}

		conn, err := c.dial()
		if err == nil {
			var handshook bool
			handshook, err = c.session(conn, signalReady)
			if handshook {
				attempt = 0
			}
			if errors.Is(err, ErrVersionMismatch) {
				signalReady(err)
				c.reportErr(err)
				c.failAll(err)
				return
			}
		}
		if c.ctx.Err() != nil {
			signalReady(c.ctx.Err())
			return
		}
		if err != nil {
			c.reportErr(err)
		}

		attempt++
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			signalReady(ErrReconnectExhausted)
			c.reportErr(ErrReconnectExhausted)
			c.failAll(ErrReconnectExhausted)
			return
		}

		delay := c.backoff(attempt)
		slog.Debug("Reconnecting", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			signalReady(c.ctx.Err())
			return
		}
	}
}

func (c *Client[T]) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// session runs one connection from handshake to failure. handshook reports
// whether the server-hello was accepted, which resets the backoff counter.
func (c *Client[T]) session(conn *websocket.Conn, onReady func(error)) (handshook bool, err error) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.write(conn, helloFrame()); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	msg, err := c.read(conn)
	if err != nil {
		return false, fmt.Errorf("await server-hello: %w", err)
	}
	switch {
	case msg.Type == MsgError && msg.Code == CodeVersionMismatch:
		return false, fmt.Errorf("%w: %s", ErrVersionMismatch, msg.Message)
	case msg.Type != MsgServerHello:
		return false, fmt.Errorf("handshake: unexpected frame type %q", msg.Type)
	case msg.Version != ProtocolVersion:
		return false, fmt.Errorf("%w: server speaks protocol %d", ErrVersionMismatch, msg.Version)
	}

	onReady(nil)

	// Resume every subscription from its last confirmed sequence. The replay
	// state is per-connection, so each reconnect starts a fresh
	// replay→live cycle.
	c.mu.Lock()
	c.conn = conn
	subs := make([]*Subscription[T], 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for _, sub := range subs {
		c.sendSubscribe(conn, sub)
	}

	for {
		msg, err := c.read(conn)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if err := c.handleFrame(conn, msg); err != nil {
			return true, err
		}
	}
}

func (c *Client[T]) handleFrame(conn *websocket.Conn, msg *ServerMessage) error {
	switch msg.Type {
	case MsgEvent:
		c.handleEvent(msg)
	case MsgReplayEnd:
		c.handleReplayEnd(msg)
	case MsgPing:
		frame, _ := Encode(ClientMessage{Type: MsgPong})
		if err := c.write(conn, frame); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}
	case MsgError:
		switch msg.Code {
		case CodeVersionMismatch:
			return fmt.Errorf("%w: %s", ErrVersionMismatch, msg.Message)
		case CodeReplayFailed:
			// Only the named subscription dies; the connection survives.
			if sub := c.removeSub(msg.StreamID); sub != nil {
				sub.terminate(fmt.Errorf("%w: stream %s", ErrReplayFailed, msg.StreamID))
			}
		default:
			c.reportErr(fmt.Errorf("server error %s: %s", msg.Code, msg.Message))
		}
	case MsgServerHello:
		// Duplicate handshake reply; ignore.
	}
	return nil
}

// handleEvent applies the duplicate-suppression rules and delivers the event.
// Events at or below the subscription's confirmed watermark are replays of
// already-observed data; live events at or below lastReplaySeq were covered
// by the replay slice.
func (c *Client[T]) handleEvent(msg *ServerMessage) {
	sub := c.lookupSub(msg.StreamID)
	if sub == nil {
		return
	}

	var payload T
	if err := json.Unmarshal(msg.Event.Event, &payload); err != nil {
		c.reportErr(fmt.Errorf("decode event %s/%d: %w", msg.StreamID, msg.Event.Seq, err))
		return
	}
	stored := eventstore.StoredEvent[T]{
		Seq:       msg.Event.Seq,
		Timestamp: msg.Event.Timestamp,
		StreamID:  msg.Event.StreamID,
		Event:     payload,
	}

	sub.mu.Lock()
	if stored.Seq <= sub.lastConfirmedSeq || (sub.live && stored.Seq <= sub.lastReplaySeq) {
		sub.mu.Unlock()
		return
	}
	sub.lastConfirmedSeq = stored.Seq
	sub.mu.Unlock()

	sub.deliver(c.ctx, Update[T]{Event: &stored})
}

func (c *Client[T]) handleReplayEnd(msg *ServerMessage) {
	sub := c.lookupSub(msg.StreamID)
	if sub == nil {
		return
	}

	last := *msg.LastReplaySeq
	sub.mu.Lock()
	sub.live = true
	sub.lastReplaySeq = last
	if last > sub.lastConfirmedSeq {
		sub.lastConfirmedSeq = last
	}
	sub.mu.Unlock()

	sub.deliver(c.ctx, Update[T]{ReplayDone: &PromotionMarker{
		StreamID:      msg.StreamID,
		LastReplaySeq: last,
	}})
}

// read applies the heartbeat deadline and the frame validator. Unrecognized
// frames are skipped, matching the server's lenient treatment of unknown
// client frames.
func (c *Client[T]) read(conn *websocket.Conn) (*ServerMessage, error) {
	for {
		readCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		if msg := DecodeServer(data); msg != nil {
			return msg, nil
		}
		slog.Debug("Skipping unrecognized server frame")
	}
}

func (c *Client[T]) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(c.ctx, websocket.MessageText, frame)
}

func (c *Client[T]) sendSubscribe(conn *websocket.Conn, sub *Subscription[T]) {
	sub.mu.Lock()
	sub.live = false
	sub.lastReplaySeq = 0
	afterSeq := sub.lastConfirmedSeq
	sub.mu.Unlock()

	frame, _ := Encode(ClientMessage{
		Type:     MsgSubscribe,
		StreamID: sub.streamID,
		AfterSeq: afterSeq,
	})
	if err := c.write(conn, frame); err != nil {
		// The read loop will observe the broken connection and reconnect;
		// the subscription is resent then.
		slog.Debug("Failed to send subscribe", "stream_id", sub.streamID, "error", err)
	}
}

func (c *Client[T]) lookupSub(streamID string) *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[streamID]
}

func (c *Client[T]) removeSub(streamID string) *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[streamID]
	delete(c.subs, streamID)
	return sub
}

func (c *Client[T]) failAll(err error) {
	c.mu.Lock()
	subs := make([]*Subscription[T], 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription[T])
	c.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(err)
	}
}

func (c *Client[T]) reportErr(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// backoff computes min(base·2^(attempt-1), max) plus jitter in [0, 25%).
func (c *Client[T]) backoff(attempt int) time.Duration {
	delay := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.BackoffMax {
			delay = c.cfg.BackoffMax
			break
		}
	}
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

// Subscription is one stream's resumable feed. Deliveries arrive on Events
// (or via Next); termination is signalled by Done closing, with the cause in
// Err. LastConfirmedSeq survives reconnects, which is what makes resumption
// duplicate-free.
type Subscription[T any] struct {
	streamID string
	client   *Client[T]
	updates  chan Update[T]
	done     chan struct{}
	once     sync.Once

	mu               sync.Mutex
	err              error
	live             bool
	lastReplaySeq    uint64
	lastConfirmedSeq uint64
}

// StreamID returns the subscribed stream.
func (s *Subscription[T]) StreamID() string { return s.streamID }

// Events returns the delivery channel. Consume it together with Done: the
// channel is never closed, termination closes Done instead.
func (s *Subscription[T]) Events() <-chan Update[T] { return s.updates }

// Done closes when the subscription terminates.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Next blocks for the next update.
func (s *Subscription[T]) Next(ctx context.Context) (Update[T], error) {
	select {
	case upd := <-s.updates:
		return upd, nil
	case <-s.done:
		// Drain deliveries that raced with termination.
		select {
		case upd := <-s.updates:
			return upd, nil
		default:
		}
		return Update[T]{}, s.Err()
	case <-ctx.Done():
		return Update[T]{}, ctx.Err()
	}
}

// Err returns the termination cause, nil while the subscription is active.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastConfirmedSeq returns the resumption watermark.
func (s *Subscription[T]) LastConfirmedSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfirmedSeq
}

// Cancel unsubscribes. Pending deliveries may still be drained via Next.
func (s *Subscription[T]) Cancel() {
	c := s.client
	c.mu.Lock()
	registered := c.subs[s.streamID] == s
	if registered {
		delete(c.subs, s.streamID)
	}
	conn := c.conn
	c.mu.Unlock()

	if registered && conn != nil {
		frame, _ := Encode(ClientMessage{Type: MsgUnsubscribe, StreamID: s.streamID})
		_ = c.write(conn, frame)
	}
	s.terminate(ErrSubscriptionClosed)
}

func (s *Subscription[T]) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// deliver blocks until the subscriber accepts the update or the subscription
// or client terminates.
func (s *Subscription[T]) deliver(ctx context.Context, upd Update[T]) {
	select {
	case s.updates <- upd:
	case <-s.done:
	case <-ctx.Done():
	}
}
