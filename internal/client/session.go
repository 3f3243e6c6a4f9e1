// session.go

// Package client is the websocket side of a scanner or display: one
// explicitly owned Session per relay connection, with named event handlers
// and the transport's own reconnect policy.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nfc-relay/internal/protocol"
)

// ErrNotConnected is returned when a frame is sent without a live connection.
var ErrNotConnected = errors.New("client: not connected")

// ErrClosed is returned once the session has been closed for good.
var ErrClosed = errors.New("client: session closed")

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

// Options configure a Session.
type Options struct {
	URL    string
	Header http.Header

	DialTimeout time.Duration
	WriteWait   time.Duration
	// ReadTimeout bounds the silence between server pings before the
	// connection is declared dead.
	ReadTimeout time.Duration

	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	DisableReconnect  bool
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 20 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 85 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = 5 * time.Second
		if o.ReconnectDelayMax < o.ReconnectDelay {
			o.ReconnectDelayMax = o.ReconnectDelay
		}
	}
}

// backoff returns the wait before reconnect attempt n (from 1): ReconnectDelay
// doubled per earlier attempt, capped at ReconnectDelayMax.
func (o Options) backoff(n int) time.Duration {
	d := o.ReconnectDelay
	for i := 1; i < n && d < o.ReconnectDelayMax; i++ {
		d *= 2
	}
	if d > o.ReconnectDelayMax {
		d = o.ReconnectDelayMax
	}
	return d
}

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

type handlerEntry struct {
	id int
	fn Handler
}

// Session owns one logical connection to the relay. It survives transport
// drops: Connect may be called again, and unexpected drops are retried on
// their own.
type Session struct {
	opts   Options
	dialer *websocket.Dialer

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerEntry
	nextHandler int

	mu           sync.Mutex
	conn         *websocket.Conn
	id           string
	state        state
	manual       bool
	reconnecting bool

	writeMu sync.Mutex
	pingMu  sync.Mutex
	pongs   chan protocol.Pong

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession returns a disconnected session for opts.URL.
func NewSession(opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.DialTimeout, Proxy: http.ProxyFromEnvironment},
		handlers: make(map[string][]handlerEntry),
		pongs:    make(chan protocol.Pong, 1),
		closed:   make(chan struct{}),
	}
}

// On registers h for event and returns the func that removes it.
func (s *Session) On(event string, h Handler) func() {
	s.handlersMu.Lock()
	s.nextHandler++
	id := s.nextHandler
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: h})
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handlersMu.Lock()
			defer s.handlersMu.Unlock()
			entries := s.handlers[event]
			for i, e := range entries {
				if e.id == id {
					s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(s.handlers[event]) == 0 {
				delete(s.handlers, event)
			}
		})
	}
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// ID returns the id the relay assigned in connection_ack, if any.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Connect dials the relay unless a connection exists or is being made.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	if s.state != stateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = stateConnecting
	s.manual = false
	s.mu.Unlock()

	return s.dial(ctx)
}

// Disconnect closes the connection on purpose. No reconnect follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
	conn.Close()
}

// Close disconnects and stops every background retry. The session cannot be
// reused afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Disconnect()
	})
}

// Emit sends one event frame.
func (s *Session) Emit(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("client: send %s: %w", event, err)
	}
	return nil
}

// Ping sends one liveness probe and waits for the pong. Probes are serialised;
// a pong is matched to the probe in flight on this session.
func (s *Session) Ping(ctx context.Context) (protocol.Pong, time.Duration, error) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	// Discard a pong left over from a probe that gave up.
	select {
	case <-s.pongs:
	default:
	}

	start := time.Now()
	if err := s.Emit(protocol.EventPing, nil); err != nil {
		return protocol.Pong{}, 0, err
	}
	select {
	case p := <-s.pongs:
		return p, time.Since(start), nil
	case <-ctx.Done():
		return protocol.Pong{}, 0, ctx.Err()
	case <-s.closed:
		return protocol.Pong{}, 0, ErrClosed
	}
}

// Probe measures one round trip.
func (s *Session) Probe(ctx context.Context) (time.Duration, error) {
	_, d, err := s.Ping(ctx)
	return d, err
}

func (s *Session) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		s.mu.Lock()
		s.state = stateDisconnected
		s.mu.Unlock()
		s.raise(protocol.EventConnectError, protocol.ConnectErrorInfo{Message: err.Error()})
		return fmt.Errorf("client: connect %s: %w", s.opts.URL, err)
	}

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	s.mu.Lock()
	select {
	case <-s.closed:
		s.state = stateDisconnected
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	s.conn = conn
	s.state = stateConnected
	s.mu.Unlock()

	go s.readLoop(conn)
	s.raise(protocol.EventConnect, nil)
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		env, err := protocol.Decode(frame)
		if err != nil {
			log.Printf("client: %v", err)
			continue
		}
		switch env.Event {
		case protocol.EventPong:
			var p protocol.Pong
			if err := json.Unmarshal(env.Data, &p); err == nil {
				select {
				case s.pongs <- p:
				default:
				}
			}
		case protocol.EventConnectionAck:
			var ack protocol.ConnectionAck
			if err := json.Unmarshal(env.Data, &ack); err == nil {
				s.mu.Lock()
				s.id = ack.ID
				s.mu.Unlock()
			}
		}
		s.dispatch(env.Event, env.Data)
	}
}

// dropped tears down conn after a read failure and decides whether the
// transport retries on its own.
func (s *Session) dropped(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = stateDisconnected
	reason := disconnectReason(cause, s.manual)
	s.mu.Unlock()
	conn.Close()

	s.raise(protocol.EventDisconnect, protocol.DisconnectInfo{Reason: reason})

	if s.opts.DisableReconnect {
		return
	}
	if reason == protocol.ReasonTransportClose || reason == protocol.ReasonPingTimeout {
		go s.reconnectLoop()
	}
}

// Reconnect starts the backed-off retry loop unless the session is live, was
// disconnected on purpose, or has been closed. A loop already running is
// left alone.
func (s *Session) Reconnect() {
	if s.opts.DisableReconnect || s.isClosed() {
		return
	}
	s.mu.Lock()
	skip := s.manual || s.state == stateConnected
	s.mu.Unlock()
	if !skip {
		go s.reconnectLoop()
	}
}

// reconnectLoop retries without an attempt cap, doubling the delay up to
// ReconnectDelayMax. It outlives dials made by other callers and only ends
// once connected, disconnected on purpose, or closed. The reconnecting flag
// is cleared under the same lock as the exit decision, so a drop racing the
// exit always starts a fresh loop.
func (s *Session) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		timer := time.NewTimer(s.opts.backoff(attempt + 1))
		select {
		case <-s.closed:
			timer.Stop()
		case <-timer.C:
		}

		s.mu.Lock()
		if s.isClosed() || s.manual || s.state == stateConnected {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if s.state == stateConnecting {
			// Someone else is dialing; look again after the next delay.
			s.mu.Unlock()
			continue
		}
		s.state = stateConnecting
		s.mu.Unlock()

		attempt++
		s.raise(protocol.EventReconnectAttempt, protocol.ReconnectAttemptInfo{Attempt: attempt})
		if err := s.dial(ctx); err == nil {
			s.mu.Lock()
			if s.state == stateConnected {
				s.reconnecting = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			// The new connection already dropped; start counting again.
			attempt = 0
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) raise(event string, info any) {
	var data json.RawMessage
	if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			log.Printf("client: encode %s: %v", event, err)
			return
		}
		data = raw
	}
	s.dispatch(event, data)
}

func (s *Session) dispatch(event string, data json.RawMessage) {
	s.handlersMu.RLock()
	entries := append([]handlerEntry(nil), s.handlers[event]...)
	s.handlersMu.RUnlock()

	for _, e := range entries {
		e.fn(data)
	}
}

func disconnectReason(err error, manual bool) string {
	if manual {
		return protocol.ReasonClientDisconnect
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart:
			// The server process is going away, not dismissing this client.
			return protocol.ReasonTransportClose
		}
		return protocol.ReasonServerDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReasonPingTimeout
	}
	return protocol.ReasonTransportClose
}
