// server.go
// The server upgrades HTTP to websocket, registers each connection and runs
// its read and write pumps. The read pump feeds the relay core; the write
// pump drains the send channel and pings the client.

package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nfc-relay/internal/protocol"
)

// ServerOptions tune the websocket transport.
type ServerOptions struct {
	PingInterval    time.Duration
	PingTimeout     time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func (o *ServerOptions) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Server upgrades HTTP requests to websocket sessions and plugs them into a
// Relay.
type Server struct {
	relay    *Relay
	identity Identity
	opts     ServerOptions
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewServer returns a websocket handler serving relay.
func NewServer(relay *Relay, identity Identity, opts ServerOptions) *Server {
	opts.applyDefaults()
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		relay:    relay,
		identity: identity,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		now:      time.Now,
	}
}

// Relay returns the relay core the server feeds.
func (s *Server) Relay() *Relay { return s.relay }

// ServeHTTP completes the websocket handshake, registers the connection and
// starts its pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, protocol.ReasonServerShuttingDown, http.StatusServiceUnavailable)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Printf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(uuid.NewString(), socket, r.RemoteAddr, s.now(), s.opts.SendBuffer)
	// Queue the ack first so it precedes any broadcast.
	if frame, err := connectionAck(c.id, s.identity, s.now()); err == nil {
		c.Deliver(frame)
	} else {
		log.Printf("encode connection_ack for %s: %v", c.id, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		socket.Close()
		return
	}
	if !s.relay.registry.Register(c) {
		s.mu.Unlock()
		log.Printf("connection id %s already registered, dropping", c.id)
		socket.Close()
		return
	}
	s.wg.Add(2)
	s.mu.Unlock()
	log.Printf("client connected: id=%s addr=%s", c.id, c.remoteAddr)

	go s.readPump(c)
	go s.writePump(c)
}

// Shutdown closes every live connection with a going-away frame and waits
// for the pumps to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for _, p := range s.relay.registry.Members() {
		if c, ok := p.(*Conn); ok {
			c.close(protocol.ReasonServerShuttingDown)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection registered under id from the server side.
// It reports false when no such connection exists.
func (s *Server) Disconnect(id string) bool {
	p, ok := s.relay.registry.Get(id)
	if !ok {
		return false
	}
	c, ok := p.(*Conn)
	if !ok {
		return false
	}
	c.close(protocol.ReasonServerDisconnect)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) readPump(c *Conn) {
	defer s.wg.Done()
	reason := protocol.ReasonTransportClose
	defer func() { s.drop(c, reason) }()

	c.socket.SetReadLimit(s.opts.MaxMessageBytes)
	extend := func() { _ = c.socket.SetReadDeadline(time.Now().Add(s.opts.PingTimeout)) }
	extend()
	c.socket.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			return
		}
		extend()
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("client %s: %v", c.id, err)
		return
	}

	switch env.Event {
	case protocol.EventNFCData:
		receipt, err := s.relay.Submit(c.id, env.Data)
		if err != nil {
			log.Printf("client %s: submit: %v", c.id, err)
			return
		}
		log.Printf("received nfc data: client=%s message=%s recipients=%d", c.id, receipt.MessageID, receipt.Recipients)
	case protocol.EventPing:
		if frame, err := pong(c.id, s.now()); err == nil {
			c.Deliver(frame)
		}
	default:
		log.Printf("client %s: ignoring event %q", c.id, env.Event)
	}
}

func (s *Server) writePump(c *Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(protocol.ReasonTransportClose)
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(protocol.ReasonTransportClose)
				return
			}
		case <-c.done:
			code := websocket.CloseNormalClosure
			if c.Reason() == protocol.ReasonServerShuttingDown {
				code = websocket.CloseGoingAway
			}
			msg := websocket.FormatCloseMessage(code, c.Reason())
			_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}

// drop unregisters c exactly once, however many paths report the close.
func (s *Server) drop(c *Conn, reason string) {
	c.close(reason)
	if s.relay.registry.Unregister(c.id) {
		log.Printf("client disconnected: id=%s reason=%q", c.id, c.Reason())
	}
}

func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return protocol.ReasonClientNamespace
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReasonPingTimeout
	}
	return protocol.ReasonTransportClose
}
