// Package liveness is the client-side policy layer on top of a relay
// connection: a periodic round-trip probe, an extra delayed reconnect after
// server or transport closes, and an immediate reconnect on resume.
//
// The transport keeps its own unlimited, backed-off retries. When an attempt
// made by the Monitor fails, it hands the connection back to them.
package liveness

import (
	"context"
	"log"
	"sync"
	"time"

	"nfc-relay/internal/protocol"
)

// Conn is the connection handle the monitor drives.
type Conn interface {
	Connected() bool
	Connect(ctx context.Context) error
	// Reconnect starts the transport's own backed-off retries.
	Reconnect()
	Probe(ctx context.Context) (time.Duration, error)
}

// LatencySample is one completed probe.
type LatencySample struct {
	RequestSentAt time.Time
	RoundTrip     time.Duration
}

// Millis returns the round trip in whole milliseconds.
func (s LatencySample) Millis() int64 { return s.RoundTrip.Milliseconds() }

// Options configure a Monitor.
type Options struct {
	Interval       time.Duration
	ReconnectDelay time.Duration
	ProbeTimeout   time.Duration
	// OnSample, when set, is called after every successful probe.
	OnSample func(LatencySample)
}

// Monitor measures latency on an interval and schedules reconnects.
type Monitor struct {
	conn Conn
	opts Options

	mu         sync.Mutex
	latest     *LatencySample
	lastReason string
	timer      *time.Timer
	stopped    bool
}

// New returns a monitor for conn. Zero option values take the defaults: a 10s
// probe interval and a 1s reconnect delay.
func New(conn Conn, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{conn: conn, opts: opts}
}

// ShouldReconnect reports whether reason warrants the extra scheduled
// reconnect. Closes the client asked for never do.
func ShouldReconnect(reason string) bool {
	switch reason {
	case protocol.ReasonServerDisconnect, protocol.ReasonTransportClose:
		return true
	default:
		return false
	}
}

// Run probes every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe issues one round trip when connected and records the sample.
func (m *Monitor) Probe(ctx context.Context) (LatencySample, bool) {
	if !m.conn.Connected() {
		return LatencySample{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	sent := time.Now()
	rtt, err := m.conn.Probe(ctx)
	if err != nil {
		log.Printf("liveness probe failed: %v", err)
		return LatencySample{}, false
	}
	sample := LatencySample{RequestSentAt: sent, RoundTrip: rtt}

	m.mu.Lock()
	m.latest = &sample
	m.mu.Unlock()
	if m.opts.OnSample != nil {
		m.opts.OnSample(sample)
	}
	return sample, true
}

// HandleDisconnect records reason, forgets the last latency and, for
// server or transport closes, schedules one reconnect after ReconnectDelay.
func (m *Monitor) HandleDisconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReason = reason
	m.latest = nil

	if m.stopped || !ShouldReconnect(reason) {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		log.Printf("attempting to reconnect after %q", reason)
		if err := m.conn.Connect(context.Background()); err != nil {
			log.Printf("reconnect failed, backing off: %v", err)
			m.conn.Reconnect()
		}
	})
}

// Resume is called when the application returns to the foreground. A missing
// connection is re-established at once, then latency is probed. A failed
// connect is returned and left to the transport's retries.
func (m *Monitor) Resume(ctx context.Context) error {
	if !m.conn.Connected() {
		if err := m.conn.Connect(ctx); err != nil {
			m.conn.Reconnect()
			return err
		}
	}
	m.Probe(ctx)
	return nil
}

// Latest returns the most recent sample, if any since the last disconnect.
func (m *Monitor) Latest() (LatencySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return LatencySample{}, false
	}
	return *m.latest, true
}

// LastReason returns the most recent disconnect reason.
func (m *Monitor) LastReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReason
}

// Stop cancels any scheduled reconnect. Later disconnects schedule nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
