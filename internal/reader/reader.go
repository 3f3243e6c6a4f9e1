// Package reader is the presentation layer of a scanner: it owns the relay
// session and its liveness monitor, turns tag reads into nfcData events and
// keeps the advisory status text a user sees.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"nfc-relay/internal/client"
	"nfc-relay/internal/liveness"
	"nfc-relay/internal/ndef"
	"nfc-relay/internal/protocol"
)

// Status is everything shown to the user.
type Status struct {
	Connected  bool
	Connection string
	NFC        string
	LastError  string
	ServerInfo *protocol.ServerInfo
	Latency    *time.Duration
	LastText   string
	LastAck    string
}

// Options configure an App.
type Options struct {
	Liveness liveness.Options
	// OnStatus is called with a copy of the status after every change.
	OnStatus func(Status)
	// OnReceived is called for every relayed event this client receives.
	OnReceived func(protocol.NFCDataReceived)
	Now        func() time.Time
}

// App wires a Session, a Monitor and the status text together.
type App struct {
	session *client.Session
	monitor *liveness.Monitor
	opts    Options

	startOnce sync.Once
	subs      client.Subscriptions
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	status Status
}

// New returns an App driving session.
func New(session *client.Session, opts Options) *App {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{
		session: session,
		opts:    opts,
		status:  Status{Connection: "Disconnected", NFC: "Starting..."},
	}
	lopts := opts.Liveness
	userSample := lopts.OnSample
	lopts.OnSample = func(s liveness.LatencySample) {
		rtt := s.RoundTrip
		a.update(func(st *Status) { st.Latency = &rtt })
		if userSample != nil {
			userSample(s)
		}
	}
	a.monitor = liveness.New(session, lopts)
	return a
}

// Start subscribes to the session, starts the latency loop and connects. It
// only does so once; later calls return nil. A failed first connect is
// surfaced in the status and returned; Resume retries it.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		a.ctx, a.cancel = context.WithCancel(ctx)
		a.subscribe()
		a.update(func(st *Status) { st.NFC = "NFC Ready - Waiting for tag" })
		go a.monitor.Run(a.ctx)
		err = a.session.Connect(a.ctx)
	})
	return err
}

// Stop tears down every subscription, the monitor and the connection.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.subs.Release()
	a.monitor.Stop()
	a.session.Disconnect()
}

// Resume is called when the application comes back to the foreground.
func (a *App) Resume(ctx context.Context) error {
	return a.monitor.Resume(ctx)
}

// Status returns a copy of the current status.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Monitor exposes the liveness monitor.
func (a *App) Monitor() *liveness.Monitor { return a.monitor }

// HandleTag decodes the first text record of msg and relays the message.
// Read failures only change the NFC status.
func (a *App) HandleTag(msg ndef.Message) error {
	text, err := msg.Text()
	if err != nil {
		a.update(func(st *Status) { st.NFC = "Error reading tag data" })
		return err
	}
	a.update(func(st *Status) {
		st.LastText = text
		st.NFC = "Tag read successfully!"
	})

	tagData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode tag: %w", err)
	}
	err = a.session.Emit(protocol.EventNFCData, protocol.NFCData{
		Timestamp: protocol.FormatTime(a.opts.Now()),
		TagData:   tagData,
	})
	if err != nil {
		a.update(func(st *Status) { st.LastError = err.Error() })
		return err
	}
	return nil
}

func (a *App) subscribe() {
	on := func(event string, h client.Handler) { a.subs.Add(a.session.On(event, h)) }

	on(protocol.EventConnect, func(json.RawMessage) {
		a.update(func(st *Status) {
			st.Connected = true
			st.Connection = "Connected"
			st.LastError = ""
		})
		go a.monitor.Probe(a.ctx)
	})
	on(protocol.EventConnectionAck, func(data json.RawMessage) {
		var ack protocol.ConnectionAck
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Printf("reader: bad connection_ack: %v", err)
			return
		}
		a.update(func(st *Status) { st.ServerInfo = &ack.ServerInfo })
	})
	on(protocol.EventConnectError, func(data json.RawMessage) {
		var info protocol.ConnectErrorInfo
		_ = json.Unmarshal(data, &info)
		msg := "Connection error: " + info.Message
		a.update(func(st *Status) {
			st.Connection = msg
			st.LastError = msg
		})
	})
	on(protocol.EventDisconnect, func(data json.RawMessage) {
		var info protocol.DisconnectInfo
		_ = json.Unmarshal(data, &info)
		a.update(func(st *Status) {
			st.Connected = false
			st.Connection = "Disconnected: " + info.Reason
			st.Latency = nil
		})
		a.monitor.HandleDisconnect(info.Reason)
	})
	on(protocol.EventReconnectAttempt, func(data json.RawMessage) {
		var info protocol.ReconnectAttemptInfo
		_ = json.Unmarshal(data, &info)
		a.update(func(st *Status) { st.Connection = fmt.Sprintf("Reconnecting... (Attempt %d)", info.Attempt) })
	})
	on(protocol.EventNFCDataAck, func(data json.RawMessage) {
		var ack protocol.NFCDataAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return
		}
		a.update(func(st *Status) { st.LastAck = ack.MessageID })
	})
	on(protocol.EventNFCDataReceived, func(data json.RawMessage) {
		if a.opts.OnReceived == nil {
			return
		}
		var msg protocol.NFCDataReceived
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("reader: bad nfcDataReceived: %v", err)
			return
		}
		a.opts.OnReceived(msg)
	})
}

func (a *App) update(fn func(*Status)) {
	a.mu.Lock()
	fn(&a.status)
	snapshot := a.status
	a.mu.Unlock()
	if a.opts.OnStatus != nil {
		a.opts.OnStatus(snapshot)
	}
}
