// relay.go

package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nfc-relay/internal/protocol"
)

// FanoutMode selects who receives a broadcast copy.
type FanoutMode string

const (
	// FanoutAll delivers to every registered peer, the source included.
	FanoutAll FanoutMode = "all"
	// FanoutOthers delivers to every registered peer except the source.
	FanoutOthers FanoutMode = "others"
)

// ErrUnknownSource is returned by Submit when the source id is not registered.
var ErrUnknownSource = errors.New("relay: unknown source connection")

// ParseFanoutMode validates a configured mode string.
func ParseFanoutMode(s string) (FanoutMode, error) {
	switch m := FanoutMode(strings.ToLower(strings.TrimSpace(s))); m {
	case FanoutAll, FanoutOthers:
		return m, nil
	case "":
		return FanoutAll, nil
	default:
		return "", fmt.Errorf("relay: invalid fanout mode %q (want %q or %q)", s, FanoutAll, FanoutOthers)
	}
}

// Receipt is what Submit hands back for the acknowledgment.
type Receipt struct {
	Timestamp time.Time
	MessageID string
	// Recipients is the number of peers the broadcast copy was queued for.
	Recipients int
}

// Stats are cumulative relay counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Relay stamps submitted events and fans them out over a Registry.
type Relay struct {
	registry *Registry
	mode     FanoutMode
	now      func() time.Time
	newID    func() string

	submitted atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Option customises a Relay.
type Option func(*Relay)

// WithClock overrides the time source used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithMessageIDs overrides the acknowledgment message id generator.
func WithMessageIDs(gen func() string) Option {
	return func(r *Relay) { r.newID = gen }
}

// New returns a relay over registry using mode.
func New(registry *Registry, mode FanoutMode, opts ...Option) *Relay {
	r := &Relay{
		registry: registry,
		mode:     mode,
		now:      time.Now,
		newID:    NewMessageID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewMessageID returns a short random token. It only needs to be unique enough
// for a client to tell its acknowledgments apart.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Mode returns the configured fanout mode.
func (r *Relay) Mode() FanoutMode { return r.mode }

// Registry returns the registry the relay fans out over.
func (r *Relay) Registry() *Registry { return r.registry }

// Submit stamps payload, broadcasts it and acknowledges the source. The payload
// is not validated. Delivery is best effort: peers that are gone or full are
// skipped, and a source that disconnected mid-submit simply misses its ack.
//
// The source must be registered when Submit starts, otherwise it returns
// ErrUnknownSource and nothing is sent. The server only unregisters a
// connection after its read pump has finished the frame in hand, so an event
// read before the disconnect is always fanned out.
func (r *Relay) Submit(sourceID string, payload json.RawMessage) (Receipt, error) {
	if _, ok := r.registry.Get(sourceID); !ok {
		return Receipt{}, ErrUnknownSource
	}
	r.submitted.Add(1)

	receipt := Receipt{
		Timestamp: r.now(),
		MessageID: r.newID(),
	}
	stamp := protocol.FormatTime(receipt.Timestamp)

	frame, err := protocol.Encode(protocol.EventNFCDataReceived, broadcastCopy(payload, stamp, sourceID))
	if err != nil {
		return Receipt{}, err
	}

	for _, p := range r.registry.Members() {
		if r.mode == FanoutOthers && p.ID() == sourceID {
			continue
		}
		if p.Deliver(frame) {
			receipt.Recipients++
			r.delivered.Add(1)
		} else {
			r.dropped.Add(1)
		}
	}

	r.acknowledge(sourceID, protocol.NFCDataAck{
		Received:  true,
		Timestamp: stamp,
		MessageID: receipt.MessageID,
	})
	return receipt, nil
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Relay) acknowledge(sourceID string, ack protocol.NFCDataAck) {
	src, ok := r.registry.Get(sourceID)
	if !ok {
		return
	}
	frame, err := protocol.Encode(protocol.EventNFCDataAck, ack)
	if err != nil {
		log.Printf("relay: encode ack for %s: %v", sourceID, err)
		return
	}
	src.Deliver(frame)
}

// broadcastCopy keeps every field of an object payload, overwriting timestamp
// and adding sourceClientId. Anything that is not a JSON object travels
// verbatim as tagData.
func broadcastCopy(payload json.RawMessage, stamp, sourceID string) any {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &fields) == nil && fields != nil {
		fields["timestamp"], _ = json.Marshal(stamp)
		fields["sourceClientId"], _ = json.Marshal(sourceID)
		return fields
	}

	out := protocol.NFCDataReceived{Timestamp: stamp, SourceClientID: sourceID}
	if len(trimmed) > 0 && json.Valid(trimmed) {
		out.TagData = json.RawMessage(trimmed)
	} else if len(trimmed) > 0 {
		out.TagData, _ = json.Marshal(string(trimmed))
	}
	return out
}
