// Package ndef decodes the NDEF text records a scanner reads off a tag.
package ndef

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PrefixLen is the status byte plus the two byte language code that precede
// the text of a well-known text record.
const PrefixLen = 3

// TNF and type of a well-known text record.
const (
	TNFWellKnown = 0x01
	TypeText     = 'T'
)

// ErrShortPayload is returned for payloads that cannot hold a text prefix.
var ErrShortPayload = errors.New("ndef: payload shorter than text prefix")

// ErrEmptyMessage is returned for a message without records.
var ErrEmptyMessage = errors.New("ndef: message has no records")

// Bytes marshals as a JSON array of numbers, the shape mobile NFC stacks use.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 0xff {
			return fmt.Errorf("ndef: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Record is one NDEF record.
type Record struct {
	TNF     int   `json:"tnf"`
	Type    Bytes `json:"type"`
	ID      Bytes `json:"id,omitempty"`
	Payload Bytes `json:"payload"`
}

// Message is the record list read from one tag.
type Message []Record

// NewTextRecord builds a UTF-8 text record. lang must be a two letter code.
func NewTextRecord(lang, text string) (Record, error) {
	if len(lang) != PrefixLen-1 {
		return Record{}, fmt.Errorf("ndef: language code %q must be 2 bytes", lang)
	}
	payload := make([]byte, 0, PrefixLen+len(text))
	payload = append(payload, byte(len(lang)))
	payload = append(payload, lang...)
	payload = append(payload, text...)
	return Record{TNF: TNFWellKnown, Type: Bytes{TypeText}, Payload: payload}, nil
}

// TextPayload strips the text prefix from payload.
func TextPayload(payload []byte) (string, error) {
	if len(payload) < PrefixLen {
		return "", ErrShortPayload
	}
	return string(payload[PrefixLen:]), nil
}

// Text returns the text of the first record of m.
func (m Message) Text() (string, error) {
	if len(m) == 0 {
		return "", ErrEmptyMessage
	}
	return TextPayload(m[0].Payload)
}

// ParseHex parses one record payload written as hex, tolerating spaces and
// colons between bytes.
func ParseHex(s string) (Record, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	payload, err := hex.DecodeString(clean)
	if err != nil {
		return Record{}, fmt.Errorf("ndef: parse hex payload: %w", err)
	}
	return Record{TNF: TNFWellKnown, Type: Bytes{TypeText}, Payload: payload}, nil
}
