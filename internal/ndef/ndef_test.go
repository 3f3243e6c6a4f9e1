package ndef

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
		wantErr error
	}{
		{name: "english text", payload: []byte("\x02enhello"), want: "hello"},
		{name: "prefix only", payload: []byte("\x02en"), want: ""},
		{name: "too short", payload: []byte("\x02e"), wantErr: ErrShortPayload},
		{name: "empty", payload: nil, wantErr: ErrShortPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TextPayload(tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTextRecord(t *testing.T) {
	rec, err := NewTextRecord("en", "tag-42")
	require.NoError(t, err)
	assert.Equal(t, TNFWellKnown, rec.TNF)

	text, err := Message{rec}.Text()
	require.NoError(t, err)
	assert.Equal(t, "tag-42", text)

	_, err = NewTextRecord("eng", "x")
	assert.Error(t, err)
}

func TestParseHex(t *testing.T) {
	rec, err := ParseHex(" 02:65:6e 68 69 ")
	require.NoError(t, err)
	text, err := TextPayload(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	_, err = ParseHex("zz")
	assert.Error(t, err)
}

func TestMessageText_Empty(t *testing.T) {
	_, err := Message{}.Text()
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRecordJSONShape(t *testing.T) {
	rec, err := NewTextRecord("en", "a")
	require.NoError(t, err)

	raw, err := json.Marshal(Message{rec})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"tnf":1,"type":[84],"payload":[2,101,110,97]}]`, string(raw))

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, Bytes("\x02ena"), back[0].Payload)

	var bad Bytes
	assert.Error(t, json.Unmarshal([]byte(`[256]`), &bad))
}
