package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestSyncMessages(t *testing.T) {
	cases := []struct {
		name    string
		frame   []byte
		request bool
		sync    SyncType
	}{
		{name: "step1", frame: EncodeSyncStep1([]byte{1, 2, 3}), request: true, sync: SyncStep1},
		{name: "step2", frame: EncodeSyncStep2([]byte{1, 2, 3}), sync: SyncStep2},
		{name: "update", frame: EncodeUpdate([]byte{1, 2, 3}), sync: SyncUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(tc.frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			assert.Equal(t, MessageSync, msg.Type)
			assert.Equal(t, tc.sync, msg.Sync)
			assert.Equal(t, tc.request, msg.IsStateRequest())
			assert.Equal(t, !tc.request, msg.IsUpdate())
			assert.Equal(t, []byte{1, 2, 3}, msg.Payload)
		})
	}
}

func TestSyncWireLayout(t *testing.T) {
	// discriminator, sub type, length, payload
	assert.Equal(t, []byte{0, 0, 2, 0xaa, 0xbb}, EncodeSyncStep1([]byte{0xaa, 0xbb}))
	assert.Equal(t, []byte{0, 2, 0}, EncodeUpdate(nil))
}

func TestAwarenessMessage(t *testing.T) {
	frame := EncodeAwareness([]AwarenessEntry{
		{ClientID: 7, Clock: 5, State: json.RawMessage(`{"cursor":[1,2]}`)},
		{ClientID: 300, Clock: 1},
	})
	assert.Equal(t, byte(1), frame[0])

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	assert.Equal(t, MessageAwareness, msg.Type)
	assert.Equal(t, 2, len(msg.Awareness))
	assert.Equal(t, uint64(7), msg.Awareness[0].ClientID)
	assert.Equal(t, uint64(5), msg.Awareness[0].Clock)
	assert.Equal(t, `{"cursor":[1,2]}`, string(msg.Awareness[0].State))
	assert.Equal(t, false, msg.Awareness[0].IsNull())
	assert.Equal(t, uint64(300), msg.Awareness[1].ClientID)
	assert.Equal(t, true, msg.Awareness[1].IsNull())
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "empty", frame: nil, want: ErrMalformed},
		{name: "unknown family", frame: []byte{2, 0}, want: ErrUnknownMessage},
		{name: "unknown sync type", frame: []byte{0, 9, 0}, want: ErrUnknownMessage},
		{name: "truncated sync payload", frame: []byte{0, 2, 10, 1}, want: ErrMalformed},
		{name: "missing sync type", frame: []byte{0}, want: ErrMalformed},
		{name: "truncated varint", frame: []byte{0x80}, want: ErrMalformed},
		{name: "awareness count too big", frame: []byte{1, 2, 0xff, 0x01}, want: ErrMalformed},
		{name: "awareness bad json", frame: []byte{1, 5, 1, 1, 1, 1, '{'}, want: ErrMalformed},
		{name: "awareness truncated entry", frame: []byte{1, 4, 1, 1, 1, 5}, want: ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Decode(%v) error = %v, want %v", tc.frame, err, tc.want)
			}
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	frame := EncodeUpdate(make([]byte, 100))

	if _, err := DecodeFrame(websocket.TextMessage, frame, 0); !errors.Is(err, ErrNotBinary) {
		t.Fatalf("expected ErrNotBinary, got %v", err)
	}
	if _, err := DecodeFrame(websocket.BinaryMessage, frame, 50); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	msg, err := DecodeFrame(websocket.BinaryMessage, frame, len(frame))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	assert.Equal(t, 100, len(msg.Payload))
}
