// Package protocol frames the two message families multiplexed on a room websocket: document sync and awareness.
//
// Every message is a single binary frame. The frame starts with a varint message type, followed by a
// family specific payload. Length prefixes and integers are unsigned LEB128 varints.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type SyncType uint64

const (
	// SyncStep1 asks the peer for the changes it has that the sender is missing. The payload is the sender's state vector.
	SyncStep1 SyncType = 0
	// SyncStep2 answers a SyncStep1 with an update.
	SyncStep2 SyncType = 1
	// SyncUpdate delivers a live update.
	SyncUpdate SyncType = 2
)

var (
	ErrNotBinary      = errors.New("not a binary frame")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrMalformed      = errors.New("malformed message")
)

// AwarenessEntry is one client's presence. A nil State is encoded as json null and means the client has gone.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

func (e AwarenessEntry) IsNull() bool {
	return len(e.State) == 0 || string(e.State) == "null"
}

type Message struct {
	Type MessageType
	// Sync and Payload are set for MessageSync.
	Sync    SyncType
	Payload []byte
	// Awareness is set for MessageAwareness.
	Awareness []AwarenessEntry
}

// IsStateRequest reports whether the message asks for the changes the sender is missing.
func (m Message) IsStateRequest() bool {
	return m.Type == MessageSync && m.Sync == SyncStep1
}

// IsUpdate reports whether the message delivers update bytes, either as a reply or as a live update.
func (m Message) IsUpdate() bool {
	return m.Type == MessageSync && (m.Sync == SyncStep2 || m.Sync == SyncUpdate)
}

func encodeSync(t SyncType, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = protowire.AppendVarint(b, uint64(MessageSync))
	b = protowire.AppendVarint(b, uint64(t))
	return protowire.AppendBytes(b, payload)
}

func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func EncodeAwareness(entries []AwarenessEntry) []byte {
	var inner []byte
	inner = protowire.AppendVarint(inner, uint64(len(entries)))
	for _, e := range entries {
		inner = protowire.AppendVarint(inner, e.ClientID)
		inner = protowire.AppendVarint(inner, e.Clock)
		if e.IsNull() {
			inner = protowire.AppendString(inner, "null")
		} else {
			inner = protowire.AppendBytes(inner, e.State)
		}
	}
	b := make([]byte, 0, len(inner)+8)
	b = protowire.AppendVarint(b, uint64(MessageAwareness))
	return protowire.AppendBytes(b, inner)
}

// DecodeFrame validates a websocket frame before decoding it. Frames that are not binary or are larger than
// maxBytes are rejected without being parsed. A maxBytes of zero or less disables the size check.
func DecodeFrame(frameType int, frame []byte, maxBytes int) (Message, error) {
	if frameType != websocket.BinaryMessage {
		return Message{}, ErrNotBinary
	}
	if maxBytes > 0 && len(frame) > maxBytes {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), maxBytes)
	}
	return Decode(frame)
}

// Decode parses one message. It never panics on malformed input.
func Decode(frame []byte) (Message, error) {
	t, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: message type: %v", ErrMalformed, protowire.ParseError(n))
	}
	rest := frame[n:]
	switch MessageType(t) {
	case MessageSync:
		return decodeSync(rest)
	case MessageAwareness:
		return decodeAwareness(rest)
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
}

func decodeSync(b []byte) (Message, error) {
	st, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: sync type: %v", ErrMalformed, protowire.ParseError(n))
	}
	switch SyncType(st) {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return Message{}, fmt.Errorf("%w: sync type %d", ErrUnknownMessage, st)
	}
	payload, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return Message{}, fmt.Errorf("%w: sync payload: %v", ErrMalformed, protowire.ParseError(m))
	}
	return Message{Type: MessageSync, Sync: SyncType(st), Payload: payload}, nil
}

func decodeAwareness(b []byte) (Message, error) {
	inner, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: awareness payload: %v", ErrMalformed, protowire.ParseError(n))
	}
	count, n := protowire.ConsumeVarint(inner)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: awareness count: %v", ErrMalformed, protowire.ParseError(n))
	}
	inner = inner[n:]
	// every entry takes at least three bytes so a larger count cannot be honest
	if count > uint64(len(inner)/3) {
		return Message{}, fmt.Errorf("%w: awareness count %d exceeds payload", ErrMalformed, count)
	}
	entries := make([]AwarenessEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		clientID, n := protowire.ConsumeVarint(inner)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: awareness client id: %v", ErrMalformed, protowire.ParseError(n))
		}
		inner = inner[n:]
		clock, n := protowire.ConsumeVarint(inner)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: awareness clock: %v", ErrMalformed, protowire.ParseError(n))
		}
		inner = inner[n:]
		state, n := protowire.ConsumeBytes(inner)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: awareness state: %v", ErrMalformed, protowire.ParseError(n))
		}
		inner = inner[n:]
		if !json.Valid(state) {
			return Message{}, fmt.Errorf("%w: awareness state for client %d is not json", ErrMalformed, clientID)
		}
		e := AwarenessEntry{ClientID: clientID, Clock: clock}
		if string(state) != "null" {
			e.State = json.RawMessage(append([]byte(nil), state...))
		}
		entries = append(entries, e)
	}
	return Message{Type: MessageAwareness, Awareness: entries}, nil
}
