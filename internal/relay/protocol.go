// Package relay implements the room relay core: the connection registry,
// the in-memory room store, and the protocol state machine that fans
// encrypted messages out to the members of a room.
//
// Nothing in this package is safe for concurrent use. The transport layer
// owns a single goroutine that feeds every event into the Engine.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Client to relay event types.
const (
	TypeJoin     = "join"
	TypeMessage  = "message"
	TypeLeave    = "leave"
	TypeLoadMore = "load_more"
)

// Relay to client notification types. TypeMessage is shared with the
// inbound event of the same name.
const (
	TypeMessages    = "messages"
	TypeRoomDeleted = "room_deleted"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object or
	// one of its fields has the wrong shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEventType is returned for a well-formed frame whose type
	// the relay does not understand.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Bytes is an opaque byte sequence. On the wire it is a JSON array of
// integers in 0..255, which is what browsers produce from a Uint8Array.
// A base64 string is accepted on input as well.
type Bytes []byte

// MarshalJSON encodes b as an array of numbers. A nil value encodes as [].
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON decodes an array of byte values or a base64 string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Limit is the load_more window size. Any JSON number is accepted; a
// fractional value is truncated toward zero.
type Limit int

// UnmarshalJSON decodes integer, fractional and exponent forms.
func (l *Limit) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = 0
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	switch {
	case f >= math.MaxInt32:
		*l = math.MaxInt32
	case f <= math.MinInt32:
		*l = math.MinInt32
	default:
		*l = Limit(f)
	}
	return nil
}

// Message is one entry of a room's log. The relay stores and forwards it
// without looking inside IV or Data.
type Message struct {
	Nickname string `json:"nickname"`
	IV       Bytes  `json:"iv"`
	Data     Bytes  `json:"data"`
	Time     int64  `json:"time"`
}

// Event is a decoded client frame. Only the fields relevant to Type are set.
type Event struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname,omitempty"`
	IV       Bytes  `json:"iv,omitempty"`
	Data     Bytes  `json:"data,omitempty"`
	Time     int64  `json:"time,omitempty"`
	Limit    Limit  `json:"limit,omitempty"`
}

// Message returns the log entry carried by a message event.
func (e Event) Message() Message {
	return Message{
		Nickname: e.Nickname,
		IV:       e.IV,
		Data:     e.Data,
		Time:     e.Time,
	}
}

// DecodeEvent parses a single inbound frame.
func DecodeEvent(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch ev.Type {
	case TypeJoin, TypeMessage, TypeLeave, TypeLoadMore:
		return ev, nil
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

type messagesNotification struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

type messageNotification struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type roomDeletedNotification struct {
	Type string `json:"type"`
}

// EncodeMessages builds a {type:"messages"} frame. A nil slice is sent as [].
func EncodeMessages(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	return json.Marshal(messagesNotification{Type: TypeMessages, Messages: messages})
}

// EncodeMessage builds a {type:"message"} frame for a single new message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(messageNotification{Type: TypeMessage, Message: msg})
}

// EncodeRoomDeleted builds a {type:"room_deleted"} frame.
func EncodeRoomDeleted() ([]byte, error) {
	return json.Marshal(roomDeletedNotification{Type: TypeRoomDeleted})
}
