// Package wire implements the framing codec described in spec.md §4.1: a
// wire frame is an ordered 5-tuple (join_seq, seq, topic, event, payload)
// rendered as a JSON array.
package wire

import (
	"encoding/json"
	"fmt"
)

// Reserved topic for transport-level messages (heartbeat and its reply).
const SystemTopic = "$system"

// Reply event literal, normative per spec.md §6.
const ReplyEvent = "chan:reply"

// Event name constants routed by the server message router (spec.md §4.8)
// and emitted/consumed by the client channel state machine (spec.md §4.6).
const (
	EventChanJoin      = "chan:join"
	EventChanLeave     = "chan:leave"
	EventChanReply     = ReplyEvent
	EventChanClose     = "chan:close"
	EventChanError     = "chan:error"
	EventAccessToken   = "access_token"
	EventBroadcast     = "broadcast"
	EventPresence      = "presence"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
	EventHeartbeat     = "heartbeat"
)

// Frame is the decoded form of a wire frame.
type Frame struct {
	JoinSeq *string
	Seq     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// arraySize is the number of elements in a well-formed wire frame.
const arraySize = 5

// Encode renders a Frame as its wire JSON array form. Encoding fails only if
// the payload is not valid JSON (the caller is expected to have already
// marshaled it via json.Marshal).
func Encode(f Frame) ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	tuple := [arraySize]json.RawMessage{
		nullableString(f.JoinSeq),
		nullableString(f.Seq),
		mustQuote(f.Topic),
		mustQuote(f.Event),
		payload,
	}
	out, err := json.Marshal(tuple)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out, nil
}

// EncodeValue is a convenience wrapper that marshals payload before encoding.
func EncodeValue(joinSeq, seq *string, topic, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Encode(Frame{JoinSeq: joinSeq, Seq: seq, Topic: topic, Event: event, Payload: raw})
}

// Decode parses a wire frame. Per spec.md §4.1, malformed bytes are a
// "drop frame" signal: callers must treat a non-nil error as "discard this
// message, keep the link open" rather than aborting the transport.
func Decode(data []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("decode frame: not a JSON array: %w", err)
	}
	if len(raw) != arraySize {
		return Frame{}, fmt.Errorf("decode frame: expected %d elements, got %d", arraySize, len(raw))
	}

	joinSeq, err := decodeNullableString(raw[0])
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: join_seq: %w", err)
	}
	seq, err := decodeNullableString(raw[1])
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: seq: %w", err)
	}
	var topic, event string
	if err := json.Unmarshal(raw[2], &topic); err != nil {
		return Frame{}, fmt.Errorf("decode frame: topic: %w", err)
	}
	if err := json.Unmarshal(raw[3], &event); err != nil {
		return Frame{}, fmt.Errorf("decode frame: event: %w", err)
	}

	return Frame{
		JoinSeq: joinSeq,
		Seq:     seq,
		Topic:   topic,
		Event:   event,
		Payload: raw[4],
	}, nil
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullableString(s *string) json.RawMessage {
	if s == nil {
		return json.RawMessage("null")
	}
	return mustQuote(*s)
}

func mustQuote(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		// s is always a plain Go string; json.Marshal on a string never fails.
		panic(fmt.Sprintf("wire: marshal string: %v", err))
	}
	return b
}

// ReplyStatus is the payload.status field of a chan:reply frame.
type ReplyStatus string

const (
	StatusOK    ReplyStatus = "ok"
	StatusError ReplyStatus = "error"
)

// ReplyPayload is the normative shape of a chan:reply frame's payload.
type ReplyPayload struct {
	Status   ReplyStatus     `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse is the normative shape of ReplyPayload.Response on error.
type ErrorResponse struct {
	Reason    string `json:"reason"`
	Code      string `json:"code,omitempty"`
	RetryMS   int64  `json:"retry_after,omitempty"`
	ErrorKind string `json:"-"`
}
