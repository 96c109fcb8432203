// Package protocol encodes and decodes the chat wire envelope.
//
// Every frame is a JSON object with a "type" field and an optional "payload":
//
//	{"type":"subscribe:chat"}
//	{"type":"chat:message","payload":{"from":"test_user_1","message":"Hello from VU-1"}}
//	{"type":"unsubscribe:chat"}
//
// Decoding an unknown type is not an error; the payload is kept raw so newer
// servers can add message types without breaking the harness.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	subscribePrefix   = "subscribe:"
	unsubscribePrefix = "unsubscribe:"
	messageSuffix     = ":message"
)

// ErrMalformedMessage is returned when a frame is not a valid envelope.
var ErrMalformedMessage = errors.New("malformed message")

// ErrEmptyMessage is returned when a chat payload carries no text.
var ErrEmptyMessage = errors.New("chat message is empty")

// Kind classifies a message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindUnsubscribe
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Message is one envelope on the wire.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload is the body of a <topic>:message envelope.
type ChatPayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// Subscribe builds a subscribe:<topic> message.
func Subscribe(topic string) Message {
	return Message{Type: subscribePrefix + topic}
}

// Unsubscribe builds an unsubscribe:<topic> message.
func Unsubscribe(topic string) Message {
	return Message{Type: unsubscribePrefix + topic}
}

// Chat builds a <topic>:message message.
func Chat(topic, from, text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	payload, err := json.Marshal(ChatPayload{From: from, Message: text})
	if err != nil {
		return Message{}, fmt.Errorf("marshal chat payload: %w", err)
	}
	return Message{Type: topic + messageSuffix, Payload: payload}, nil
}

// Kind reports which recognized family the message type belongs to.
func (m Message) Kind() Kind {
	switch {
	case strings.HasPrefix(m.Type, subscribePrefix) && len(m.Type) > len(subscribePrefix):
		return KindSubscribe
	case strings.HasPrefix(m.Type, unsubscribePrefix) && len(m.Type) > len(unsubscribePrefix):
		return KindUnsubscribe
	case strings.HasSuffix(m.Type, messageSuffix) && len(m.Type) > len(messageSuffix):
		return KindChat
	default:
		return KindUnknown
	}
}

// Topic returns the topic the message refers to, or "" for unknown types.
func (m Message) Topic() string {
	switch m.Kind() {
	case KindSubscribe:
		return strings.TrimPrefix(m.Type, subscribePrefix)
	case KindUnsubscribe:
		return strings.TrimPrefix(m.Type, unsubscribePrefix)
	case KindChat:
		return strings.TrimSuffix(m.Type, messageSuffix)
	default:
		return ""
	}
}

// Chat decodes the payload of a chat message and validates it.
func (m Message) Chat() (ChatPayload, error) {
	if m.Kind() != KindChat {
		return ChatPayload{}, fmt.Errorf("%w: type %q is not a chat message", ErrMalformedMessage, m.Type)
	}
	if len(m.Payload) == 0 {
		return ChatPayload{}, fmt.Errorf("%w: chat message without payload", ErrMalformedMessage)
	}
	var p ChatPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ChatPayload{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if p.Message == "" {
		return p, ErrEmptyMessage
	}
	return p, nil
}

// Equal compares two messages, treating payloads as JSON values.
func (m Message) Equal(other Message) bool {
	if m.Type != other.Type {
		return false
	}
	if len(m.Payload) == 0 || len(other.Payload) == 0 {
		return len(m.Payload) == len(other.Payload)
	}
	var a, b bytes.Buffer
	if err := json.Compact(&a, m.Payload); err != nil {
		return false
	}
	if err := json.Compact(&b, other.Payload); err != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// Encode renders a message as a text frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrMalformedMessage)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedMessage)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a text frame.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, fmt.Errorf("%w: envelope must be an object", ErrMalformedMessage)
	}
	typ := root.Get("type")
	if !typ.Exists() {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if typ.Type != gjson.String || typ.Str == "" {
		return Message{}, fmt.Errorf("%w: type must be a non-empty string", ErrMalformedMessage)
	}

	msg := Message{Type: typ.Str}
	if payload := root.Get("payload"); payload.Exists() && payload.Type != gjson.Null {
		msg.Payload = json.RawMessage(payload.Raw)
	}
	return msg, nil
}
