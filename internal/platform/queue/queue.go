// Package queue is the request/reply transport between the acquirer and the
// oracle. A Broker moves opaque messages between named topics; RPCClient and
// Consume build correlation and reconnection on top of it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is one unit on a topic. CorrelationID and ReplyTo are transport
// metadata; Body holds an encoded Envelope or Reply.
type Message struct {
	ID            string
	CorrelationID string
	ReplyTo       string
	Body          []byte
}

// Handler processes one delivered message. A non-nil error leaves the
// message unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

// Broker is a durable topic transport.
type Broker interface {
	Publish(ctx context.Context, topic string, msg Message) error
	// Subscribe delivers messages from topic to h until ctx is cancelled or
	// the subscription fails. Members of the same group share the stream.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Envelope is the request body: a command name and its payload.
type Envelope struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// Reply is the response body for every command.
type Reply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}

// ReplyError carries a taxonomy code across the queue.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("queue: broker closed")

// NewEnvelope encodes data under command.
func NewEnvelope(command string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Command: command, Data: raw})
}

// OKReply encodes a successful reply.
func OKReply(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Reply{OK: true, Data: raw})
}

// ErrorReply encodes a failed reply.
func ErrorReply(code, message string) []byte {
	// Marshalling a struct of strings cannot fail.
	b, _ := json.Marshal(Reply{OK: false, Error: &ReplyError{Code: code, Message: message}})
	return b
}
