// Package protocol defines the JSON frames exchanged with connected clients.
// Inbound frames are commands (join, leave, send); outbound frames are the
// events a client observes plus an error frame. The shapes are part of the
// public contract and must stay stable across server versions.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Inbound actions.
const (
	ActionJoinRoom    = "joinRoom"
	ActionLeaveRoom   = "leaveRoom"
	ActionSendMessage = "sendMessage"
)

// Outbound frame types.
const (
	TypeReceiveMessage = "receiveMessage"
	TypeUserJoined     = "userJoined"
	TypeUserLeft       = "userLeft"
	TypeError          = "error"
)

// Error codes carried by error frames.
const (
	CodeValidationError   = "ValidationError"
	CodeBrokerUnavailable = "BrokerUnavailable"
	CodeSlowConsumer      = "SlowConsumer"
)

// ErrMalformedFrame reports an inbound frame that could not be decoded or is
// missing required fields.
var ErrMalformedFrame = errors.New("malformed client frame")

// Inbound is a client command. Content is only meaningful for sendMessage.
// The sender identity is never read from the frame; it comes from the
// authenticated session.
type Inbound struct {
	Action  string `json:"action"`
	RoomID  string `json:"roomId"`
	Content string `json:"content,omitempty"`
}

// Outbound is the single frame shape written to clients. Fields irrelevant to
// a given type are omitted from the encoding.
type Outbound struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecodeInbound parses and validates a raw client frame. Room identifiers
// must be non-blank; unknown actions are rejected.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, ErrMalformedFrame
	}
	switch in.Action {
	case ActionJoinRoom, ActionLeaveRoom, ActionSendMessage:
	default:
		return Inbound{}, ErrMalformedFrame
	}
	if strings.TrimSpace(in.RoomID) == "" {
		return Inbound{}, ErrMalformedFrame
	}
	return in, nil
}

// ErrorFrame builds an outbound error frame.
func ErrorFrame(code, message string) Outbound {
	return Outbound{Type: TypeError, Code: code, Message: message}
}

// Encode serializes an outbound frame.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// IsMessage reports whether the frame carries a chat message, the frame class
// that the backpressure policy protects over presence frames.
func (o Outbound) IsMessage() bool {
	return o.Type == TypeReceiveMessage
}
