// Package event defines the fan-out event model shared by every process in
// the deployment. Events are published once per logical action on the broker
// topic named after the room and consumed by all subscribed processes,
// including the one that published them.
package event

import (
	"encoding/json"
	"time"
)

// Type discriminates the logical action an event carries.
type Type string

const (
	TypeMessage    Type = "message"
	TypeUserJoined Type = "userJoined"
	TypeUserLeft   Type = "userLeft"
)

// Event is the unit published on the broker. Payload is opaque to the broker;
// for message events it holds a MessagePayload, presence events carry none.
// SequenceHint is a per-room counter scoped to the origin process, letting
// clients detect gaps without promising there are none.
type Event struct {
	RoomID       string          `json:"roomId"`
	Type         Type            `json:"eventType"`
	SenderID     string          `json:"senderId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SequenceHint int64           `json:"sequenceHint"`
	Origin       string          `json:"originProcessId"`
}

// MessagePayload is the payload carried by TypeMessage events.
type MessagePayload struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// NewMessage builds a message event stamped with the current time.
func NewMessage(roomID, senderID, content string, seqHint int64, origin string) (Event, error) {
	body, err := json.Marshal(MessagePayload{
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		RoomID:       roomID,
		Type:         TypeMessage,
		SenderID:     senderID,
		Payload:      body,
		SequenceHint: seqHint,
		Origin:       origin,
	}, nil
}

// NewPresence builds a userJoined or userLeft event.
func NewPresence(t Type, roomID, subjectID string, seqHint int64, origin string) Event {
	return Event{
		RoomID:       roomID,
		Type:         t,
		SenderID:     subjectID,
		SequenceHint: seqHint,
		Origin:       origin,
	}
}

// Message decodes the event payload as a MessagePayload.
func (e Event) Message() (MessagePayload, error) {
	var p MessagePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Encode serializes the event for broker transport.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a broker message body into an Event.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
