package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type classifies an envelope on the wire.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeEvent        Type = "event"
)

// Broadcast is the reserved target meaning "every subscriber".
const Broadcast = "*"

// Priority orders handler delivery; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Envelope is the unit carried between agents over the message bus.
// A request and its response share a CorrelationID; a response is valid
// only in reply to exactly one outstanding request.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"` // agent name or Broadcast
	Action        string          `json:"action,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Success       bool            `json:"success,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewRequest builds a request envelope with a fresh correlation id.
func NewRequest(from, to, action string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          TypeRequest,
		From:          from,
		To:            to,
		Action:        action,
		Payload:       payload,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now(),
	}
}

// NewResponse builds a response correlated to the given request.
func NewResponse(req *Envelope, from string, success bool, payload json.RawMessage, errMsg string) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          TypeResponse,
		From:          from,
		To:            req.From,
		Action:        req.Action,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
		Success:       success,
		Error:         errMsg,
		Timestamp:     time.Now(),
	}
}

// NewNotification builds a fire-and-forget notification.
func NewNotification(from, to, action string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeNotification,
		From:      from,
		To:        to,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewEvent builds a broadcast event envelope.
func NewEvent(from, action string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeEvent,
		From:      from,
		To:        Broadcast,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// MarshalPayload is a convenience for building payloads from Go values.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
