package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventUpdateLocation      = "update_location"
	EventSendMessage         = "send_message"
	EventMessageSeen         = "message_seen"
	EventStopLocationSharing = "stop_location_sharing"
)

// Server to client events.
const (
	EventAuthenticated = "authenticated"
	EventUsersUpdate   = "users_update"
	EventNewMessage    = "new_message"
	EventMessageStatus = "message_status"
)

// Message delivery statuses. Delivered and failed are terminal; every send
// eventually produces exactly one of them for a still-connected sender.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Location as carried inside a user snapshot.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// UserSnapshot is one entry of a full users_update broadcast.
type UserSnapshot struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Location   Location  `json:"location"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type NewMessagePayload struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type MessageSeenPayload struct {
	MessageID string `json:"messageId"`
	SeenBy    string `json:"seenBy"`
}

// Encode wraps a payload value in an Envelope and marshals the frame.
func Encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
