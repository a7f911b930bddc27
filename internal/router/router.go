package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/jorgeolive/peregrinapp-backend/internal/delivery"
	"github.com/jorgeolive/peregrinapp-backend/internal/presence"
	"github.com/jorgeolive/peregrinapp-backend/internal/protocol"
	"github.com/jorgeolive/peregrinapp-backend/pkg/geostore"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
)

// EventRouter dispatches client events to the owning component. Errors local
// to one event never close the connection; malformed payloads are dropped
// with a log line and the connection stays open.
type EventRouter struct {
	logger      *slog.Logger
	store       geostore.Store
	broadcaster *presence.Broadcaster
	engine      *delivery.Engine
}

func NewEventRouter(logger *slog.Logger, store geostore.Store, broadcaster *presence.Broadcaster, engine *delivery.Engine) *EventRouter {
	return &EventRouter{
		logger:      logger.With(slog.String("component", "event_router")),
		store:       store,
		broadcaster: broadcaster,
		engine:      engine,
	}
}

func (r *EventRouter) HandleMessage(ctx context.Context, conn *state.Connection, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("Failed to unmarshal client message",
			slog.String("userID", conn.UserID), slog.Any("error", err))
		return
	}

	switch env.Event {
	case protocol.EventUpdateLocation:
		r.handleUpdateLocation(ctx, conn, env.Payload)
	case protocol.EventSendMessage:
		r.handleSendMessage(ctx, conn, env.Payload)
	case protocol.EventMessageSeen:
		r.handleMessageSeen(conn, env.Payload)
	case protocol.EventStopLocationSharing:
		r.handleStopLocationSharing(ctx, conn)
	default:
		r.logger.Warn("Received unknown event",
			slog.String("event", env.Event), slog.String("userID", conn.UserID))
	}
}

func (r *EventRouter) handleUpdateLocation(ctx context.Context, conn *state.Connection, payload []byte) {
	lat := gjson.GetBytes(payload, "latitude")
	lon := gjson.GetBytes(payload, "longitude")
	if !lat.Exists() || !lon.Exists() {
		r.logger.Warn("Dropping location update with missing coordinates", slog.String("userID", conn.UserID))
		return
	}
	latitude, longitude := lat.Float(), lon.Float()
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		r.logger.Warn("Dropping location update with out-of-range coordinates",
			slog.String("userID", conn.UserID),
			slog.Float64("latitude", latitude), slog.Float64("longitude", longitude))
		return
	}

	if err := r.store.StorePosition(ctx, conn.UserID, longitude, latitude); err != nil {
		// Presence degrades; messaging stays up.
		r.logger.Warn("Failed to store position",
			slog.String("userID", conn.UserID), slog.Any("error", err))
		return
	}
	r.broadcaster.Trigger()
}

func (r *EventRouter) handleSendMessage(ctx context.Context, conn *state.Connection, payload []byte) {
	recipientID := gjson.GetBytes(payload, "recipientId").String()
	message := gjson.GetBytes(payload, "message").String()
	messageID := gjson.GetBytes(payload, "messageId").String()

	r.engine.Send(ctx, conn.UserID, recipientID, message, messageID)
}

func (r *EventRouter) handleMessageSeen(conn *state.Connection, payload []byte) {
	messageID := gjson.GetBytes(payload, "messageId").String()
	senderID := gjson.GetBytes(payload, "senderId").String()
	if messageID == "" || senderID == "" {
		r.logger.Warn("Dropping malformed seen receipt", slog.String("userID", conn.UserID))
		return
	}
	r.engine.MarkSeen(messageID, senderID, conn.UserID)
}

func (r *EventRouter) handleStopLocationSharing(ctx context.Context, conn *state.Connection) {
	if err := r.store.RemovePosition(ctx, conn.UserID); err != nil {
		r.logger.Warn("Failed to remove position on stop-sharing",
			slog.String("userID", conn.UserID), slog.Any("error", err))
	}
	r.broadcaster.Trigger()
	// The client asked to stop sharing; its connection is closed and the
	// disconnect path reconciles the remaining state.
	conn.Transport.Close(errors.New("stop location sharing requested"))
}
