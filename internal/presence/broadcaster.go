package presence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jorgeolive/peregrinapp-backend/internal/protocol"
	"github.com/jorgeolive/peregrinapp-backend/pkg/geostore"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
)

// Broadcaster rebuilds the full presence snapshot on every relevant event and
// fans it out to all connected clients. Broadcasts are idempotent full
// snapshots, never deltas, so in-flight reorderings are harmless.
type Broadcaster struct {
	logger   *slog.Logger
	registry state.Registry
	store    geostore.Store

	// coalescing trigger: many events in a burst collapse into one rebuild
	trigger chan struct{}
}

func New(logger *slog.Logger, registry state.Registry, store geostore.Store) *Broadcaster {
	return &Broadcaster{
		logger:   logger.With(slog.String("component", "presence_broadcaster")),
		registry: registry,
		store:    store,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a rebroadcast. Safe from any goroutine; never blocks.
func (b *Broadcaster) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run consumes triggers until ctx is cancelled. All snapshot rebuilds happen
// on this single goroutine, so concurrent notification sources never mutate
// shared state re-entrantly.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.trigger:
			b.broadcast(ctx)
		}
	}
}

// Snapshot lists every connected user that has both a live position record
// and a detail record. Users missing either are not shown on the map.
func (b *Broadcaster) Snapshot(ctx context.Context) []protocol.UserSnapshot {
	userIDs := b.registry.UserIDs()
	snapshot := make([]protocol.UserSnapshot, 0, len(userIDs))

	for _, userID := range userIDs {
		pos, ok, err := b.store.GetPosition(ctx, userID)
		if err != nil {
			if errors.Is(err, geostore.ErrUnavailable) {
				b.logger.Warn("Store unavailable, serving partial snapshot")
				return snapshot
			}
			b.logger.Warn("Skipping user in snapshot", slog.String("userID", userID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}

		details, ok, err := b.store.GetDetails(ctx, userID)
		if err != nil || !ok {
			continue
		}

		lastUpdate := details.LastUpdate
		if lastUpdate.IsZero() {
			lastUpdate = pos.CapturedAt
		}
		snapshot = append(snapshot, protocol.UserSnapshot{
			ID:         userID,
			Name:       details.DisplayName,
			Location:   protocol.Location{Longitude: pos.Longitude, Latitude: pos.Latitude},
			LastUpdate: lastUpdate,
		})
	}
	return snapshot
}

func (b *Broadcaster) broadcast(ctx context.Context) {
	snapshot := b.Snapshot(ctx)
	frame, err := protocol.Encode(protocol.EventUsersUpdate, snapshot)
	if err != nil {
		b.logger.Error("Failed to encode users_update", slog.Any("error", err))
		return
	}

	userIDs := b.registry.UserIDs()
	for _, userID := range userIDs {
		if conn, ok := b.registry.Get(userID); ok {
			conn.Transport.Send(frame)
		}
	}
	b.logger.Debug("Presence snapshot broadcast",
		slog.Int("users_shown", len(snapshot)), slog.Int("recipients", len(userIDs)))
}
