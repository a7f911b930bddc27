package geostore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned once the reconnect ceiling has been reached.
// Callers degrade gracefully: skip the presence update, log, keep serving.
var ErrUnavailable = errors.New("geostore: store unavailable")

// Detail hash field names. The hash is merged on every write; last_update is
// always refreshed by StoreDetails.
const (
	FieldDisplayName    = "name"
	FieldPhoneNumber    = "phone"
	FieldLastUpdate     = "last_update"
	FieldConnectedAt    = "connected_at"
	FieldDisconnectedAt = "disconnected_at"
)

// Notification types published on the presence channel.
const (
	NotificationPosition = "position"
	NotificationRemoval  = "removal"
)

// PresenceRecord is the TTL-bound position snapshot of one user. A record
// served from the geospatial fallback carries a zero CapturedAt.
type PresenceRecord struct {
	UserID     string    `json:"userId"`
	Longitude  float64   `json:"longitude"`
	Latitude   float64   `json:"latitude"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Details is the per-user detail record kept alongside the position. It has
// no independent expiry.
type Details struct {
	DisplayName    string
	PhoneNumber    string
	LastUpdate     time.Time
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// NearbyUser is one geospatial radius query result, enriched with the
// corresponding detail record.
type NearbyUser struct {
	UserID         string
	Longitude      float64
	Latitude       float64
	DistanceMeters float64
	Details        Details
}

// Location is the coordinate pair carried inside change notifications.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Notification is published on the presence channel for every position write
// or removal.
type Notification struct {
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Location  *Location `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the stateful boundary to the external geospatial/pub-sub store.
// Four concerns are separately keyed: the geo index, the TTL position
// snapshot, the per-user detail hash, and a single notification channel.
type Store interface {
	StorePosition(ctx context.Context, userID string, longitude, latitude float64) error
	GetPosition(ctx context.Context, userID string) (PresenceRecord, bool, error)
	StoreDetails(ctx context.Context, userID string, fields map[string]string) error
	GetDetails(ctx context.Context, userID string) (Details, bool, error)
	RemovePosition(ctx context.Context, userID string) error
	FindNearby(ctx context.Context, longitude, latitude, radiusMeters float64) ([]NearbyUser, error)
	// Subscribe delivers every published notification to the callback until
	// the returned unsubscribe function is called.
	Subscribe(ctx context.Context, cb func(Notification)) (func(), error)
	Ready(ctx context.Context) error
}
