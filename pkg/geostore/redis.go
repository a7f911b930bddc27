package geostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = 250 * time.Millisecond
	reconnectMaxDelay    = 4 * time.Second
	reconnectPingTimeout = 2 * time.Second
)

// RedisStore implements Store on a Redis-compatible server: GEOADD/GEOSEARCH
// for the index, a plain key with TTL for the position snapshot, a hash for
// details and a pub/sub channel for change notifications.
type RedisStore struct {
	opts        *redis.Options
	positionTTL time.Duration
	prefix      string

	mu     sync.RWMutex
	client *redis.Client

	// unavailable latches after a failed ping; every operation then fails
	// fast with ErrUnavailable until a background reconnect round succeeds.
	unavailable  atomic.Bool
	reconnecting atomic.Bool

	logger *slog.Logger
}

func NewRedisStore(logger *slog.Logger, opts *redis.Options, prefix string, positionTTL time.Duration) *RedisStore {
	return &RedisStore{
		opts:        opts,
		positionTTL: positionTTL,
		prefix:      prefix,
		client:      redis.NewClient(opts),
		logger:      logger.With(slog.String("component", "geostore_redis")),
	}
}

var _ Store = (*RedisStore)(nil)

// --- Key layout ---

func (s *RedisStore) geoKey() string {
	return s.prefix + ":geo:positions"
}

func (s *RedisStore) positionKey(userID string) string {
	return s.prefix + ":pos:" + userID
}

func (s *RedisStore) detailsKey(userID string) string {
	return s.prefix + ":user:" + userID
}

func (s *RedisStore) channel() string {
	return s.prefix + ":presence:events"
}

func (s *RedisStore) db() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Ready reports whether the store can serve requests. A failed ping latches
// the store into a degraded mode where every operation fails fast with
// ErrUnavailable; reconnection happens in the background with bounded backoff
// and clears the latch once a ping succeeds.
func (s *RedisStore) Ready(ctx context.Context) error {
	if s.unavailable.Load() {
		s.reconnect()
		return ErrUnavailable
	}
	if err := s.db().Ping(ctx).Err(); err == nil {
		return nil
	}

	s.logger.Warn("Store ping failed; entering degraded mode")
	s.unavailable.Store(true)
	s.reconnect()
	return ErrUnavailable
}

// reconnect runs at most one background reconnect round at a time. A round
// that exhausts its attempts leaves the store degraded; the next operation
// starts a fresh round.
func (s *RedisStore) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.reconnecting.Store(false)

		delay := reconnectBaseDelay
		for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
			time.Sleep(delay)

			client := redis.NewClient(s.opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), reconnectPingTimeout)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				s.mu.Lock()
				s.client.Close()
				s.client = client
				s.mu.Unlock()
				s.unavailable.Store(false)
				s.logger.Info("Reconnected to store", slog.Int("attempt", attempt))
				return
			}
			client.Close()
			s.logger.Warn("Store reconnect attempt failed", slog.Int("attempt", attempt))

			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
		s.logger.Error("Store reconnect attempts exhausted; staying degraded")
	}()
}

// --- Operations ---

func (s *RedisStore) StorePosition(ctx context.Context, userID string, longitude, latitude float64) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	db := s.db()

	if err := db.GeoAdd(ctx, s.geoKey(), &redis.GeoLocation{
		Name:      userID,
		Longitude: longitude,
		Latitude:  latitude,
	}).Err(); err != nil {
		return fmt.Errorf("geo index write for %s: %w", userID, err)
	}

	rec := PresenceRecord{
		UserID:     userID,
		Longitude:  longitude,
		Latitude:   latitude,
		CapturedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal position snapshot: %w", err)
	}
	if err := db.Set(ctx, s.positionKey(userID), body, s.positionTTL).Err(); err != nil {
		return fmt.Errorf("position snapshot write for %s: %w", userID, err)
	}

	s.publish(ctx, Notification{
		UserID:    userID,
		Type:      NotificationPosition,
		Location:  &Location{Longitude: longitude, Latitude: latitude},
		Timestamp: rec.CapturedAt,
	})
	return nil
}

func (s *RedisStore) GetPosition(ctx context.Context, userID string) (PresenceRecord, bool, error) {
	if err := s.Ready(ctx); err != nil {
		return PresenceRecord{}, false, err
	}
	db := s.db()

	body, err := db.Get(ctx, s.positionKey(userID)).Bytes()
	if err == nil {
		var rec PresenceRecord
		if uErr := json.Unmarshal(body, &rec); uErr != nil {
			return PresenceRecord{}, false, fmt.Errorf("decode position snapshot for %s: %w", userID, uErr)
		}
		return rec, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return PresenceRecord{}, false, fmt.Errorf("position snapshot read for %s: %w", userID, err)
	}

	// The snapshot expired; the geo index has no TTL and may still hold a
	// stale coordinate, which is fresher than nothing.
	positions, err := db.GeoPos(ctx, s.geoKey(), userID).Result()
	if err != nil {
		return PresenceRecord{}, false, fmt.Errorf("geo index read for %s: %w", userID, err)
	}
	if len(positions) == 0 || positions[0] == nil {
		return PresenceRecord{}, false, nil
	}
	return PresenceRecord{
		UserID:    userID,
		Longitude: positions[0].Longitude,
		Latitude:  positions[0].Latitude,
	}, true, nil
}

func (s *RedisStore) StoreDetails(ctx context.Context, userID string, fields map[string]string) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}

	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged[FieldLastUpdate] = time.Now().UTC().Format(time.RFC3339)

	if err := s.db().HSet(ctx, s.detailsKey(userID), merged).Err(); err != nil {
		return fmt.Errorf("details write for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) GetDetails(ctx context.Context, userID string) (Details, bool, error) {
	if err := s.Ready(ctx); err != nil {
		return Details{}, false, err
	}

	raw, err := s.db().HGetAll(ctx, s.detailsKey(userID)).Result()
	if err != nil {
		return Details{}, false, fmt.Errorf("details read for %s: %w", userID, err)
	}
	if len(raw) == 0 {
		return Details{}, false, nil
	}
	return detailsFromHash(raw), true, nil
}

func (s *RedisStore) RemovePosition(ctx context.Context, userID string) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	db := s.db()

	if err := db.ZRem(ctx, s.geoKey(), userID).Err(); err != nil {
		return fmt.Errorf("geo index removal for %s: %w", userID, err)
	}
	if err := db.Del(ctx, s.positionKey(userID)).Err(); err != nil {
		return fmt.Errorf("position snapshot removal for %s: %w", userID, err)
	}

	s.publish(ctx, Notification{
		UserID:    userID,
		Type:      NotificationRemoval,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *RedisStore) FindNearby(ctx context.Context, longitude, latitude, radiusMeters float64) ([]NearbyUser, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	db := s.db()

	locations, err := db.GeoSearchLocation(ctx, s.geoKey(), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  longitude,
			Latitude:   latitude,
			Radius:     radiusMeters,
			RadiusUnit: "m",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	results := make([]NearbyUser, 0, len(locations))
	for _, loc := range locations {
		nearby := NearbyUser{
			UserID:         loc.Name,
			Longitude:      loc.Longitude,
			Latitude:       loc.Latitude,
			DistanceMeters: loc.Dist,
		}
		raw, err := db.HGetAll(ctx, s.detailsKey(loc.Name)).Result()
		if err != nil {
			s.logger.Warn("Failed to enrich nearby result with details",
				slog.String("userID", loc.Name), slog.Any("error", err))
		} else if len(raw) > 0 {
			nearby.Details = detailsFromHash(raw)
		}
		results = append(results, nearby)
	}
	return results, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, cb func(Notification)) (func(), error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	pubsub := s.db().Subscribe(ctx, s.channel())
	go func() {
		for msg := range pubsub.Channel() {
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				s.logger.Warn("Dropping malformed presence notification", slog.Any("error", err))
				continue
			}
			cb(n)
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Close()
}

// publish is best-effort: a lost notification only delays the next full
// snapshot broadcast.
func (s *RedisStore) publish(ctx context.Context, n Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("Failed to marshal presence notification", slog.Any("error", err))
		return
	}
	if err := s.db().Publish(ctx, s.channel(), body).Err(); err != nil {
		s.logger.Warn("Failed to publish presence notification",
			slog.String("userID", n.UserID), slog.Any("error", err))
	}
}

func detailsFromHash(raw map[string]string) Details {
	return Details{
		DisplayName:    raw[FieldDisplayName],
		PhoneNumber:    raw[FieldPhoneNumber],
		LastUpdate:     parseHashTime(raw[FieldLastUpdate]),
		ConnectedAt:    parseHashTime(raw[FieldConnectedAt]),
		DisconnectedAt: parseHashTime(raw[FieldDisconnectedAt]),
	}
}

func parseHashTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
