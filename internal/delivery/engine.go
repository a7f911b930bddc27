package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
	"github.com/jorgeolive/peregrinapp-backend/internal/protocol"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
)

// PendingMessage is a message whose recipient was offline at send time. It is
// never mutated after creation except for the sweep attempt counter; it is
// destroyed on delivery or expiry, whichever comes first.
type PendingMessage struct {
	ID          string
	SenderID    string
	RecipientID string
	Body        string
	CreatedAt   time.Time

	attempts int // touched only under the engine mutex
}

type Config struct {
	RetryInterval time.Duration
	MessageTTL    time.Duration
	MaxAttempts   int
}

// Engine routes point-to-point messages: online fast path, offline
// retry/expiry queue. Per message the state machine is pending -> delivered
// or pending -> failed, both terminal and both reported to a still-connected
// sender.
type Engine struct {
	logger    *slog.Logger
	registry  state.Registry
	sessions  state.SessionTracker
	directory identity.Directory
	cfg       Config

	pending *ttlcache.Cache[string, *PendingMessage]
	// serializes sweep and flush so a message is claimed at most once per
	// attempt cycle; never held across a transport send
	mu sync.Mutex
}

func NewEngine(logger *slog.Logger, registry state.Registry, sessions state.SessionTracker, directory identity.Directory, cfg Config) *Engine {
	e := &Engine{
		logger:    logger.With(slog.String("component", "delivery_engine")),
		registry:  registry,
		sessions:  sessions,
		directory: directory,
		cfg:       cfg,
	}

	e.pending = ttlcache.New(
		ttlcache.WithTTL[string, *PendingMessage](cfg.MessageTTL),
		ttlcache.WithDisableTouchOnHit[string, *PendingMessage](),
	)
	// Expiry is the retry window running out: report failed to the sender if
	// they are still around. Explicit deletes (successful delivery, attempt
	// ceiling) arrive with a different reason and are handled at their site.
	e.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *PendingMessage]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		msg := item.Value()
		e.logger.Info("Pending message expired",
			slog.String("messageID", msg.ID), slog.String("recipientID", msg.RecipientID))
		e.notifyStatus(msg.SenderID, msg.ID, protocol.StatusFailed, "delivery window expired")
	})

	return e
}

// Run drives the expiry sweep and the retry cadence until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.pending.Start()

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.pending.Stop()
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// Send validates and routes one message. Every outcome is reported to the
// sender as a message_status event; delivery failures never affect other
// connections.
func (e *Engine) Send(ctx context.Context, senderID, recipientID, body, messageID string) {
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if recipientID == "" {
		e.notifyStatus(senderID, messageID, protocol.StatusError, "missing recipient")
		return
	}
	if recipientID == senderID {
		e.notifyStatus(senderID, messageID, protocol.StatusError, "cannot send a message to yourself")
		return
	}

	recipient, found, err := e.directory.FetchUser(ctx, recipientID)
	if err != nil {
		e.logger.Warn("Recipient lookup failed", slog.String("recipientID", recipientID), slog.Any("error", err))
		e.notifyStatus(senderID, messageID, protocol.StatusError, "recipient lookup failed")
		return
	}
	if !found {
		e.notifyStatus(senderID, messageID, protocol.StatusError, "unknown recipient")
		return
	}
	if !recipient.DMsEnabled {
		e.notifyStatus(senderID, messageID, protocol.StatusError, "recipient does not accept messages")
		return
	}

	e.sessions.Track(senderID, recipientID)

	msg := &PendingMessage{
		ID:          messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}

	if conn, online := e.registry.Get(recipientID); online {
		e.deliver(msg, conn)
		return
	}

	e.pending.Set(messageID, msg, ttlcache.DefaultTTL)
	e.logger.Debug("Message queued for offline recipient",
		slog.String("messageID", messageID), slog.String("recipientID", recipientID))
	e.notifyStatus(senderID, messageID, protocol.StatusPending, "")
}

// MarkSeen relays a read receipt to the original sender. Best effort: a
// disconnected sender means a silent no-op.
func (e *Engine) MarkSeen(messageID, senderID, viewerID string) {
	conn, ok := e.registry.Get(senderID)
	if !ok {
		return
	}
	frame, err := protocol.Encode(protocol.EventMessageSeen, protocol.MessageSeenPayload{
		MessageID: messageID,
		SeenBy:    viewerID,
	})
	if err != nil {
		e.logger.Error("Failed to encode seen receipt", slog.Any("error", err))
		return
	}
	conn.Transport.Send(frame)
}

// FlushFor attempts immediate delivery of everything queued for a recipient,
// typically right after they connect.
func (e *Engine) FlushFor(recipientID string) {
	conn, online := e.registry.Get(recipientID)
	if !online {
		return
	}

	// Claim under the lock, send after releasing it: a slow transport must
	// not block the queue.
	e.mu.Lock()
	msgs := e.pendingFor(recipientID)
	for _, msg := range msgs {
		e.pending.Delete(msg.ID)
	}
	e.mu.Unlock()

	for _, msg := range msgs {
		e.deliver(msg, conn)
	}
}

// PendingCount reports the size of the offline queue.
func (e *Engine) PendingCount() int {
	return e.pending.Len()
}

// sweep re-checks every queued message against the registry. A message that
// no longer exists (delivered or expired in the meantime) is simply skipped;
// that is the cancellation mechanism in effect. Deliverable messages are
// claimed (deleted) under the mutex and sent after it is released.
func (e *Engine) sweep() {
	type claimed struct {
		msg  *PendingMessage
		conn *state.Connection
	}
	var deliveries []claimed
	var exhausted []*PendingMessage

	e.mu.Lock()
	var due []*PendingMessage
	e.pending.Range(func(item *ttlcache.Item[string, *PendingMessage]) bool {
		due = append(due, item.Value())
		return true
	})

	for _, msg := range due {
		if !e.pending.Has(msg.ID) {
			continue
		}
		if conn, online := e.registry.Get(msg.RecipientID); online {
			e.pending.Delete(msg.ID)
			deliveries = append(deliveries, claimed{msg, conn})
			continue
		}
		msg.attempts++
		if msg.attempts >= e.cfg.MaxAttempts {
			e.pending.Delete(msg.ID)
			exhausted = append(exhausted, msg)
		}
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		e.deliver(d.msg, d.conn)
	}
	for _, msg := range exhausted {
		e.logger.Info("Retry attempts exhausted",
			slog.String("messageID", msg.ID), slog.String("recipientID", msg.RecipientID))
		e.notifyStatus(msg.SenderID, msg.ID, protocol.StatusFailed, "delivery window expired")
	}
}

func (e *Engine) pendingFor(recipientID string) []*PendingMessage {
	var out []*PendingMessage
	e.pending.Range(func(item *ttlcache.Item[string, *PendingMessage]) bool {
		if item.Value().RecipientID == recipientID {
			out = append(out, item.Value())
		}
		return true
	})
	return out
}

func (e *Engine) deliver(msg *PendingMessage, conn *state.Connection) {
	frame, err := protocol.Encode(protocol.EventNewMessage, protocol.NewMessagePayload{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Message:     msg.Body,
		Timestamp:   msg.CreatedAt,
		Status:      protocol.StatusDelivered,
	})
	if err != nil {
		e.logger.Error("Failed to encode message", slog.Any("error", err))
		e.notifyStatus(msg.SenderID, msg.ID, protocol.StatusError, "internal encoding failure")
		return
	}
	conn.Transport.Send(frame)
	e.sessions.Track(msg.SenderID, msg.RecipientID)
	e.logger.Debug("Message delivered",
		slog.String("messageID", msg.ID), slog.String("recipientID", msg.RecipientID))
	e.notifyStatus(msg.SenderID, msg.ID, protocol.StatusDelivered, "")
}

func (e *Engine) notifyStatus(userID, messageID, status, errMsg string) {
	conn, ok := e.registry.Get(userID)
	if !ok {
		// The sender left; terminal statuses are not persisted.
		return
	}
	frame, err := protocol.Encode(protocol.EventMessageStatus, protocol.MessageStatusPayload{
		MessageID: messageID,
		Status:    status,
		Error:     errMsg,
	})
	if err != nil {
		e.logger.Error("Failed to encode status event", slog.Any("error", err))
		return
	}
	conn.Transport.Send(frame)
}
