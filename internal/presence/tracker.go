package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callgrid-backend/internal/domain"
	"callgrid-backend/pkg/constants"
	"callgrid-backend/pkg/logger"
	"callgrid-backend/pkg/metrics"
)

// PresenceStore persists the short-TTL online state shared across instances.
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// GroupEmitter broadcasts typing indicators to a conversation's group scope.
type GroupEmitter interface {
	EmitToGroup(ctx context.Context, group string, event string, payload interface{})
}

type typingKey struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
}

// Tracker owns ephemeral presence state: the online flag driven by connection
// lifecycle events, and per-(conversation,user) typing indicators that expire
// on a short timer unless refreshed.
type Tracker struct {
	store   PresenceStore
	emitter GroupEmitter

	mu     sync.Mutex
	typing map[typingKey]*time.Timer

	typingTTL time.Duration
}

// NewTracker creates a presence tracker
func NewTracker(store PresenceStore, emitter GroupEmitter) *Tracker {
	return &Tracker{
		store:     store,
		emitter:   emitter,
		typing:    make(map[typingKey]*time.Timer),
		typingTTL: constants.TypingIndicatorTTL,
	}
}

// HandleConnect marks the user online when their first connection arrives
func (t *Tracker) HandleConnect(ctx context.Context, userID uuid.UUID) {
	if err := t.store.SetUserOnline(ctx, userID); err != nil {
		logger.Warn("failed to mark user online",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// HandleHeartbeat refreshes the online TTL
func (t *Tracker) HandleHeartbeat(ctx context.Context, userID uuid.UUID) {
	if err := t.store.RefreshPresence(ctx, userID); err != nil {
		logger.Warn("failed to refresh presence",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// HandleDisconnect is called when a connection closes. When it was the user's
// last live connection, the user flips offline and any outstanding typing
// indicators are cleared across all conversations.
func (t *Tracker) HandleDisconnect(ctx context.Context, userID uuid.UUID, wasLast bool) {
	if !wasLast {
		return
	}

	if err := t.store.SetUserOffline(ctx, userID); err != nil {
		logger.Warn("failed to mark user offline",
			zap.String("user_id", userID.String()), zap.Error(err))
	}

	t.ClearTyping(ctx, userID)
}

// SetTyping starts, refreshes, or stops a typing indicator for the user in a
// conversation. Starting schedules an expiry timer; refreshing cancels and
// reschedules it atomically so duplicate expiries never fire.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, userID uuid.UUID, isTyping bool) {
	key := typingKey{ConversationID: conversationID, UserID: userID}

	t.mu.Lock()
	if timer, ok := t.typing[key]; ok {
		timer.Stop()
		delete(t.typing, key)
	}
	if isTyping {
		var timer *time.Timer
		timer = time.AfterFunc(t.typingTTL, func() {
			t.expireTyping(key, timer)
		})
		t.typing[key] = timer
	}
	t.mu.Unlock()

	if isTyping {
		metrics.TypingIndicatorsTotal.WithLabelValues("started").Inc()
	} else {
		metrics.TypingIndicatorsTotal.WithLabelValues("stopped").Inc()
	}

	t.emitTyping(ctx, conversationID, userID, isTyping)
}

// ClearTyping cancels every typing indicator the user holds and announces the
// stop to each affected conversation.
func (t *Tracker) ClearTyping(ctx context.Context, userID uuid.UUID) {
	t.mu.Lock()
	var cleared []typingKey
	for key, timer := range t.typing {
		if key.UserID == userID {
			timer.Stop()
			delete(t.typing, key)
			cleared = append(cleared, key)
		}
	}
	t.mu.Unlock()

	for _, key := range cleared {
		metrics.TypingIndicatorsTotal.WithLabelValues("stopped").Inc()
		t.emitTyping(ctx, key.ConversationID, key.UserID, false)
	}
}

// TypingCount returns the number of live typing indicators (for tests and
// health reporting).
func (t *Tracker) TypingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}

// expireTyping fires when an indicator outlives its TTL without a refresh.
// A timer may fire concurrently with a refresh that already replaced it; the
// identity check makes the late fire a no-op.
func (t *Tracker) expireTyping(key typingKey, fired *time.Timer) {
	t.mu.Lock()
	current, ok := t.typing[key]
	if !ok || current != fired {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()

	metrics.TypingIndicatorsTotal.WithLabelValues("expired").Inc()
	t.emitTyping(context.Background(), key.ConversationID, key.UserID, false)
}

func (t *Tracker) emitTyping(ctx context.Context, conversationID, userID uuid.UUID, isTyping bool) {
	t.emitter.EmitToGroup(ctx, "chat:"+conversationID.String(), domain.EventTyping, domain.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}
