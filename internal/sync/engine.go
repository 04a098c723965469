package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of realtime events into the store.
// It subscribes to "chat." events on the bus, whether they arrive live or
// are replayed after a reconnect.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
	stopped bool
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Name implements worker.Worker.
func (e *Engine) Name() string { return "engine" }

// Start subscribes to inbound chat events on the bus.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.stopped = false
	e.unsub = e.bus.Subscribe(chatapi.EventPrefix, e.handleEvent)
	return nil
}

// Stop unsubscribes and waits for the event being applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.unsub != nil {
		e.unsub()
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	payload, ok := evt.Payload.(*chatapi.EventPayload)
	if !ok {
		e.logger.Warn("unexpected event payload", zap.String("kind", evt.Kind))
		return
	}
	if err := e.Apply(e.ctx, payload); err != nil {
		e.logger.Error("failed to apply event", zap.Error(err),
			zap.String("type", payload.Type), zap.String("cid", payload.CID))
	}
}

// Apply writes one event to the store (idempotent). Unknown types are ignored.
func (e *Engine) Apply(ctx context.Context, evt *chatapi.EventPayload) error {
	switch evt.Type {
	case chatapi.EventMessageNew, chatapi.EventNotificationMessage, chatapi.EventMessageUpdated, chatapi.EventMessageDeleted,
		chatapi.EventChannelUpdated, chatapi.EventChannelVisible, chatapi.EventNotificationAdded,
		chatapi.EventChannelDeleted, chatapi.EventNotificationRemoved, chatapi.EventChannelTruncated,
		chatapi.EventUserUpdated, chatapi.EventUserPresenceChanged:
	default:
		return nil
	}
	return e.db.Write(ctx, func(tx *store.Tx) error {
		return applyEvent(ctx, tx, evt)
	})
}

func applyEvent(ctx context.Context, tx *store.Tx, evt *chatapi.EventPayload) error {
	switch evt.Type {
	case chatapi.EventMessageNew, chatapi.EventNotificationMessage:
		if evt.Message == nil {
			return nil
		}
		if err := saveEventChannel(ctx, tx, evt); err != nil {
			return err
		}
		if err := saveEventUser(ctx, tx, evt.Message.User); err != nil {
			return err
		}
		m := messageFromPayload(evt.CID, evt.Message)
		if err := tx.SaveRemoteMessage(ctx, m); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		return tx.BumpChannelActivity(ctx, m.CID, m.CreatedAt)

	case chatapi.EventMessageUpdated:
		if evt.Message == nil {
			return nil
		}
		m := messageFromPayload(evt.CID, evt.Message)
		if err := tx.SaveRemoteMessage(ctx, m); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		return nil

	case chatapi.EventMessageDeleted:
		if evt.Message == nil {
			return nil
		}
		return tx.MarkMessageDeleted(ctx, evt.Message.ID)

	case chatapi.EventChannelUpdated, chatapi.EventChannelVisible, chatapi.EventNotificationAdded:
		return saveEventChannel(ctx, tx, evt)

	case chatapi.EventChannelDeleted, chatapi.EventNotificationRemoved:
		if evt.CID == "" {
			return nil
		}
		return tx.DeleteChannel(ctx, evt.CID)

	case chatapi.EventChannelTruncated:
		if evt.CID == "" {
			return nil
		}
		return tx.TruncateChannel(ctx, evt.CID)

	case chatapi.EventUserUpdated, chatapi.EventUserPresenceChanged:
		return saveEventUser(ctx, tx, evt.User)
	}
	return nil
}

func saveEventChannel(ctx context.Context, tx *store.Tx, evt *chatapi.EventPayload) error {
	if evt.Channel == nil {
		return nil
	}
	ch := channelFromPayload(evt.Channel)
	if existing, err := tx.Channel(ctx, ch.CID); err != nil {
		return err
	} else if existing != nil {
		ch.UnreadCount = existing.UnreadCount
	}
	if evt.UnreadCount != nil {
		ch.UnreadCount = *evt.UnreadCount
	}
	if err := tx.SaveChannel(ctx, ch); err != nil {
		return fmt.Errorf("save channel %s: %w", ch.CID, err)
	}
	return nil
}

func saveEventUser(ctx context.Context, tx *store.Tx, p *chatapi.UserPayload) error {
	if p == nil || p.ID == "" {
		return nil
	}
	if err := tx.SaveUser(ctx, userFromPayload(p)); err != nil {
		return fmt.Errorf("save user %s: %w", p.ID, err)
	}
	return nil
}
