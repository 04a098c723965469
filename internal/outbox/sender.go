// Package outbox pushes locally mutated messages to the server, one at a
// time per channel.
package outbox

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/worker"
	"go.uber.org/zap"
)

// Events published for the owning feature.
const (
	EventSendAck    = "message.send_ack"
	EventSendFailed = "message.send_failed"
	EventEditAck    = "message.edit_ack"
	EventEditFailed = "message.edit_failed"
)

// Result is the payload of the ack and failure events.
type Result struct {
	MessageID string
	CID       string
	Err       error
}

// operation is the remote write a worker drains.
type operation struct {
	name      string
	state     store.LocalState
	call      func(ctx context.Context, api chatapi.API, m *store.Message) (*chatapi.MessagePayload, error)
	ackKind   string
	failKind  string
	logAction string
}

var sendOp = operation{
	name:  "sender",
	state: store.StateUnsyncedCreate,
	call: func(ctx context.Context, api chatapi.API, m *store.Message) (*chatapi.MessagePayload, error) {
		return api.SendMessage(ctx, m.CID, chatapi.MessageRequest{ID: m.ID, Text: m.Text})
	},
	ackKind:   EventSendAck,
	failKind:  EventSendFailed,
	logAction: "message sent",
}

var editOp = operation{
	name:  "editor",
	state: store.StateUnsyncedUpdate,
	call: func(ctx context.Context, api chatapi.API, m *store.Message) (*chatapi.MessagePayload, error) {
		return api.UpdateMessage(ctx, chatapi.MessageRequest{ID: m.ID, Text: m.Text})
	},
	ackKind:   EventEditAck,
	failKind:  EventEditFailed,
	logAction: "message edited",
}

// Sender drains messages in StateUnsyncedCreate through SendMessage.
type Sender struct{ *pendingWorker }

// NewSender creates a new outbox sender.
func NewSender(base worker.Base) *Sender {
	return &Sender{newPendingWorker(base, sendOp)}
}

// Editor drains messages in StateUnsyncedUpdate through UpdateMessage.
type Editor struct{ *pendingWorker }

// NewEditor creates a new outbox editor.
func NewEditor(base worker.Base) *Editor {
	return &Editor{newPendingWorker(base, editOp)}
}

// pendingWorker observes messages entering op.state and feeds them to a
// per-channel queue.
type pendingWorker struct {
	worker.Base
	op       operation
	queue    *worker.Queue
	observer *observe.Observer[store.Message]
}

func newPendingWorker(base worker.Base, op operation) *pendingWorker {
	w := &pendingWorker{Base: base.Named(op.name), op: op}
	w.queue = worker.NewQueue(w.process, w.Logger)
	w.observer = observe.New(w.DB, observe.Config[store.Message]{
		Entity: store.EntityMessage,
		Fetch: func(ctx context.Context) ([]store.Message, error) {
			return w.DB.MessagesInState(ctx, op.state)
		},
		Key:      func(m store.Message) string { return m.ID },
		OnChange: w.onChange,
		Logger:   w.Logger,
	})
	return w
}

// Name implements worker.Worker.
func (w *pendingWorker) Name() string { return w.op.name }

// Start enqueues the messages already waiting and watches for new ones.
func (w *pendingWorker) Start(ctx context.Context) error {
	w.queue.Start(ctx)
	if err := w.observer.Start(ctx); err != nil {
		w.queue.Stop()
		return err
	}
	w.enqueue(w.observer.Items())
	return nil
}

// Stop stops observing and waits for the remote calls in flight.
func (w *pendingWorker) Stop() {
	w.observer.Stop()
	w.queue.Stop()
}

// onChange enqueues every message still in op.state. A row can leave the
// state and come back before the observer refetches, which the diff reports
// as Update or Move rather than Insert; the queue dedup and the state check
// in process make repeats harmless.
func (w *pendingWorker) onChange(changes []observe.Change[store.Message]) {
	var waiting []store.Message
	for _, c := range changes {
		if c.Kind != observe.Remove {
			waiting = append(waiting, c.Item)
		}
	}
	w.enqueue(waiting)
}

// enqueue keeps the creation order of msgs within each channel.
func (w *pendingWorker) enqueue(msgs []store.Message) {
	for _, m := range msgs {
		w.queue.Enqueue(m.CID, m.ID)
	}
}

// process runs one message through syncing to synced or sync_failed.
func (w *pendingWorker) process(ctx context.Context, id string) error {
	var msg *store.Message
	err := w.DB.Write(ctx, func(tx *store.Tx) error {
		m, err := tx.Message(ctx, id)
		if err != nil {
			return err
		}
		if m == nil || m.LocalState != w.op.state {
			return syncerr.ErrEntityVanished
		}
		if _, err := tx.SetMessageState(ctx, id, store.StateSyncing, ""); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return err
	}

	payload, callErr := w.op.call(ctx, w.API, msg)
	if ctx.Err() != nil {
		// Torn down mid-call; the row stays syncing and is reset on next start.
		return nil
	}

	err = w.DB.Write(ctx, func(tx *store.Tx) error {
		cur, err := tx.Message(ctx, id)
		if err != nil {
			return err
		}
		// Deleted or mutated again while the call was in flight.
		if cur == nil || cur.LocalState != store.StateSyncing {
			return nil
		}
		if callErr != nil {
			_, err := tx.SetMessageState(ctx, id, store.StateSyncFailed, callErr.Error())
			return err
		}
		if payload != nil {
			remote := &store.Message{
				ID:        id,
				CID:       cur.CID,
				UserID:    cur.UserID,
				Text:      payload.Text,
				Type:      payload.Type,
				CreatedAt: cur.CreatedAt,
			}
			if uid := payload.UserID(); uid != "" {
				remote.UserID = uid
			}
			if !payload.UpdatedAt.IsZero() {
				remote.UpdatedAt = payload.UpdatedAt.UnixMilli()
			}
			if err := tx.SaveRemoteMessage(ctx, remote); err != nil {
				return err
			}
		}
		_, err = tx.SetMessageState(ctx, id, store.StateSynced, "")
		return err
	})
	if err != nil {
		return fmt.Errorf("record %s result: %w", w.op.name, err)
	}

	result := Result{MessageID: id, CID: msg.CID, Err: callErr}
	if callErr != nil {
		w.Logger.Warn("pending operation rejected", zap.String("msg_id", id), zap.String("cid", msg.CID), zap.Error(callErr))
		w.Bus.Publish(bus.Event{Kind: w.op.failKind, Payload: result})
		return nil
	}
	w.Logger.Info(w.op.logAction, zap.String("msg_id", id), zap.String("cid", msg.CID))
	w.Bus.Publish(bus.Event{Kind: w.op.ackKind, Payload: result})
	return nil
}
