package chatapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsServer sends the handshake frame followed by frames, then holds the
// connection open until the client goes away.
func wsServer(t *testing.T, frames ...string) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"health.check","connection_id":"conn-1"}`))
		for _, f := range frames {
			_ = conn.Write(ctx, websocket.MessageText, []byte(f))
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func TestConnectionHandshakeAndEvents(t *testing.T) {
	url, _ := wsServer(t,
		`{"type":"message.new","cid":"team:a","message":{"id":"m1","text":"hi"}}`,
		`not json`,
		`{"type":"channel.updated","channel":{"type":"team","id":"a"}}`,
	)

	b := bus.New()
	events, unsub := b.Chan(EventPrefix, 10)
	defer unsub()
	machine := status.NewMachine(b)

	var handshakeID atomic.Value
	conn := NewConnection(ConnConfig{URL: url, APIKey: "key", Token: "t", UserID: "alice"}, machine, b,
		func(_ context.Context, connectionID string) error {
			// Runs before the machine reports Connected.
			if machine.Current() != status.WaitingForConnectionID {
				t.Errorf("handshake ran in state %s", machine.Current())
			}
			handshakeID.Store(connectionID)
			return nil
		}, nil)
	conn.Start(context.Background())

	require.Eventually(t, func() bool { return machine.Current() == status.Connected }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "conn-1", machine.ConnectionID())
	require.Equal(t, "conn-1", handshakeID.Load())

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
			if evt.Kind == "chat.channel.updated" {
				p := evt.Payload.(*EventPayload)
				require.Equal(t, "team:a", p.CID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, got %v", kinds)
		}
	}
	require.Equal(t, []string{"chat.message.new", "chat.channel.updated"}, kinds)

	conn.Stop()
	require.Equal(t, status.Disconnected, machine.Current())
}

func TestConnectionRetriesAfterFailedDial(t *testing.T) {
	url, accepted := wsServer(t)

	b := bus.New()
	machine := status.NewMachine(b)
	var attempts atomic.Int32
	conn := NewConnection(ConnConfig{URL: url, APIKey: "key", MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		machine, b, func(context.Context, string) error {
			if attempts.Add(1) == 1 {
				return context.DeadlineExceeded
			}
			return nil
		}, nil)
	conn.Start(context.Background())
	defer conn.Stop()

	require.Eventually(t, func() bool { return machine.Current() == status.Connected }, 2*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, accepted.Load(), int32(2))
}

func TestConnectionRecoversFromInterruptedAttempt(t *testing.T) {
	dialing := make(chan struct{})
	proceed := make(chan struct{})
	var first atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			close(dialing)
			<-proceed
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"health.check","connection_id":"conn-2"}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	b := bus.New()
	machine := status.NewMachine(b)
	conn := NewConnection(ConnConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "key",
		MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, machine, b, nil, nil)
	conn.Start(context.Background())
	defer conn.Stop()

	select {
	case <-dialing:
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	// Someone else tears the attempt down while the dial is in progress.
	require.NoError(t, machine.Transition(status.Disconnecting))
	close(proceed)

	require.Eventually(t, func() bool { return machine.Current() == status.Connected }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "conn-2", machine.ConnectionID())
}

func TestBackoffIsBounded(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 80*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := b.next()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
}
