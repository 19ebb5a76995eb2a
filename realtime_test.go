package bizadmin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
)

func TestResolveChange(t *testing.T) {
	table := DefaultEventTable()
	keyStrings := func(keys []QueryKey) []string {
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = k.String()
		}
		return out
	}

	t.Run("full payload", func(t *testing.T) {
		keys, ok := resolveChange(table, RealtimeEnvelope{
			Type:    ChangeTaskMessageCreated,
			Payload: []byte(`{"task_id":42,"message_id":9}`),
		})
		require.True(t, ok)
		assert.Equal(t, []string{"tasks/42/messages", "tasks/42/messages-stats", "messages/recent"}, keyStrings(keys))
	})

	t.Run("string ids", func(t *testing.T) {
		keys, ok := resolveChange(table, RealtimeEnvelope{
			Type:    ChangeAccountBalanceChanged,
			Payload: []byte(`{"account_type":"client","account_id":"7"}`),
		})
		require.True(t, ok)
		assert.Equal(t, []string{"accounts/client/7", "accounts/balances", "accounts/clients"}, keyStrings(keys))
	})

	t.Run("missing params widen", func(t *testing.T) {
		keys, ok := resolveChange(table, RealtimeEnvelope{
			Type:    ChangeLedgerTransactionCreated,
			Payload: []byte(`{"account_type":"employee"}`),
		})
		require.True(t, ok)
		assert.Equal(t, []string{"accounts/employee", "accounts/balances", "accounts/transactions", "accounts/payments"}, keyStrings(keys))
	})

	t.Run("no payload", func(t *testing.T) {
		keys, ok := resolveChange(table, RealtimeEnvelope{Type: ChangeTaskMessageCreated})
		require.True(t, ok)
		assert.Equal(t, []string{"tasks", "messages/recent"}, keyStrings(keys))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, ok := resolveChange(table, RealtimeEnvelope{Type: "presence.update"})
		assert.False(t, ok)
	})
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, delays[2], "capped at the max delay")

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}

// wsServer greets every connection, lets script write frames, then reads
// until the client goes away.
func wsServer(t *testing.T, script func(ctx context.Context, n int, conn *websocket.Conn) bool) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated"}`)); err != nil {
			return
		}
		if !script(ctx, int(conns.Add(1)), conn) {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func TestRealtimeInvalidatesOnChange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := wsServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) bool {
		conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"presence.update","payload":{}}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"task.message.created","payload":{"task_id":42}}`))
		return true
	})
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	c.Store().Set(Key("tasks", "42", "messages", "1", "20"), "thread")
	c.Store().Set(Key("tasks", "7", "messages", "1", "20"), "other")

	invalidated := make(chan InvalidationEvent, 4)
	c.Events().On(EventCacheInvalidated, func(_ string, p any) { invalidated <- p.(InvalidationEvent) })
	var mu sync.Mutex
	var states []RealtimeState
	c.Events().On(EventRealtimeState, func(_ string, p any) {
		mu.Lock()
		states = append(states, p.(RealtimeState))
		mu.Unlock()
	})

	ws := c.Realtime.NewWS(RealtimeConfig{})
	require.NoError(t, ws.Connect(context.Background()))
	assert.Equal(t, StateConnected, ws.State())

	select {
	case ev := <-invalidated:
		assert.Equal(t, ChangeTaskMessageCreated, ev.Source)
		assert.Equal(t, 1, ev.Marked)
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation after change event")
	}
	e, _ := c.Store().Get(Key("tasks", "42", "messages", "1", "20"))
	assert.True(t, e.Stale)
	e, _ = c.Store().Get(Key("tasks", "7", "messages", "1", "20"))
	assert.False(t, e.Stale)

	ws.Close()
	<-ws.Done()
	assert.Equal(t, StateDisconnected, ws.State())
	mu.Lock()
	assert.Equal(t, []RealtimeState{StateConnecting, StateConnected, StateDisconnected}, states)
	mu.Unlock()
	assert.Empty(t, invalidated, "unknown and malformed frames are ignored")
}

func TestRealtimeResyncAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// The first connection drops right after the greeting.
	srv := wsServer(t, func(ctx context.Context, n int, conn *websocket.Conn) bool {
		return n > 1
	})
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	c.Store().Set(Key("accounts", "client", "7", "balance"), "bal")

	resynced := make(chan InvalidationEvent, 1)
	c.Events().On(EventCacheInvalidated, func(_ string, p any) {
		if ev := p.(InvalidationEvent); ev.Source == "realtime.resync" {
			resynced <- ev
		}
	})

	ws := c.Realtime.NewWS(RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Close()

	select {
	case ev := <-resynced:
		assert.Equal(t, 1, ev.Marked)
	case <-time.After(5 * time.Second):
		t.Fatal("no resync after reconnect")
	}
	e, _ := c.Store().Get(Key("accounts", "client", "7", "balance"))
	assert.True(t, e.Stale, "events missed while offline are covered by the resync")
	assert.Equal(t, StateConnected, ws.State())
}

func TestRealtimeRejectsMissingGreeting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error","payload":{"message":"bad token"}}`))
		conn.Read(r.Context())
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	ws := c.Realtime.NewWS(RealtimeConfig{})
	err := ws.Connect(context.Background())
	assert.ErrorContains(t, err, "expected 'authenticated'")
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestRealtimeWSURL(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://erp.example.com/api"))
	assert.Equal(t, "wss://erp.example.com/api/ws?token=abc", c.Realtime.WSURL("abc"))
	assert.Equal(t, "wss://erp.example.com/api/ws", c.Realtime.WSURL(""))
}
