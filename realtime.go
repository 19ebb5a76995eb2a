package bizadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Change events
// ============================================================================

// Server change events that make cached data stale.
const (
	ChangeTaskMessageCreated       = "task.message.created"
	ChangeLedgerTransactionCreated = "ledger.transaction.created"
	ChangeAccountBalanceChanged    = "account.balance.changed"
)

// RealtimeEnvelope is the wire format for pushed events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventTable maps a change event type to the key templates it invalidates.
// Placeholders are filled from the event payload's top-level fields.
type EventTable map[string][]string

var defaultEventTable = EventTable{
	ChangeTaskMessageCreated: {
		"tasks/{task_id}/messages",
		"tasks/{task_id}/messages-stats",
		"messages/recent",
	},
	ChangeLedgerTransactionCreated: {
		"accounts/{account_type}/{account_id}",
		"accounts/balances",
		"accounts/transactions",
		"accounts/payments",
	},
	ChangeAccountBalanceChanged: {
		"accounts/{account_type}/{account_id}",
		"accounts/balances",
		"accounts/clients",
	},
}

// DefaultEventTable returns a copy of the built-in event table.
func DefaultEventTable() EventTable {
	out := make(EventTable, len(defaultEventTable))
	for k, v := range defaultEventTable {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// resolveChange turns an event into invalidation prefixes. A template whose
// placeholder is missing from the payload is cut at that placeholder, so the
// invalidation widens rather than being skipped. ok is false for event types
// the table does not know.
func resolveChange(table EventTable, env RealtimeEnvelope) (keys []QueryKey, ok bool) {
	templates, ok := table[env.Type]
	if !ok {
		return nil, false
	}
	params := payloadParams(env.Payload)
	seen := map[string]bool{}
	for _, tpl := range templates {
		var key QueryKey
		for _, p := range ParseKey(tpl) {
			if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
				v, found := params[p[1:len(p)-1]]
				if !found || v == "" {
					break
				}
				p = v
			}
			key = append(key, p)
		}
		if len(key) == 0 || seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		keys = append(keys, key)
	}
	return keys, true
}

func payloadParams(raw json.RawMessage) Params {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return Params{}
	}
	params := make(Params, len(m))
	for k, v := range m {
		if !isScalar(v) || isNull(v) {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			params[k] = s
			continue
		}
		var n json.Number
		if json.Unmarshal(v, &n) == nil {
			params[k] = n.String()
		}
	}
	return params
}

// applyChange invalidates what env makes stale and reports how many keys
// were marked.
func (c *Client) applyChange(table EventTable, env RealtimeEnvelope) (int, bool) {
	keys, ok := resolveChange(table, env)
	if !ok {
		return 0, false
	}
	c.events.emit(EventRealtimeMessage, env)
	return c.invalidate(env.Type, keys), true
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket invalidation channel.
type RealtimeConfig struct {
	// Token defaults to the client's bearer token.
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Events               EventTable
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Events == nil {
		c.Events = DefaultEventTable()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for
// a minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient creates push channels bound to the client's cache.
type RealtimeClient struct{ c *Client }

// WSURL returns the WebSocket URL for token.
func (r *RealtimeClient) WSURL(token string) string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// NewWS creates a WebSocket channel. Call Connect to start it.
func (r *RealtimeClient) NewWS(config RealtimeConfig) *RealtimeWS {
	config.defaults()
	if config.Token == "" {
		config.Token = r.c.token
	}
	return &RealtimeWS{
		c:     r.c,
		cfg:   config,
		recon: newReconnector(&config),
		state: StateDisconnected,
	}
}

// RealtimeWS listens for server change events and invalidates the cache.
type RealtimeWS struct {
	c     *Client
	cfg   RealtimeConfig
	recon *reconnector

	mu     sync.Mutex
	state  RealtimeState
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the current connection state.
func (ws *RealtimeWS) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWS) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.c.logger.Debug("realtime state", zap.String("state", string(s)))
		ws.c.events.emit(EventRealtimeState, s)
	}
}

// Connect dials the server and waits for the authenticated greeting. The
// channel then runs until ctx ends or Close is called.
func (ws *RealtimeWS) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.cancel != nil {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()

	ws.setState(StateConnecting)
	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	ws.recon.markConnected()
	ws.setState(StateConnected)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ws.mu.Lock()
	ws.cancel = cancel
	ws.done = done
	ws.mu.Unlock()

	go ws.run(runCtx, conn, done)
	return nil
}

// Close stops the channel and waits for its goroutines to exit.
func (ws *RealtimeWS) Close() {
	ws.mu.Lock()
	cancel, done := ws.cancel, ws.done
	ws.cancel, ws.done = nil, nil
	ws.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the channel stops for good.
func (ws *RealtimeWS) Done() <-chan struct{} {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return ws.done
}

func (ws *RealtimeWS) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.c.Realtime.WSURL(ws.cfg.Token), nil)
	if err != nil {
		return nil, &NetworkError{Op: "websocket dial", Err: err}
	}

	// The first frame must be the authenticated greeting.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &NetworkError{Op: "read auth message", Err: err}
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

func (ws *RealtimeWS) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer ws.setState(StateDisconnected)

	for {
		err := ws.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		ws.c.logger.Warn("realtime connection lost", zap.Error(err))
		if !ws.cfg.AutoReconnect {
			return
		}

		conn = ws.reconnect(ctx)
		if conn == nil {
			return
		}
		ws.recon.markConnected()
		ws.setState(StateConnected)
		ws.resync()
	}
}

func (ws *RealtimeWS) reconnect(ctx context.Context) *websocket.Conn {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.c.logger.Debug("realtime reconnecting",
			zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := ws.dial(ctx)
		if err == nil {
			return conn
		}
		ws.c.logger.Debug("realtime reconnect failed", zap.Error(err))
	}
	return nil
}

// resync widens every event template to its static prefix, since events
// may have been missed while the connection was down.
func (ws *RealtimeWS) resync() {
	var keys []QueryKey
	for typ := range ws.cfg.Events {
		k, _ := resolveChange(ws.cfg.Events, RealtimeEnvelope{Type: typ})
		keys = append(keys, k...)
	}
	ws.c.invalidate("realtime.resync", keys)
}

// serve reads frames until the connection fails or ctx ends.
func (ws *RealtimeWS) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.heartbeat(connCtx, conn)
	}()
	defer func() {
		cancel()
		wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.c.logger.Debug("ignored malformed realtime frame", zap.Int("bytes", len(data)))
			continue
		}
		if n, ok := ws.c.applyChange(ws.cfg.Events, env); ok {
			ws.c.logger.Debug("realtime change",
				zap.String("type", env.Type), zap.Int("marked", n))
		}
	}
}

func (ws *RealtimeWS) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
