// Package bizadmin is a Go client for the business-administration REST API:
// ledger accounts, client balances, payments and task messaging.
//
// Reads go through a process-wide query cache; writes run through an
// optimistic mutation coordinator that invalidates the related cache keys.
//
// Example:
//
//	client := bizadmin.NewClient("token", bizadmin.WithBaseURL("https://erp.example.com/api"))
//
//	bal, _ := client.Accounts.Balance(ctx, bizadmin.AccountClient, "7")
//	pager := client.Tasks.MessagePager(42, 20)
//	page, _ := pager.NextPage(ctx)
//	msg, _ := client.Tasks.SendMessage(ctx, 42, "done")
package bizadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// Identity is the author shown on provisional task messages until the
// server record replaces them.
type Identity struct {
	EmployeeID int64
	Name       string
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	store      *Store
	events     *Emitter
	table      atomic.Pointer[Table]
	identity   Identity
	now        func() time.Time

	// gets coalesces identical in-flight GET requests, fills coalesces cache
	// fills for the same query key.
	gets  singleflight.Group
	fills singleflight.Group

	Accounts *AccountsClient
	Tasks    *TasksClient
	Messages *MessagesClient
	Realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore shares a cache between clients.
func WithStore(store *Store) ClientOption {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

func WithInvalidationTable(t Table) ClientOption {
	return func(c *Client) { c.SetInvalidationTable(t) }
}

func WithIdentity(employeeID int64, name string) ClientOption {
	return func(c *Client) { c.identity = Identity{EmployeeID: employeeID, Name: name} }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:   zap.NewNop(),
		events:   NewEmitter(),
		identity: Identity{Name: "You"},
		now:      time.Now,
	}
	t := DefaultTable()
	c.table.Store(&t)

	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewStore(WithStoreClock(c.now))
	}

	c.Accounts = &AccountsClient{c: c}
	c.Tasks = &TasksClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken replaces the bearer token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Store() *Store { return c.store }

func (c *Client) Events() *Emitter { return c.events }

func (c *Client) Logger() *zap.Logger { return c.logger }

// InvalidationTable returns the table in use.
func (c *Client) InvalidationTable() Table {
	return *c.table.Load()
}

// SetInvalidationTable swaps the table used by subsequent mutations.
func (c *Client) SetInvalidationTable(t Table) {
	t = t.clone()
	c.table.Store(&t)
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest coalesces identical GETs issued under the same store
// generation; a GET that starts after a write never joins an older one.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if method != http.MethodGet {
		return c.send(ctx, method, path, body, query)
	}
	key := fmt.Sprintf("%s %s?%s@%d", method, path, encodeQuery(query), c.store.Generation())
	v, shared, err := share(ctx, &c.gets, key, func(ctx context.Context) (interface{}, error) {
		return c.send(ctx, method, path, nil, query)
	})
	if shared {
		c.logger.Debug("shared in-flight request", zap.String("request", key))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return nil, &NetworkError{Op: method + " " + path, Err: err}
		}
		return nil, err
	}
	return v.([]byte), nil
}

// share runs fn once for every concurrent caller of key. fn runs detached
// from the callers' cancellation so one caller leaving does not fail the
// rest; each caller stops waiting when its own ctx ends. The detached work
// is bounded by the HTTP client timeout.
func share(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (interface{}, error)) (interface{}, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := g.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	}
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if q := encodeQuery(query); q != "" {
		u += "?" + q
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError prefers the server's own message over the status text.
func statusError(status int, body []byte) error {
	var top map[string]json.RawMessage
	if json.Unmarshal(body, &top) == nil {
		msg := strField(top, "message")
		if msg == "" {
			msg = errorMessage(top["error"])
		}
		if msg != "" {
			return &RemoteError{StatusCode: status, Message: msg}
		}
	}
	return &RemoteError{StatusCode: status, Message: http.StatusText(status)}
}

func encodeQuery(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}
	params := url.Values{}
	for k, v := range query {
		params.Set(k, v)
	}
	return params.Encode()
}

// ============================================================================
// Read-through cache
// ============================================================================

// cached serves key from the store while it is fresh. Otherwise fetch runs
// once for all concurrent callers of the same key and its result is committed
// under a ticket, so a response that was overtaken by a newer write is
// returned to its caller but never stored. The flight is keyed by the key's
// fence so a caller arriving after a write or invalidation starts its own
// fetch.
func cached[T any](ctx context.Context, c *Client, key QueryKey, force bool, fetch func(context.Context) (T, error)) (T, error) {
	if !force {
		if data, ok := c.store.Fresh(key); ok {
			if v, ok := data.(T); ok {
				return v, nil
			}
		}
	}

	flightKey := fmt.Sprintf("%s@%d", key, c.store.Fence(key))
	if force {
		flightKey = "!" + flightKey
	}
	v, _, err := share(ctx, &c.fills, flightKey, func(ctx context.Context) (interface{}, error) {
		ticket := c.store.Begin(key)
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !c.store.Commit(ticket, v) {
			c.logger.Debug("discarded superseded response", zap.String("key", key.String()))
		}
		return v, nil
	})
	if err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return zero, &NetworkError{Op: "read " + key.String(), Err: err}
		}
		return zero, err
	}
	return v.(T), nil
}

// invalidate marks prefixes stale and reports it on the event bus.
func (c *Client) invalidate(source string, prefixes []QueryKey) int {
	n := c.store.InvalidateAll(prefixes...)
	c.logger.Debug("invalidated cache",
		zap.String("source", source),
		zap.Int("prefixes", len(prefixes)),
		zap.Int("marked", n))
	c.events.emit(EventCacheInvalidated, InvalidationEvent{Source: source, Prefixes: prefixes, Marked: n})
	return n
}
