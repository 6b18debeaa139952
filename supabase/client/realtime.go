package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/marketfeed/marketfeed/pkg/logger"
)

// ErrNotConnected is returned when a channel is used without a live socket.
var ErrNotConnected = errors.New("realtime: not connected")

const defaultHeartbeat = 30 * time.Second

// ChangeReconnect is the Change.Type delivered to every channel after the
// socket was re-established. Changes made while disconnected are lost, so
// handlers should treat it as "something may have changed".
const ChangeReconnect = "RECONNECT"

// DefaultReconnectConfig is the redial policy after a lost connection.
// MaxRetries is ignored: the client redials until Disconnect.
func DefaultReconnectConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// ChangeHandler receives postgres change notifications.
type ChangeHandler func(change Change)

// Change is one postgres_changes notification.
type Change struct {
	Type            string // INSERT, UPDATE or DELETE
	Schema          string
	Table           string
	CommitTimestamp string
	Record          gjson.Result
	OldRecord       gjson.Result
}

// PostgresChangesFilter selects the rows a channel listens to.
type PostgresChangesFilter struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE or *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"` // e.g. "sender_id=eq.42"
}

// RealtimeClient multiplexes realtime channels over one websocket.
type RealtimeClient struct {
	mu          sync.Mutex
	writeMu     sync.Mutex
	url         string
	accessToken string
	dialer      websocket.Dialer
	heartbeat   time.Duration
	reconnect   RetryConfig
	log         *logger.Logger

	// conn is nil while a lost connection is being redialled; done is nil
	// only between Disconnect and the next Connect.
	conn     *websocket.Conn
	channels map[string]*Channel
	done     chan struct{}
	ref      int
}

// RealtimeOption customises a RealtimeClient.
type RealtimeOption func(*RealtimeClient)

// WithHeartbeat overrides the 30s heartbeat interval.
func WithHeartbeat(d time.Duration) RealtimeOption {
	return func(r *RealtimeClient) { r.heartbeat = d }
}

// WithReconnect overrides the redial backoff used after a lost connection.
func WithReconnect(cfg RetryConfig) RealtimeOption {
	return func(r *RealtimeClient) { r.reconnect = cfg }
}

// WithRealtimeLogger sets the logger used for socket diagnostics.
func WithRealtimeLogger(log *logger.Logger) RealtimeOption {
	return func(r *RealtimeClient) { r.log = log }
}

// Realtime returns a realtime client for the project. Call Connect before
// subscribing.
func (c *Client) Realtime(opts ...RealtimeOption) *RealtimeClient {
	return NewRealtimeClient(c.baseURL, c.apiKey, c.accessToken, opts...)
}

// NewRealtimeClient creates a realtime client for a project URL.
func NewRealtimeClient(projectURL, apiKey, accessToken string, opts ...RealtimeOption) *RealtimeClient {
	wsURL := projectURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL = strings.TrimSuffix(wsURL, "/") + "/realtime/v1/websocket?" + url.Values{
		"apikey": {apiKey},
		"vsn":    {"1.0.0"},
	}.Encode()

	r := &RealtimeClient{
		url:         wsURL,
		accessToken: accessToken,
		dialer:      websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat:   defaultHeartbeat,
		reconnect:   DefaultReconnectConfig(),
		log:         logger.NewDefault("realtime"),
		channels:    make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect establishes the WebSocket connection. It is a no-op when connected
// or while a lost connection is being redialled. A lost connection is
// redialled with backoff until Disconnect; joined channels are rejoined and
// receive a ChangeReconnect.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return nil
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}

	r.conn = conn
	r.done = make(chan struct{})

	go r.readLoop(conn, r.done)
	go r.heartbeatLoop(r.done)

	return nil
}

// Connected reports whether a socket is currently open.
func (r *RealtimeClient) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Disconnect closes the WebSocket connection, stops redialling and forgets
// every channel.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return nil
	}
	close(r.done)
	r.done = nil
	conn := r.conn
	r.conn = nil
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	r.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	conn.Close()
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// Channel creates a channel named "realtime:<name>" listening to filters.
// Channels are not reused: each call returns a fresh, unjoined channel.
func (r *RealtimeClient) Channel(name string, handler ChangeHandler, filters ...PostgresChangesFilter) *Channel {
	bindings := make([]PostgresChangesFilter, len(filters))
	for i, f := range filters {
		if f.Schema == "" {
			f.Schema = "public"
		}
		if f.Event == "" {
			f.Event = "*"
		}
		bindings[i] = f
	}
	return &Channel{
		client:   r,
		topic:    "realtime:" + name,
		bindings: bindings,
		handler:  handler,
	}
}

// Channel is a joined (or joinable) realtime topic.
type Channel struct {
	client   *RealtimeClient
	topic    string
	bindings []PostgresChangesFilter
	handler  ChangeHandler
	joinRef  string
}

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.topic }

// Subscribe joins the channel. Only one channel per topic may be joined.
// While the socket is being redialled the channel is registered and joined
// once the connection is back.
func (c *Channel) Subscribe(ctx context.Context) error {
	r := c.client
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if existing, ok := r.channels[c.topic]; ok && existing != c {
		r.mu.Unlock()
		return fmt.Errorf("realtime: topic %s already joined", c.topic)
	}
	c.joinRef = r.nextRef()
	r.channels[c.topic] = c
	conn := r.conn
	ref := c.joinRef
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := r.send(ctx, conn, c.topic, "phx_join", c.joinPayload(), ref, ref); err != nil {
		r.mu.Lock()
		delete(r.channels, c.topic)
		r.mu.Unlock()
		return fmt.Errorf("send join: %w", err)
	}
	return nil
}

func (c *Channel) joinPayload() map[string]any {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": c.bindings,
		},
	}
	if c.client.accessToken != "" {
		payload["access_token"] = c.client.accessToken
	}
	return payload
}

// Unsubscribe leaves the channel. The handler is not invoked for frames read
// after Unsubscribe returns.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	r := c.client
	r.mu.Lock()
	if r.channels[c.topic] != c {
		r.mu.Unlock()
		return nil
	}
	delete(r.channels, c.topic)
	conn := r.conn
	ref := r.nextRef()
	joinRef := c.joinRef
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := r.send(ctx, conn, c.topic, "phx_leave", map[string]any{}, ref, joinRef); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// nextRef must be called with r.mu held.
func (r *RealtimeClient) nextRef() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) send(ctx context.Context, conn *websocket.Conn, topic, event string, payload any, ref, joinRef string) error {
	msg := map[string]any{
		"topic":   topic,
		"event":   event,
		"payload": payload,
		"ref":     ref,
	}
	if joinRef != "" {
		msg["join_ref"] = joinRef
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		err := r.read(conn)
		select {
		case <-done:
			return
		default:
		}

		r.log.WithError(err).Warn("realtime connection lost")
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		conn.Close()

		if conn = r.redial(done); conn == nil {
			return
		}
	}
}

func (r *RealtimeClient) read(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.dispatch(frame)
	}
}

// redial reconnects with backoff until it succeeds or done is closed, then
// rejoins every registered channel and tells each one to re-read. It
// returns nil when done was closed first.
func (r *RealtimeClient) redial(done chan struct{}) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-done:
			return nil
		case <-time.After(r.reconnect.backoff(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
		conn, err := r.dial(ctx)
		cancel()
		if err != nil {
			r.log.WithError(err).WithField("attempt", attempt).Debug("realtime redial failed")
			continue
		}

		r.mu.Lock()
		select {
		case <-done:
			r.mu.Unlock()
			conn.Close()
			return nil
		default:
		}
		r.conn = conn
		channels := make([]*Channel, 0, len(r.channels))
		refs := make([]string, 0, len(r.channels))
		for _, ch := range r.channels {
			ch.joinRef = r.nextRef()
			channels = append(channels, ch)
			refs = append(refs, ch.joinRef)
		}
		r.mu.Unlock()

		r.log.WithField("attempt", attempt).WithField("channels", len(channels)).Info("realtime reconnected")
		for i, ch := range channels {
			ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
			if err := r.send(ctx, conn, ch.topic, "phx_join", ch.joinPayload(), refs[i], refs[i]); err != nil {
				r.log.WithError(err).WithField("topic", ch.topic).Warn("realtime rejoin failed")
			}
			cancel()
		}
		for _, ch := range channels {
			r.notifyReconnect(ch)
		}
		return conn
	}
}

func (r *RealtimeClient) notifyReconnect(ch *Channel) {
	r.mu.Lock()
	joined := r.channels[ch.topic] == ch
	r.mu.Unlock()
	if joined && ch.handler != nil {
		ch.handler(Change{Type: ChangeReconnect})
	}
}

func (r *RealtimeClient) dispatch(frame []byte) {
	parsed := gjson.ParseBytes(frame)
	topic := parsed.Get("topic").String()

	switch parsed.Get("event").String() {
	case "postgres_changes":
	case "phx_reply":
		if status := parsed.Get("payload.status").String(); status != "ok" {
			r.log.WithField("topic", topic).WithField("status", status).
				Warn(parsed.Get("payload.response").Raw)
		}
		return
	case "system", "phx_error":
		r.log.WithField("topic", topic).Debug(parsed.Get("payload").Raw)
		return
	default:
		return
	}

	r.mu.Lock()
	ch := r.channels[topic]
	r.mu.Unlock()
	if ch == nil || ch.handler == nil {
		return
	}

	data := parsed.Get("payload.data")
	ch.handler(Change{
		Type:            data.Get("type").String(),
		Schema:          data.Get("schema").String(),
		Table:           data.Get("table").String(),
		CommitTimestamp: data.Get("commit_timestamp").String(),
		Record:          data.Get("record"),
		OldRecord:       data.Get("old_record"),
	})
}

func (r *RealtimeClient) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			conn := r.conn
			ref := r.nextRef()
			r.mu.Unlock()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeat)
			if err := r.send(ctx, conn, "phoenix", "heartbeat", map[string]any{}, ref, ""); err != nil {
				r.log.WithError(err).Warn("realtime heartbeat failed")
			}
			cancel()
		}
	}
}
