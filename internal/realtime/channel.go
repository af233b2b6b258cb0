// Package realtime keeps the tab's single push connection to the
// notification service and fans incoming events out to subscribers.
//
// The connection is dialled lazily once a token exists, re-dialled with a
// fixed delay after a drop, and torn down on logout. Subscriptions outlive the
// connection: they are replayed on every reconnect and after a later Open.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/obs"
	"github.com/aussiebroadwan/wardgate/pkg/idx"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	DefaultRetryDelay = time.Second
	DefaultMaxRetries = 5
	DefaultTokenParam = "token"

	writeTimeout = 10 * time.Second
)

var errNoToken = errors.New("realtime: no access token")

// Topic names a stream on the push service, e.g. "notifications".
type Topic string

// EventType names an event within a topic, e.g. "notification.created".
// The empty EventType subscribes to every event of the topic.
type EventType string

// Event is what the push service delivers.
type Event struct {
	Type         EventType       `json:"type"`
	Topic        Topic           `json:"topic"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    Timestamp       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is sent to the push service to change topic membership.
type ClientMessage struct {
	Action string  `json:"action"`
	Topics []Topic `json:"topics"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Handler receives matching events on the connection's read goroutine.
type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID      idx.ID
	Topic   Topic
	Event   EventType
	handler Handler
	ch      *Channel
}

// Unsubscribe is shorthand for Channel.Unsubscribe(s).
func (s *Subscription) Unsubscribe() {
	if s == nil || s.ch == nil {
		return
	}
	s.ch.Unsubscribe(s)
}

// Options configures a Channel. URL and Tokens are required.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the push service.
	URL string

	// Tokens is consulted on every dial, so a reconnect after re-login uses
	// the new credential.
	Tokens portalsdk.TokenSource

	// TokenParam is the query parameter carrying the token.
	TokenParam string

	RetryDelay time.Duration

	// MaxRetries bounds re-dials after a failed attempt. Once spent the
	// channel stays idle until the next Open. Zero turns reconnecting off:
	// a failed dial is not retried and a dropped connection is not re-dialled.
	MaxRetries uint64

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *obs.Metrics
}

// Channel is safe for concurrent use.
type Channel struct {
	url        *url.URL
	tokens     portalsdk.TokenSource
	tokenParam string
	retryDelay time.Duration
	maxRetries uint64
	dialer     *websocket.Dialer
	logger     *slog.Logger
	metrics    *obs.Metrics

	mu      sync.Mutex
	subs    map[Topic]map[*Subscription]struct{}
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
	gen     uint64

	writeMu sync.Mutex
}

// New validates opts and returns an idle Channel.
func New(opts Options) (*Channel, error) {
	if opts.Tokens == nil {
		return nil, errors.New("realtime: token source is required")
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime: url scheme must be ws or wss, got %q", u.Scheme)
	}

	c := &Channel{
		url:        u,
		tokens:     opts.Tokens,
		tokenParam: opts.TokenParam,
		retryDelay: opts.RetryDelay,
		maxRetries: opts.MaxRetries,
		dialer:     opts.Dialer,
		logger:     slogx.OrDefault(opts.Logger),
		metrics:    opts.Metrics,
		subs:       make(map[Topic]map[*Subscription]struct{}),
	}
	if c.tokenParam == "" {
		c.tokenParam = DefaultTokenParam
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}

	return c, nil
}

// Subscribe registers handler for event on topic and connects if needed.
func (c *Channel) Subscribe(topic Topic, event EventType, handler Handler) *Subscription {
	sub := &Subscription{ID: idx.New(), Topic: topic, Event: event, handler: handler, ch: c}

	c.mu.Lock()
	handlers, ok := c.subs[topic]
	if !ok {
		handlers = make(map[*Subscription]struct{})
		c.subs[topic] = handlers
	}
	handlers[sub] = struct{}{}
	conn := c.conn
	running := c.running
	c.mu.Unlock()

	if !ok && conn != nil {
		c.send(conn, ClientMessage{Action: ActionSubscribe, Topics: []Topic{topic}})
	}
	if !running {
		c.Open()
	}
	return sub
}

// Unsubscribe removes sub. Nil, unknown or already removed subscriptions are
// ignored.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	c.mu.Lock()
	handlers, ok := c.subs[sub.Topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, ok := handlers[sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(handlers, sub)

	last := len(handlers) == 0
	if last {
		delete(c.subs, sub.Topic)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.send(conn, ClientMessage{Action: ActionUnsubscribe, Topics: []Topic{sub.Topic}})
	}
}

// Open starts the connection loop unless one is already running. It returns
// immediately; with no token stored the loop exits without dialling.
func (c *Channel) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	c.running = true
	c.cancel = cancel

	go c.run(ctx, c.gen)
}

// Close drops the connection and stops reconnecting. Subscriptions are kept.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether a connection is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	defer func() {
		c.mu.Lock()
		if c.gen == gen && c.cancel != nil {
			c.cancel()
			c.running = false
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, errNoToken):
				c.logger.Debug("realtime idle: no access token")
			default:
				c.logger.Warn("realtime reconnect attempts exhausted", "error", err)
			}
			return
		}

		if !c.attach(gen, conn) {
			_ = conn.Close()
			return
		}

		c.logger.Info("realtime connected")
		err = c.readLoop(conn)
		c.detach(gen, conn)

		if ctx.Err() != nil {
			return
		}
		if c.maxRetries == 0 {
			c.logger.Warn("realtime disconnected, reconnecting is disabled", "error", err)
			return
		}
		c.logger.Warn("realtime disconnected", "error", err)
	}
}

// connect dials with a constant delay between attempts.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	op := func() error {
		var err error
		conn, err = c.dial(ctx)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.maxRetries),
		ctx,
	)

	err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		c.logger.Debug("realtime dial failed, retrying", "error", err, "delay", d)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		return nil, backoff.Permanent(errNoToken)
	}

	u := *c.url
	q := u.Query()
	q.Set(c.tokenParam, token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	c.metrics.RealtimeDial(err)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// The token was rejected; another attempt with it cannot succeed.
			return nil, backoff.Permanent(fmt.Errorf("realtime handshake rejected with status %d: %w", resp.StatusCode, err))
		}
		return nil, fmt.Errorf("failed to dial realtime service: %w", err)
	}
	return conn, nil
}

// attach publishes conn and replays every topic. It reports false when the
// channel was closed or reopened meanwhile.
func (c *Channel) attach(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.gen != gen || !c.running {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	topics := make([]Topic, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.metrics.SetRealtimeConnected(true)
	if len(topics) > 0 {
		c.send(conn, ClientMessage{Action: ActionSubscribe, Topics: topics})
	}
	return true
}

func (c *Channel) detach(gen uint64, conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.gen == gen && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.metrics.SetRealtimeConnected(false)
}

// readLoop returns only transport errors. Frames that do not decode are
// logged and skipped.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.logger.Warn("malformed realtime event", "error", err, "size", len(frame))
			continue
		}

		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	handlers, subscribed := c.subs[ev.Topic]
	var targets []Handler
	for sub := range handlers {
		if sub.Event == "" || sub.Event == ev.Type {
			targets = append(targets, sub.handler)
		}
	}
	c.mu.Unlock()

	if subscribed {
		c.metrics.RealtimeEvent(string(ev.Topic))
	} else {
		c.metrics.RealtimeEvent(obs.UnsubscribedTopic)
	}

	for _, h := range targets {
		c.invoke(h, ev)
	}
}

func (c *Channel) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked", "topic", ev.Topic, "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

func (c *Channel) send(conn *websocket.Conn, msg ClientMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		// The read loop notices the broken connection and reconnects.
		c.logger.Debug("failed to send realtime message", "action", msg.Action, "error", err)
	}
}
