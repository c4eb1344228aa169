package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iago/llm-dvm/internal/nostr"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

type subscriber struct {
	filters []nostr.Filter
	onEvent nostr.EventHandler
	onEOSE  func(relay string)
}

func (s *subscriber) matches(event nostr.Event) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, filter := range s.filters {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

type okResult struct {
	accepted bool
	message  string
	err      error
}

// conn owns one relay connection and redials it until stopped.
type conn struct {
	url     string
	pool    *Pool
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	done    chan struct{}
	stop    context.CancelFunc
	// refs is guarded by pool.mu.
	refs int

	writeMu sync.Mutex

	mu          sync.Mutex
	ws          *websocket.Conn
	ready       chan struct{}
	subscribers map[string]*subscriber
	waiters     map[string]chan okResult
}

func newConn(pool *Pool, url string) *conn {
	return &conn{
		url:         url,
		pool:        pool,
		logger:      pool.logger.With("relay", url),
		limiter:     rate.NewLimiter(rate.Limit(pool.cfg.PublishRPS), pool.cfg.PublishBurst),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		subscribers: make(map[string]*subscriber),
		waiters:     make(map[string]chan okResult),
	}
}

func (c *conn) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.pool.cfg.ReconnectMin
	for {
		dialCtx, cancel := context.WithTimeout(ctx, c.pool.cfg.DialTimeout)
		ws, _, err := c.pool.cfg.Dialer.DialContext(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnw("relay dial failed", "error", err, "retry_in", backoff)
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.pool.cfg.ReconnectMax)
			continue
		}

		backoff = c.pool.cfg.ReconnectMin
		c.attach(ws)
		err = c.serve(ctx, ws)
		c.detach()
		_ = ws.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warnw("relay connection lost", "error", err, "retry_in", backoff)
		if !sleepContext(ctx, backoff) {
			return
		}
	}
}

// attach publishes ws to waiters and replays every live subscription.
func (c *conn) attach(ws *websocket.Conn) {
	if observer := c.pool.cfg.Observer; observer != nil {
		observer.SetRelayConnected(c.url, true)
	}

	c.mu.Lock()
	c.ws = ws
	close(c.ready)
	replay := make(map[string]*subscriber, len(c.subscribers))
	for id, sub := range c.subscribers {
		replay[id] = sub
	}
	c.mu.Unlock()

	c.logger.Infow("relay connected", "subscriptions", len(replay))
	for id, sub := range replay {
		if err := c.write(ws, reqMessage(id, sub.filters)); err != nil {
			c.logger.Warnw("resubscribe failed", "subscription", id, "error", err)
		}
	}
}

func (c *conn) detach() {
	c.mu.Lock()
	c.ws = nil
	c.ready = make(chan struct{})
	waiters := c.waiters
	c.waiters = make(map[string]chan okResult)
	c.mu.Unlock()

	for _, waiter := range waiters {
		select {
		case waiter <- okResult{err: ErrDisconnected}:
		default:
		}
	}
	if observer := c.pool.cfg.Observer; observer != nil {
		observer.SetRelayConnected(c.url, false)
	}
}

func (c *conn) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = ws.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *conn) handleMessage(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.logger.Debugw("ignoring malformed relay frame", "error", err)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var event nostr.Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &event) != nil {
			c.logger.Debugw("ignoring undecodable event frame")
			return
		}
		sub := c.subscriber(subID)
		if sub == nil || !sub.matches(event) {
			return
		}
		if err := event.Verify(); err != nil {
			c.logger.Warnw("dropping event with invalid signature", "event_id", event.ID, "error", err)
			return
		}
		sub.onEvent(c.url, event)
	case "EOSE":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if sub := c.subscriber(subID); sub != nil && sub.onEOSE != nil {
			sub.onEOSE(c.url)
		}
	case "OK":
		if len(frame) < 3 {
			return
		}
		var eventID string
		var accepted bool
		var message string
		if json.Unmarshal(frame[1], &eventID) != nil || json.Unmarshal(frame[2], &accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &message)
		}
		c.deliver(eventID, okResult{accepted: accepted, message: message})
	case "NOTICE":
		var notice string
		_ = json.Unmarshal(frame[1], &notice)
		c.logger.Infow("relay notice", "message", notice)
	case "CLOSED":
		var subID, reason string
		_ = json.Unmarshal(frame[1], &subID)
		if len(frame) > 2 {
			_ = json.Unmarshal(frame[2], &reason)
		}
		c.logger.Warnw("relay closed subscription", "subscription", subID, "reason", reason)
	}
}

func (c *conn) write(ws *websocket.Conn, message any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(message)
}

// waitReady blocks until the connection is up.
func (c *conn) waitReady(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		ws, ready := c.ws, c.ready
		c.mu.Unlock()
		if ws != nil {
			return ws, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrPoolClosed
		case <-ready:
		}
	}
}

func (c *conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *conn) addSubscriber(id string, sub *subscriber) {
	c.mu.Lock()
	c.subscribers[id] = sub
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		if err := c.write(ws, reqMessage(id, sub.filters)); err != nil {
			c.logger.Warnw("subscribe failed, will retry on reconnect", "subscription", id, "error", err)
		}
	}
}

func (c *conn) removeSubscriber(id string) {
	c.mu.Lock()
	_, existed := c.subscribers[id]
	delete(c.subscribers, id)
	ws := c.ws
	c.mu.Unlock()
	if existed && ws != nil {
		_ = c.write(ws, []any{"CLOSE", id})
	}
}

func (c *conn) subscriber(id string) *subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribers[id]
}

func (c *conn) addWaiter(eventID string) chan okResult {
	waiter := make(chan okResult, 1)
	c.mu.Lock()
	c.waiters[eventID] = waiter
	c.mu.Unlock()
	return waiter
}

func (c *conn) removeWaiter(eventID string) {
	c.mu.Lock()
	delete(c.waiters, eventID)
	c.mu.Unlock()
}

func (c *conn) deliver(eventID string, result okResult) {
	c.mu.Lock()
	waiter := c.waiters[eventID]
	c.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- result:
	default:
	}
}

func reqMessage(id string, filters []nostr.Filter) []any {
	message := make([]any, 0, len(filters)+2)
	message = append(message, "REQ", id)
	for _, filter := range filters {
		message = append(message, filter)
	}
	return message
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
