// Package relay keeps websocket connections to Nostr relays: subscriptions
// survive reconnects, publishes wait for the relay's OK.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

var (
	ErrPoolClosed   = errors.New("relay pool closed")
	ErrDisconnected = errors.New("relay disconnected")
	ErrRejected     = errors.New("relay rejected event")
)

// Observer receives connection and publish outcomes. *metrics.Collector
// satisfies it.
type Observer interface {
	RecordPublish(relay string, ok bool)
	SetRelayConnected(relay string, connected bool)
}

type Config struct {
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	// PublishRPS bounds EVENT writes per relay.
	PublishRPS   float64
	PublishBurst int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
	Observer     Observer
	Logger       *zap.SugaredLogger
}

// Pool multiplexes subscriptions and publishes over one connection per relay.
// A connection lives while a subscription or an in-flight publish holds it;
// relays only ever published to are dropped once the publish settles.
type Pool struct {
	cfg    Config
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

func NewPool(cfg Config) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 15 * time.Second
	}
	if cfg.PublishRPS <= 0 {
		cfg.PublishRPS = 5
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 10
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "relay_pool"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}
}

// Subscribe sends REQ with filters to every relay. It returns once at least
// one relay is connected; the others join as soon as they connect.
func (p *Pool) Subscribe(
	ctx context.Context,
	relays []string,
	filters []nostr.Filter,
	onEvent nostr.EventHandler,
	onEOSE func(relay string),
) (nostr.Subscription, error) {
	relays = normalizeRelays(relays)
	if len(relays) == 0 {
		return nil, domain.NewConnectionError("no relays to subscribe to", nil)
	}
	if onEvent == nil {
		return nil, errors.New("relay: onEvent is required")
	}

	sub := &subscription{id: uuid.NewString(), pool: p}
	entry := &subscriber{filters: filters, onEvent: onEvent, onEOSE: onEOSE}
	for _, url := range relays {
		c, err := p.acquire(url)
		if err != nil {
			sub.Unsubscribe()
			return nil, domain.NewConnectionError("relay pool unavailable", err)
		}
		c.addSubscriber(sub.id, entry)
		sub.conns = append(sub.conns, c)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	if err := waitAny(waitCtx, sub.conns); err != nil {
		sub.Unsubscribe()
		return nil, domain.NewConnectionError("no relay reachable", err)
	}

	p.logger.Infow("subscribed", "subscription", sub.id, "relays", relays)
	return sub, nil
}

// Publish sends event to every relay and succeeds as soon as one of them
// accepts it. Relays still in flight keep their own publish timeout.
func (p *Pool) Publish(ctx context.Context, relays []string, event nostr.Event) error {
	relays = normalizeRelays(relays)
	if len(relays) == 0 {
		return domain.NewConnectionError("no relays to publish to", nil)
	}

	type outcome struct {
		relay string
		err   error
	}
	results := make(chan outcome, len(relays))
	detached := context.WithoutCancel(ctx)
	for _, url := range relays {
		go func(url string) {
			err := p.publishOne(detached, url, event)
			if p.cfg.Observer != nil {
				p.cfg.Observer.RecordPublish(url, err == nil)
			}
			results <- outcome{relay: url, err: err}
		}(url)
	}

	var errs []error
	for range relays {
		select {
		case <-ctx.Done():
			return domain.NewConnectionError("publish cancelled", ctx.Err())
		case result := <-results:
			if result.err == nil {
				return nil
			}
			p.logger.Warnw("publish failed", "relay", result.relay, "event_id", event.ID, "error", result.err)
			errs = append(errs, fmt.Errorf("%s: %w", result.relay, result.err))
		}
	}
	return domain.NewConnectionError("no relay accepted the event", errors.Join(errs...))
}

func (p *Pool) publishOne(ctx context.Context, url string, event nostr.Event) error {
	c, err := p.acquire(url)
	if err != nil {
		return err
	}
	defer p.release(c)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	ws, err := c.waitReady(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	waiter := c.addWaiter(event.ID)
	defer c.removeWaiter(event.ID)
	if err := c.write(ws, []any{"EVENT", event}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-waiter:
		if result.err != nil {
			return result.err
		}
		if !result.accepted {
			return fmt.Errorf("%w: %s", ErrRejected, result.message)
		}
		return nil
	}
}

// Connected lists relays with a live connection.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	connected := make([]string, 0, len(p.conns))
	for url, c := range p.conns {
		if c.isConnected() {
			connected = append(connected, url)
		}
	}
	return connected
}

// Close drops every connection and waits for their loops to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.loops.Wait()
}

// acquire returns the connection for url, dialing it if needed. Every
// acquire must be paired with a release.
func (p *Pool) acquire(url string) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	c, ok := p.conns[url]
	if !ok {
		ctx, stop := context.WithCancel(p.ctx)
		c = newConn(p, url)
		c.stop = stop
		p.conns[url] = c
		p.loops.Add(1)
		go func() {
			defer p.loops.Done()
			c.run(ctx)
		}()
	}
	c.refs++
	return c, nil
}

// release drops one hold on c and tears the connection down when it was
// the last one.
func (p *Pool) release(c *conn) {
	p.mu.Lock()
	c.refs--
	idle := c.refs <= 0 && p.conns[c.url] == c
	if idle {
		delete(p.conns, c.url)
	}
	p.mu.Unlock()
	if idle {
		c.stop()
	}
}

func waitAny(ctx context.Context, conns []*conn) error {
	ready := make(chan error, len(conns))
	for _, c := range conns {
		go func(c *conn) {
			_, err := c.waitReady(ctx)
			ready <- err
		}(c)
	}
	var last error
	for range conns {
		err := <-ready
		if err == nil {
			return nil
		}
		last = err
	}
	return last
}

func normalizeRelays(relays []string) []string {
	seen := make(map[string]struct{}, len(relays))
	out := make([]string, 0, len(relays))
	for _, relay := range relays {
		trimmed := strings.TrimRight(strings.TrimSpace(relay), "/")
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

type subscription struct {
	id    string
	pool  *Pool
	conns []*conn
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, c := range s.conns {
			c.removeSubscriber(s.id)
			s.pool.release(c)
		}
	})
}
