package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
	"github.com/iago/llm-dvm/internal/queue"
)

type State string

const (
	StateOffline  State = "offline"
	StateOnline   State = "online"
	StateStopping State = "stopping"
)

const (
	defaultShutdownGrace = 30 * time.Second
	requeueTimeout       = 2 * time.Second
	consumeRetryDelay    = 2 * time.Second
)

type ControllerDeps struct {
	Settings     SettingsProvider
	Relays       RelayGateway
	Queue        queue.Queue
	Orchestrator *Orchestrator
	Reconciler   *Reconciler
	Telemetry    *Telemetry
	Logger       *zap.SugaredLogger

	Concurrency       int
	ReconcileInterval time.Duration
	ShutdownGrace     time.Duration
}

// Status is a point-in-time view of the engine.
type Status struct {
	State          State      `json:"state"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	Identity       string     `json:"identity,omitempty"`
	Relays         []string   `json:"relays"`
	SupportedKinds []int      `json:"supported_kinds"`
	InFlight       int        `json:"in_flight"`
}

// Controller owns the engine lifecycle. Start and Stop are serialized and
// idempotent; Status never waits on either.
type Controller struct {
	deps   ControllerDeps
	logger *zap.SugaredLogger
	now    func() time.Time

	// lifecycle serializes Start and Stop. mu guards the fields below and is
	// never held across network calls or a drain.
	lifecycle    sync.Mutex
	mu           sync.Mutex
	state        State
	startedAt    time.Time
	config       domain.EffectiveConfig
	subscription nostr.Subscription
	pool         *Pool
	cancel       context.CancelFunc
	background   sync.WaitGroup
}

func NewController(deps ControllerDeps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = &Telemetry{Logger: logger}
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewLocalQueue(0, 0, logger)
	}
	if deps.ShutdownGrace <= 0 {
		deps.ShutdownGrace = defaultShutdownGrace
	}
	return &Controller{
		deps:   deps,
		logger: logger.With("component", "controller"),
		now:    func() time.Time { return time.Now().UTC() },
		state:  StateOffline,
	}
}

// Start subscribes for every supported kind and starts reconciliation.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.state == StateOnline {
		c.logger.Infow("start ignored, engine already online")
		return nil
	}

	cfg, err := c.deps.Settings.Resolve(ctx)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.NewConfigError("cannot resolve settings", err)
		}
		return err
	}
	if cfg.IdentityPrivateKeyHex == "" {
		return domain.NewConfigError("identity private key is not configured", nil)
	}
	if len(cfg.Relays) == 0 {
		return domain.NewConfigError("no relays configured", nil)
	}
	if len(cfg.SupportedKinds) == 0 {
		return domain.NewConfigError("no supported kinds configured", nil)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pool := NewPool(c.deps.Concurrency, c.deps.Telemetry.collector(), c.logger)

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.consume(runCtx, pool)
	}()

	since := c.now().Unix()
	filters := []nostr.Filter{{Kinds: cfg.SupportedKinds, Since: &since}}
	subscription, err := c.deps.Relays.Subscribe(ctx, cfg.Relays, filters,
		func(relay string, event nostr.Event) {
			c.enqueue(runCtx, relay, event)
		},
		func(relay string) {
			c.logger.Debugw("stored events replayed", "relay", relay)
		},
	)
	if err != nil {
		cancel()
		c.background.Wait()
		pool.Drain(0)
		if domain.KindOf(err) == "" {
			err = domain.NewConnectionError("subscribe failed", err)
		}
		return err
	}

	if c.deps.Reconciler != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.deps.Reconciler.Run(runCtx, c.deps.ReconcileInterval)
		}()
	}

	c.mu.Lock()
	c.state = StateOnline
	c.startedAt = c.now()
	c.config = cfg
	c.subscription = subscription
	c.pool = pool
	c.cancel = cancel
	c.mu.Unlock()
	c.deps.Telemetry.collector().SetEngineOnline(true)
	c.logger.Infow("engine online", "relays", cfg.Relays, "kinds", cfg.SupportedKinds, "identity", cfg.IdentityPublicKeyHex)
	return nil
}

// Stop unsubscribes, stops reconciliation and drains running jobs.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == StateOffline {
		c.mu.Unlock()
		c.logger.Infow("stop ignored, engine already offline")
		return nil
	}
	c.state = StateStopping
	subscription, cancel, pool := c.subscription, c.cancel, c.pool
	c.mu.Unlock()

	subscription.Unsubscribe()
	cancel()
	c.background.Wait()

	grace := c.deps.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	pool.Drain(grace)

	c.mu.Lock()
	c.state = StateOffline
	c.subscription = nil
	c.pool = nil
	c.cancel = nil
	c.mu.Unlock()
	c.deps.Telemetry.collector().SetEngineOnline(false)
	c.logger.Infow("engine offline")
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{State: c.state, Relays: []string{}, SupportedKinds: []int{}}
	if c.state == StateStopping {
		status.InFlight = c.pool.InFlight()
		return status
	}
	if c.state != StateOnline {
		return status
	}
	startedAt := c.startedAt
	status.StartedAt = &startedAt
	status.Identity = c.config.IdentityPublicKeyHex
	status.Relays = append(status.Relays, c.config.Relays...)
	status.SupportedKinds = append(status.SupportedKinds, c.config.SupportedKinds...)
	status.InFlight = c.pool.InFlight()
	return status
}

func (c *Controller) enqueue(ctx context.Context, relay string, event nostr.Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		c.logger.Warnw("cannot encode inbound event", "event_id", event.ID, "error", err)
		return
	}
	message := domain.InboundMessage{
		EventID:    event.ID,
		Relay:      relay,
		Event:      raw,
		ReceivedAt: c.now(),
	}
	if err := c.deps.Queue.Enqueue(ctx, message); err != nil && ctx.Err() == nil {
		c.logger.Warnw("cannot enqueue inbound event", "event_id", event.ID, "relay", relay, "error", err)
	}
}

// consume feeds the job pool from the intake queue until ctx is done.
func (c *Controller) consume(ctx context.Context, pool *Pool) {
	handler := func(ctx context.Context, message domain.InboundMessage) error {
		var event nostr.Event
		if err := json.Unmarshal(message.Event, &event); err != nil {
			c.logger.Warnw("dropping undecodable inbound message", "event_id", message.EventID, "error", err)
			return nil
		}
		err := pool.Submit(ctx, func(jobCtx context.Context) {
			c.deps.Orchestrator.Handle(jobCtx, message.Relay, event)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPoolClosed) {
			c.requeue(message)
			return nil
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return
		}
		err := c.deps.Queue.Consume(ctx, handler)
		if err == nil || ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		c.logger.Warnw("intake consume loop error", "error", err)

		timer := time.NewTimer(consumeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// requeue puts back a message that arrived while the engine was stopping.
func (c *Controller) requeue(message domain.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := c.deps.Queue.Enqueue(ctx, message); err != nil {
		c.logger.Warnw("cannot requeue inbound message", "event_id", message.EventID, "error", err)
	}
}
