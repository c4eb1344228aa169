package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/queue"
)

func newTestController(h *harness) *Controller {
	return NewController(ControllerDeps{
		Settings:          h.settings,
		Relays:            h.relays,
		Queue:             queue.NewLocalQueue(16, 3, nil),
		Orchestrator:      h.orch,
		Reconciler:        h.reconciler,
		Concurrency:       2,
		ReconcileInterval: time.Hour,
		ShutdownGrace:     time.Second,
	})
}

func TestStartRequiresIdentityAndRelays(t *testing.T) {
	h := newHarness(t)
	h.settings.cfg.IdentityPrivateKeyHex = ""
	controller := newTestController(h)

	err := controller.Start(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))

	h.settings.cfg.IdentityPrivateKeyHex = h.provider.PrivateKeyHex
	h.settings.cfg.Relays = nil
	err = controller.Start(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))
	assert.Equal(t, StateOffline, controller.Status().State)
	assert.Zero(t, h.relays.subscribes)
}

func TestStartPropagatesSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	h.relays.subscribeErr = domain.NewConnectionError("no relay reachable", nil)
	controller := newTestController(h)

	err := controller.Start(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnection))
	assert.Equal(t, StateOffline, controller.Status().State)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t)
	controller := newTestController(h)

	require.NoError(t, controller.Start(context.Background()))
	require.NoError(t, controller.Start(context.Background()))
	assert.Equal(t, 1, h.relays.subscribes)

	status := controller.Status()
	assert.Equal(t, StateOnline, status.State)
	assert.Equal(t, h.provider.PublicKeyHex, status.Identity)
	assert.Equal(t, []int{5050}, status.SupportedKinds)
	require.NotNil(t, status.StartedAt)

	require.Len(t, h.relays.filters, 1)
	assert.Equal(t, []int{5050}, h.relays.filters[0].Kinds)
	require.NotNil(t, h.relays.filters[0].Since)

	require.NoError(t, controller.Stop(context.Background()))
	require.NoError(t, controller.Stop(context.Background()))
	assert.Equal(t, StateOffline, controller.Status().State)
	assert.Equal(t, 1, h.relays.subscription.unsubscribed)
}

func TestControllerRoutesEventsToOrchestrator(t *testing.T) {
	h := newHarness(t)
	controller := newTestController(h)
	require.NoError(t, controller.Start(context.Background()))
	defer func() { _ = controller.Stop(context.Background()) }()

	request := h.textRequest("through the queue")
	h.relays.deliver("wss://relay.test", request)

	require.Eventually(t, func() bool {
		records, _, err := h.store.Page(context.Background(), domain.JobRecordFilter{Status: domain.JobStatusAwaitingPayment})
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.relays.events(), 3)
}

func TestControllerCanRestart(t *testing.T) {
	h := newHarness(t)
	controller := newTestController(h)

	require.NoError(t, controller.Start(context.Background()))
	require.NoError(t, controller.Stop(context.Background()))
	require.NoError(t, controller.Start(context.Background()))
	defer func() { _ = controller.Stop(context.Background()) }()

	assert.Equal(t, 2, h.relays.subscribes)
	h.relays.deliver("wss://relay.test", h.textRequest("second life"))
	require.Eventually(t, func() bool {
		_, total, err := h.store.Page(context.Background(), domain.JobRecordFilter{})
		return err == nil && total == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopDrainsInFlightJobs(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.orch.generator = &gatedGenerator{release: release, inner: h.generator}
	controller := newTestController(h)
	require.NoError(t, controller.Start(context.Background()))

	h.relays.deliver("wss://relay.test", h.textRequest("slow job"))
	require.Eventually(t, func() bool { return controller.Status().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, controller.Stop(context.Background()))
	assert.Equal(t, domain.JobStatusAwaitingPayment, h.onlyRecord().Status)
}

func TestStatusAnswersWhileStopDrains(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.orch.generator = &gatedGenerator{release: release, inner: h.generator}
	controller := newTestController(h)
	controller.deps.ShutdownGrace = 2 * time.Second
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.relays.deliver("wss://relay.test", h.textRequest("slow job"))
	deadline := time.Now().Add(2 * time.Second)
	for controller.Status().InFlight != 1 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- controller.Stop(context.Background()) }()

	deadline = time.Now().Add(time.Second)
	for {
		began := time.Now()
		status := controller.Status()
		if elapsed := time.Since(began); elapsed > 200*time.Millisecond {
			t.Fatalf("Status blocked for %s during stop", elapsed)
		}
		if status.State == StateStopping {
			if status.InFlight != 1 {
				t.Fatalf("in flight while stopping = %d, want 1", status.InFlight)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reported stopping", status.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return after the job finished")
	}
	if state := controller.Status().State; state != StateOffline {
		t.Fatalf("state after stop = %s, want %s", state, StateOffline)
	}
}
