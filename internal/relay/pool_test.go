package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	writeMu   sync.Mutex
	conns     []*websocket.Conn
	stored    []nostr.Event
	published []nostr.Event
	reqs      map[string]int
	closes    []string
	reject    bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{reqs: make(map[string]int)}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var label, id string
		_ = json.Unmarshal(frame[0], &label)
		switch label {
		case "REQ":
			_ = json.Unmarshal(frame[1], &id)
			r.mu.Lock()
			r.reqs[id]++
			stored := append([]nostr.Event(nil), r.stored...)
			r.mu.Unlock()
			for _, event := range stored {
				r.send(ws, []any{"EVENT", id, event})
			}
			r.send(ws, []any{"EOSE", id})
		case "CLOSE":
			_ = json.Unmarshal(frame[1], &id)
			r.mu.Lock()
			r.closes = append(r.closes, id)
			r.mu.Unlock()
		case "EVENT":
			var event nostr.Event
			_ = json.Unmarshal(frame[1], &event)
			r.mu.Lock()
			r.published = append(r.published, event)
			reject := r.reject
			r.mu.Unlock()
			message := ""
			if reject {
				message = "blocked: test"
			}
			r.send(ws, []any{"OK", event.ID, !reject, message})
		}
	}
}

func (r *fakeRelay) send(ws *websocket.Conn, message any) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = ws.WriteJSON(message)
}

func (r *fakeRelay) push(subID string, event nostr.Event) {
	r.mu.Lock()
	conns := append([]*websocket.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, ws := range conns {
		r.send(ws, []any{"EVENT", subID, event})
	}
}

func (r *fakeRelay) dropConnections() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, ws := range conns {
		_ = ws.Close()
	}
}

func (r *fakeRelay) reqCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[id]
}

func (r *fakeRelay) onlySubscription() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.reqs {
		return id
	}
	return ""
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := NewPool(Config{
		DialTimeout:    2 * time.Second,
		PublishTimeout: 2 * time.Second,
		PublishRPS:     100,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
	})
	t.Cleanup(pool.Close)
	return pool
}

func signedEvent(t *testing.T, kind int, content string) nostr.Event {
	t.Helper()
	keys, err := nostr.GenerateKeyPair()
	require.NoError(t, err)
	event := nostr.Event{Kind: kind, Content: content, Tags: nostr.Tags{{"i", content, "text"}}}
	require.NoError(t, event.Sign(keys.PrivateKeyHex))
	return event
}

type collected struct {
	mu     sync.Mutex
	events []nostr.Event
	eose   int
}

func (c *collected) onEvent(_ string, event nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collected) onEOSE(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eose++
}

func (c *collected) count() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events), c.eose
}

func TestSubscribeDeliversVerifiedEvents(t *testing.T) {
	relay := newFakeRelay(t)
	valid := signedEvent(t, nostr.KindTextGeneration, "hello")
	tampered := signedEvent(t, nostr.KindTextGeneration, "original")
	tampered.Content = "changed"
	relay.stored = []nostr.Event{valid, tampered}

	pool := newTestPool(t)
	sink := &collected{}
	sub, err := pool.Subscribe(context.Background(), []string{relay.URL()},
		[]nostr.Filter{{Kinds: []int{nostr.KindTextGeneration}}}, sink.onEvent, sink.onEOSE)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, eose := sink.count()
		return eose == 1
	}, 2*time.Second, 10*time.Millisecond)

	events, _ := sink.count()
	assert.Equal(t, 1, events)
	assert.Equal(t, valid.ID, sink.events[0].ID)
}

func TestSubscribeFiltersOtherKinds(t *testing.T) {
	relay := newFakeRelay(t)
	relay.stored = []nostr.Event{signedEvent(t, 1, "note")}

	pool := newTestPool(t)
	sink := &collected{}
	sub, err := pool.Subscribe(context.Background(), []string{relay.URL()},
		[]nostr.Filter{{Kinds: []int{nostr.KindTextGeneration}}}, sink.onEvent, sink.onEOSE)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, eose := sink.count()
		return eose == 1
	}, 2*time.Second, 10*time.Millisecond)
	events, _ := sink.count()
	assert.Zero(t, events)
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)
	sink := &collected{}
	sub, err := pool.Subscribe(context.Background(), []string{relay.URL()},
		[]nostr.Filter{{Kinds: []int{nostr.KindTextGeneration}}}, sink.onEvent, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return relay.onlySubscription() != "" }, 2*time.Second, 10*time.Millisecond)
	subID := relay.onlySubscription()

	relay.dropConnections()
	require.Eventually(t, func() bool { return relay.reqCount(subID) >= 2 }, 3*time.Second, 10*time.Millisecond)

	relay.push(subID, signedEvent(t, nostr.KindTextGeneration, "after reconnect"))
	require.Eventually(t, func() bool {
		events, _ := sink.count()
		return events == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeSendsClose(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)
	sub, err := pool.Subscribe(context.Background(), []string{relay.URL()}, nil, func(string, nostr.Event) {}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return relay.onlySubscription() != "" }, 2*time.Second, 10*time.Millisecond)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.closes) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeFailsWhenNoRelayReachable(t *testing.T) {
	pool := NewPool(Config{DialTimeout: 200 * time.Millisecond, ReconnectMin: 50 * time.Millisecond})
	defer pool.Close()

	_, err := pool.Subscribe(context.Background(), []string{"ws://127.0.0.1:1"}, nil, func(string, nostr.Event) {}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnection))
}

func TestPublishWaitsForOK(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)
	event := signedEvent(t, nostr.KindJobFeedback, "")

	require.NoError(t, pool.Publish(context.Background(), []string{relay.URL()}, event))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	require.Len(t, relay.published, 1)
	assert.Equal(t, event.ID, relay.published[0].ID)
}

func TestPublishRejected(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reject = true
	pool := newTestPool(t)

	err := pool.Publish(context.Background(), []string{relay.URL()}, signedEvent(t, nostr.KindJobFeedback, ""))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnection))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestPublishSucceedsWhenAnyRelayAccepts(t *testing.T) {
	rejecting := newFakeRelay(t)
	rejecting.reject = true
	accepting := newFakeRelay(t)
	pool := newTestPool(t)

	err := pool.Publish(context.Background(), []string{rejecting.URL(), accepting.URL()}, signedEvent(t, nostr.KindJobFeedback, ""))
	require.NoError(t, err)
}

func TestPublishWithoutRelays(t *testing.T) {
	pool := newTestPool(t)
	err := pool.Publish(context.Background(), nil, signedEvent(t, nostr.KindJobFeedback, ""))
	require.Error(t, err)
}

type recordingObserver struct {
	mu        sync.Mutex
	published map[string]int
	connected map[string]bool
}

func (o *recordingObserver) RecordPublish(relay string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.published[relay]++
	}
}

func (o *recordingObserver) SetRelayConnected(relay string, connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected[relay] = connected
}

func TestObserverSeesConnectionAndPublish(t *testing.T) {
	relay := newFakeRelay(t)
	observer := &recordingObserver{published: map[string]int{}, connected: map[string]bool{}}
	pool := NewPool(Config{DialTimeout: 2 * time.Second, Observer: observer})
	t.Cleanup(pool.Close)
	sub, err := pool.Subscribe(context.Background(), []string{relay.URL()}, nil, func(string, nostr.Event) {}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, pool.Publish(context.Background(), []string{relay.URL()}, signedEvent(t, nostr.KindJobFeedback, "")))

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.True(t, observer.connected[relay.URL()])
	assert.Equal(t, 1, observer.published[relay.URL()])
	assert.Equal(t, []string{relay.URL()}, pool.Connected())
}

func (p *Pool) open() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	return urls
}

func TestPublishToUnreachableRelaysLeavesNoConnections(t *testing.T) {
	home := newFakeRelay(t)
	pool := NewPool(Config{
		DialTimeout:    100 * time.Millisecond,
		PublishTimeout: 150 * time.Millisecond,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
	})
	defer pool.Close()

	sub, err := pool.Subscribe(context.Background(), []string{home.URL()}, nil, func(string, nostr.Event) {}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var unreachable []string
	for i := 0; i < 40; i++ {
		unreachable = append(unreachable, fmt.Sprintf("ws://127.0.0.1:1/r%d", i))
	}
	if err := pool.Publish(context.Background(), unreachable, signedEvent(t, nostr.KindJobFeedback, "")); err == nil {
		t.Fatal("expected publish to unreachable relays to fail")
	}

	open := pool.open()
	if len(open) != 1 || open[0] != home.URL() {
		t.Fatalf("open connections = %v, want only %s", open, home.URL())
	}
}

func TestPublishOnlyRelayIsDroppedAfterOK(t *testing.T) {
	home := newFakeRelay(t)
	extra := newFakeRelay(t)
	pool := newTestPool(t)

	sub, err := pool.Subscribe(context.Background(), []string{home.URL()}, nil, func(string, nostr.Event) {}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := pool.Publish(context.Background(), []string{extra.URL()}, signedEvent(t, nostr.KindJobFeedback, "")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	extra.mu.Lock()
	published := len(extra.published)
	extra.mu.Unlock()
	if published != 1 {
		t.Fatalf("extra relay saw %d events, want 1", published)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pool.open()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("open connections = %v, want only the subscribed relay", pool.open())
		}
		time.Sleep(10 * time.Millisecond)
	}

	sub.Unsubscribe()
	if open := pool.open(); len(open) != 0 {
		t.Fatalf("open connections after unsubscribe = %v", open)
	}
}

func TestNormalizeRelays(t *testing.T) {
	got := normalizeRelays([]string{" wss://a/ ", "wss://a", "", "wss://b"})
	assert.Equal(t, []string{"wss://a", "wss://b"}, got)
}
