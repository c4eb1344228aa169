package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/ai"
	"github.com/iago/llm-dvm/internal/codec"
	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/dvm"
	"github.com/iago/llm-dvm/internal/nostr"
	"github.com/iago/llm-dvm/internal/payment"
	"github.com/iago/llm-dvm/internal/policy"
	"github.com/iago/llm-dvm/internal/repository"
)

type staticSettings struct {
	mu  sync.Mutex
	cfg domain.EffectiveConfig
	err error
}

func (s *staticSettings) Resolve(context.Context) (domain.EffectiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.EffectiveConfig{}, s.err
	}
	return s.cfg.Clone(), nil
}

type fakeSubscription struct {
	mu           sync.Mutex
	unsubscribed int
}

func (s *fakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
}

type fakeRelays struct {
	mu           sync.Mutex
	published    []nostr.Event
	publishedTo  [][]string
	subscribes   int
	filters      []nostr.Filter
	onEvent      nostr.EventHandler
	subscription *fakeSubscription
	subscribeErr error
	// failKinds makes Publish fail for events of these kinds.
	failKinds map[int]bool
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{failKinds: map[int]bool{}}
}

func (r *fakeRelays) Subscribe(
	_ context.Context,
	_ []string,
	filters []nostr.Filter,
	onEvent nostr.EventHandler,
	_ func(relay string),
) (nostr.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	r.subscribes++
	r.filters = filters
	r.onEvent = onEvent
	r.subscription = &fakeSubscription{}
	return r.subscription, nil
}

func (r *fakeRelays) Publish(_ context.Context, relays []string, event nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failKinds[event.Kind] {
		return domain.NewConnectionError("no relay accepted the event", errors.New("offline"))
	}
	r.published = append(r.published, event)
	r.publishedTo = append(r.publishedTo, append([]string(nil), relays...))
	return nil
}

func (r *fakeRelays) events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.published...)
}

func (r *fakeRelays) deliver(relay string, event nostr.Event) {
	r.mu.Lock()
	handler := r.onEvent
	r.mu.Unlock()
	handler(relay, event)
}

type fakeGenerator struct {
	mu       sync.Mutex
	text     string
	usage    ai.TokenUsage
	err      error
	requests []ai.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, request)
	if g.err != nil {
		return ai.GenerateResult{}, g.err
	}
	return ai.GenerateResult{Text: g.text, ModelID: request.Model, Usage: g.usage}, nil
}

func (g *fakeGenerator) Available() bool { return true }

type fakePayments struct {
	mu        sync.Mutex
	memos     []string
	amounts   []int64
	createErr error
	states    map[string]payment.InvoiceStatus
	checkErrs map[string]error
	checks    int
}

func newFakePayments() *fakePayments {
	return &fakePayments{states: map[string]payment.InvoiceStatus{}, checkErrs: map[string]error{}}
}

func (p *fakePayments) CreateInvoice(_ context.Context, amountSats int64, memo string) (domain.InvoiceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return domain.InvoiceQuote{}, p.createErr
	}
	p.memos = append(p.memos, memo)
	p.amounts = append(p.amounts, amountSats)
	return domain.InvoiceQuote{
		Bolt11:          "lnbc" + memo,
		PaymentHashHex:  "hash-" + memo,
		AmountSats:      amountSats,
		AmountMillisats: amountSats * 1000,
	}, nil
}

func (p *fakePayments) CheckInvoice(_ context.Context, bolt11, _ string) (payment.InvoiceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	if err := p.checkErrs[bolt11]; err != nil {
		return payment.InvoiceStatus{}, err
	}
	if status, ok := p.states[bolt11]; ok {
		return status, nil
	}
	return payment.InvoiceStatus{State: payment.InvoicePending}, nil
}

type harness struct {
	t          *testing.T
	provider   nostr.KeyPair
	requester  nostr.KeyPair
	settings   *staticSettings
	relays     *fakeRelays
	generator  *fakeGenerator
	payments   *fakePayments
	store      *repository.MemoryJobRecordStore
	policy     *policy.PromptPolicy
	orch       *Orchestrator
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider, err := nostr.GenerateKeyPair()
	require.NoError(t, err)
	requester, err := nostr.GenerateKeyPair()
	require.NoError(t, err)

	h := &harness{
		t:         t,
		provider:  provider,
		requester: requester,
		settings: &staticSettings{cfg: domain.EffectiveConfig{
			IdentityPrivateKeyHex: provider.PrivateKeyHex,
			IdentityPublicKeyHex:  provider.PublicKeyHex,
			Relays:                []string{"wss://relay.test"},
			SupportedKinds:        []int{nostr.KindTextGeneration},
			Pricing:               domain.Pricing{MinPriceSats: 10, PricePer1kTokens: 2},
			ModelParams:           domain.ModelParams{Model: "llama3.2", MaxTokens: 512, Temperature: 0.7},
		}},
		relays:    newFakeRelays(),
		generator: &fakeGenerator{text: "The answer is 42.", usage: ai.TokenUsage{InputTokens: 20, OutputTokens: 30, TotalTokens: 50}},
		payments:  newFakePayments(),
		store:     repository.NewMemoryJobRecordStore(),
	}
	h.rebuild()
	return h
}

// rebuild recreates the engine parts after a harness field changed.
func (h *harness) rebuild() {
	var payments payment.Processor
	if h.payments != nil {
		payments = h.payments
	}
	h.orch = NewOrchestrator(OrchestratorDeps{
		Settings:  h.settings,
		Relays:    h.relays,
		Generator: h.generator,
		Payments:  payments,
		Codec:     codec.NewNIP04(),
		Store:     h.store,
		Policy:    h.policy,
	})
	h.reconciler = NewReconciler(ReconcilerDeps{
		Settings: h.settings,
		Store:    h.store,
		Payments: payments,
	})
}

func (h *harness) request(tags nostr.Tags) nostr.Event {
	h.t.Helper()
	event := nostr.Event{Kind: nostr.KindTextGeneration, Tags: tags}
	require.NoError(h.t, event.Sign(h.requester.PrivateKeyHex))
	return event
}

func (h *harness) textRequest(prompt string) nostr.Event {
	return h.request(nostr.Tags{{dvm.TagInput, prompt, dvm.InputTypeText}})
}

func (h *harness) encryptedRequest(tags nostr.Tags) nostr.Event {
	h.t.Helper()
	plaintext, err := json.Marshal(tags)
	require.NoError(h.t, err)
	ciphertext, err := codec.NewNIP04().Encrypt(h.requester.PrivateKeyHex, h.provider.PublicKeyHex, string(plaintext))
	require.NoError(h.t, err)

	event := nostr.Event{
		Kind:    nostr.KindTextGeneration,
		Content: ciphertext,
		Tags:    nostr.Tags{{dvm.TagPubKey, h.provider.PublicKeyHex}, {dvm.TagEncrypted}},
	}
	require.NoError(h.t, event.Sign(h.requester.PrivateKeyHex))
	return event
}

func (h *harness) onlyRecord() *domain.JobRecord {
	h.t.Helper()
	records, total, err := h.store.Page(context.Background(), domain.JobRecordFilter{})
	require.NoError(h.t, err)
	require.Equal(h.t, 1, total)
	return records[0]
}

func feedbackStatus(event nostr.Event) string {
	return event.Tags.Find(dvm.TagStatus).Value()
}
