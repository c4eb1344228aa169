package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/ai"
	"github.com/iago/llm-dvm/internal/cache"
	"github.com/iago/llm-dvm/internal/codec"
	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/dvm"
	"github.com/iago/llm-dvm/internal/nostr"
	"github.com/iago/llm-dvm/internal/payment"
	"github.com/iago/llm-dvm/internal/policy"
	"github.com/iago/llm-dvm/internal/repository"
)

const (
	defaultJobTimeout = 5 * time.Minute
	failureTimeout    = 15 * time.Second
	resultSummaryLen  = 200
	memoIDLength      = 8
	// maxRequestRelays bounds the extra relays a requester can make us
	// publish to.
	maxRequestRelays = 5
)

type OrchestratorDeps struct {
	Settings  SettingsProvider
	Relays    RelayGateway
	Generator ai.TextGenerator
	// Payments may be nil; only free jobs can complete without it.
	Payments payment.Processor
	Codec    codec.Codec
	Store    repository.JobRecordStore
	// Seen drops duplicate deliveries of the same request. Optional.
	Seen cache.SeenStore
	// Policy screens prompts before inference. Nil allows every prompt.
	Policy     *policy.PromptPolicy
	Telemetry  *Telemetry
	Logger     *zap.SugaredLogger
	JobTimeout time.Duration
}

// Orchestrator runs one job request end to end. Handle never returns an
// error: every failure becomes an error feedback and a failed record.
type Orchestrator struct {
	settings   SettingsProvider
	relays     RelayGateway
	generator  ai.TextGenerator
	payments   payment.Processor
	codec      codec.Codec
	store      repository.JobRecordStore
	seen       cache.SeenStore
	policy     *policy.PromptPolicy
	telemetry  *Telemetry
	logger     *zap.SugaredLogger
	jobTimeout time.Duration
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	codecImpl := deps.Codec
	if codecImpl == nil {
		codecImpl = codec.NewNIP04()
	}
	jobTimeout := deps.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = &Telemetry{Logger: logger}
	}
	return &Orchestrator{
		settings:   deps.Settings,
		relays:     deps.Relays,
		generator:  deps.Generator,
		payments:   deps.Payments,
		codec:      codecImpl,
		store:      deps.Store,
		seen:       deps.Seen,
		policy:     deps.Policy,
		telemetry:  telemetry,
		logger:     logger.With("component", "orchestrator"),
		jobTimeout: jobTimeout,
	}
}

// job carries the state of one pipeline run.
type job struct {
	recordID  string
	relay     string
	event     nostr.Event
	config    domain.EffectiveConfig
	request   dvm.JobRequest
	model     string
	text      string
	tokens    int
	priceSats int64
	quote     domain.InvoiceQuote
}

// publishRelays is the configured relays plus at most maxRequestRelays
// websocket relays named by the request.
func (j *job) publishRelays() []string {
	relays := append([]string(nil), j.config.Relays...)
	extra := 0
	for _, url := range j.request.Relays {
		if extra == maxRequestRelays {
			break
		}
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			continue
		}
		if slices.Contains(relays, url) {
			continue
		}
		relays = append(relays, url)
		extra++
	}
	return relays
}

// Handle processes one inbound event received from relay.
func (o *Orchestrator) Handle(ctx context.Context, relay string, event nostr.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Errorw("job pipeline panicked", "job_id", event.ID, "panic", recovered)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	cfg, err := o.settings.Resolve(ctx)
	if err != nil {
		o.logger.Errorw("cannot resolve settings, dropping request", "job_id", event.ID, "error", err)
		return
	}
	if !o.accepts(cfg, event) {
		return
	}

	duplicate := false
	_ = o.telemetry.runStage(ctx, StageDedupe, event.ID, func(ctx context.Context) error {
		if o.seen == nil {
			return nil
		}
		first, err := o.seen.MarkSeen(ctx, event.ID)
		if err != nil {
			// Processing twice beats dropping a request.
			o.logger.Warnw("dedupe unavailable", "job_id", event.ID, "error", err)
			return nil
		}
		duplicate = !first
		return nil
	})
	if duplicate {
		o.logger.Debugw("duplicate request dropped", "job_id", event.ID, "relay", relay)
		return
	}

	record := &domain.JobRecord{
		JobRequestID:      event.ID,
		RequesterIdentity: event.PubKey,
		Kind:              event.Kind,
		Status:            domain.JobStatusReceived,
	}
	if err := o.store.Append(ctx, record); err != nil {
		o.logger.Errorw("cannot persist job record", "job_id", event.ID, "error", err)
		o.sendFeedback(ctx, &job{relay: relay, event: event, config: cfg}, dvm.FeedbackParams{
			Status: dvm.StatusError,
			Detail: "job could not be accepted, try again later",
		})
		return
	}

	current := &job{recordID: record.ID, relay: relay, event: event, config: cfg}
	o.logger.Infow("job received", "job_id", event.ID, "record_id", record.ID, "kind", event.Kind, "relay", relay)

	status, err := o.run(ctx, current)
	if err != nil {
		if ctx.Err() != nil && domain.KindOf(err) == "" {
			err = domain.NewProcessingError("job timed out", err)
		}
		o.fail(ctx, current, err)
		o.telemetry.collector().RecordJob(string(domain.JobStatusFailed))
		return
	}
	o.telemetry.collector().RecordJob(string(status))
	o.logger.Infow("job finished", "job_id", event.ID, "status", status, "price_sats", current.priceSats, "tokens", current.tokens)
}

// accepts applies the ignore-self, kind and targeting filters.
func (o *Orchestrator) accepts(cfg domain.EffectiveConfig, event nostr.Event) bool {
	if event.PubKey == cfg.IdentityPublicKeyHex &&
		(event.Kind == nostr.KindJobFeedback || nostr.IsJobResultKind(event.Kind)) {
		return false
	}
	if !nostr.IsJobRequestKind(event.Kind) || !cfg.SupportsKind(event.Kind) {
		o.logger.Debugw("ignoring unsupported kind", "job_id", event.ID, "kind", event.Kind)
		return false
	}
	if target := event.Tags.Find(dvm.TagPubKey); target != nil && target.Value() != cfg.IdentityPublicKeyHex {
		o.logger.Debugw("ignoring request addressed to another provider", "job_id", event.ID)
		return false
	}
	return true
}

func (o *Orchestrator) run(ctx context.Context, j *job) (domain.JobStatus, error) {
	jobID := j.event.ID

	tags := j.event.Tags
	if err := o.telemetry.runStage(ctx, StageDecrypt, jobID, func(context.Context) error {
		if !dvm.IsEncrypted(j.event) {
			return nil
		}
		plaintext, err := o.codec.Decrypt(j.config.IdentityPrivateKeyHex, j.event.PubKey, j.event.Content)
		if err != nil {
			return domain.NewRequestError("failed to decrypt request", err)
		}
		tags, err = dvm.DecodeEncryptedTags(plaintext)
		return err
	}); err != nil {
		return "", err
	}

	if err := o.telemetry.runStage(ctx, StageParse, jobID, func(ctx context.Context) error {
		request, err := dvm.ParseJobRequest(j.event, tags)
		if err != nil {
			return err
		}
		j.request = request
		if _, err := o.store.Update(ctx, j.recordID, func(record *domain.JobRecord) error {
			record.InputSummary = policy.MaskSecrets(request.InputSummary())
			return nil
		}); err != nil {
			return err
		}
		prompt, _ := request.Prompt()
		if err := o.policy.Enforce(prompt); err != nil {
			return domain.NewRequestError("request rejected by content policy", err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	if _, err := repository.UpdateStatus(ctx, o.store, j.recordID, domain.JobStatusProcessing, nil); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}
	o.sendFeedback(ctx, j, dvm.FeedbackParams{Status: dvm.StatusProcessing})

	if err := o.telemetry.runStage(ctx, StageInference, jobID, func(ctx context.Context) error {
		return o.infer(ctx, j)
	}); err != nil {
		return "", err
	}

	amountMillisats := int64(0)
	if err := o.telemetry.runStage(ctx, StagePricing, jobID, func(context.Context) error {
		j.priceSats = dvm.PriceSats(j.tokens, j.config.Pricing)
		amountMillisats = j.priceSats * 1000
		if j.request.BidMillisats > 0 && amountMillisats > j.request.BidMillisats {
			return domain.NewPaymentError(
				fmt.Sprintf("price %d msats exceeds bid %d msats", amountMillisats, j.request.BidMillisats), nil)
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := o.telemetry.runStage(ctx, StageInvoice, jobID, func(ctx context.Context) error {
		if j.priceSats <= 0 {
			return nil
		}
		if o.payments == nil {
			return domain.NewPaymentError("payment processor unavailable", payment.ErrProcessorUnavailable)
		}
		memo := fmt.Sprintf("DVM job %s", shortID(jobID))
		quote, err := o.payments.CreateInvoice(ctx, j.priceSats, memo)
		if err != nil {
			if domain.KindOf(err) != "" {
				return err
			}
			return domain.NewPaymentError("failed to create invoice", err)
		}
		j.quote = quote
		o.telemetry.collector().AddInvoiced(j.priceSats)
		_, err = o.store.Update(ctx, j.recordID, func(record *domain.JobRecord) error {
			record.InvoiceAmountSats = domain.Int64Ptr(j.priceSats)
			record.InvoiceBolt11 = quote.Bolt11
			record.InvoicePaymentHash = quote.PaymentHashHex
			return nil
		})
		return err
	}); err != nil {
		return "", err
	}

	content := j.text
	if err := o.telemetry.runStage(ctx, StageEncrypt, jobID, func(context.Context) error {
		if !j.request.IsEncrypted {
			return nil
		}
		ciphertext, err := o.codec.Encrypt(j.config.IdentityPrivateKeyHex, j.request.RequesterIdentity, content)
		if err != nil {
			return domain.NewProcessingError("failed to encrypt result", err)
		}
		content = ciphertext
		return nil
	}); err != nil {
		return "", err
	}

	if err := o.telemetry.runStage(ctx, StagePublishResult, jobID, func(ctx context.Context) error {
		result := dvm.BuildResult(dvm.ResultParams{
			Request:         j.event,
			RelayHint:       j.relay,
			RoutingIdentity: j.request.RequesterIdentity,
			Content:         content,
			Encrypted:       j.request.IsEncrypted,
			AmountMillisats: j.quote.AmountMillisats,
			Bolt11:          j.quote.Bolt11,
		})
		if err := result.Sign(j.config.IdentityPrivateKeyHex); err != nil {
			return domain.NewProcessingError("failed to sign result", err)
		}
		if err := o.relays.Publish(ctx, j.publishRelays(), result); err != nil {
			return domain.NewProcessingError("failed to publish result", err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	// The result is out; from here on nothing turns the job into a failure.
	final := domain.JobStatusAwaitingPayment
	if j.priceSats <= 0 {
		final = domain.JobStatusCompleted
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()
	if _, err := repository.UpdateStatus(writeCtx, o.store, j.recordID, final, func(record *domain.JobRecord) {
		record.ResultSummary = policy.MaskSecrets(dvm.Truncate(strings.TrimSpace(j.text), resultSummaryLen))
	}); err != nil {
		o.logger.Errorw("cannot record published result",
			"job_id", jobID,
			"record_id", j.recordID,
			"status", final,
			"error", err,
		)
	}

	o.sendFeedback(writeCtx, j, dvm.FeedbackParams{
		Status:          dvm.StatusSuccess,
		AmountMillisats: j.quote.AmountMillisats,
		Bolt11:          j.quote.Bolt11,
	})
	return final, nil
}

func (o *Orchestrator) infer(ctx context.Context, j *job) error {
	if o.generator == nil || !o.generator.Available() {
		return domain.NewProcessingError("inference backend unavailable", ai.ErrInferenceUnavailable)
	}
	prompt, _ := j.request.Prompt()
	params := dvm.ResolveModelParams(j.request.Params, j.config.ModelParams)

	result, err := o.generator.Generate(ctx, ai.GenerateRequest{
		Model:            params.Model,
		Input:            prompt,
		Temperature:      params.Temperature,
		MaxOutputTokens:  params.MaxTokens,
		TopK:             params.TopK,
		TopP:             params.TopP,
		FrequencyPenalty: params.FrequencyPenalty,
	})
	if err != nil {
		return domain.NewProcessingError("inference failed", err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return domain.NewProcessingError("inference returned no text", nil)
	}

	j.text = result.Text
	j.model = firstNonEmpty(result.ModelID, params.Model)
	j.tokens = countTokens(result.Usage, prompt, result.Text)
	o.telemetry.collector().AddTokens(j.tokens)

	_, err = o.store.Update(ctx, j.recordID, func(record *domain.JobRecord) error {
		record.ModelUsed = j.model
		record.TokensProcessed = domain.IntPtr(j.tokens)
		return nil
	})
	return err
}

// countTokens prefers backend counts and estimates each missing side.
func countTokens(usage ai.TokenUsage, prompt, completion string) int {
	if !usage.Reported() {
		return dvm.EstimateTokens(prompt) + dvm.EstimateTokens(completion)
	}
	if usage.InputTokens <= 0 && usage.OutputTokens <= 0 {
		return usage.TotalTokens
	}
	input := usage.InputTokens
	if input <= 0 {
		input = dvm.EstimateTokens(prompt)
	}
	output := usage.OutputTokens
	if output <= 0 {
		output = dvm.EstimateTokens(completion)
	}
	return input + output
}

// sendFeedback publishes a feedback event. Failures are logged only.
func (o *Orchestrator) sendFeedback(ctx context.Context, j *job, params dvm.FeedbackParams) {
	params.RequestID = j.event.ID
	params.RelayHint = j.relay
	params.RoutingIdentity = j.event.PubKey

	_ = o.telemetry.runStage(ctx, StageFeedback, j.event.ID, func(ctx context.Context) error {
		feedback := dvm.BuildFeedback(params)
		if err := feedback.Sign(j.config.IdentityPrivateKeyHex); err != nil {
			return fmt.Errorf("sign %s feedback: %w", params.Status, err)
		}
		if err := o.relays.Publish(ctx, j.publishRelays(), feedback); err != nil {
			return fmt.Errorf("publish %s feedback: %w", params.Status, err)
		}
		return nil
	})
}

// fail emits one error feedback and marks the record failed. It runs on a
// fresh context so a timed-out job still reports.
func (o *Orchestrator) fail(parent context.Context, j *job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), failureTimeout)
	defer cancel()

	o.logger.Warnw("job failed",
		"job_id", j.event.ID,
		"record_id", j.recordID,
		"error_kind", domain.KindOf(cause),
		"error", cause,
	)

	o.sendFeedback(ctx, j, dvm.FeedbackParams{
		Status: dvm.StatusError,
		Detail: domain.PublicMessage(cause),
	})

	if _, err := repository.UpdateStatus(ctx, o.store, j.recordID, domain.JobStatusFailed, func(record *domain.JobRecord) {
		record.ErrorDetail = cause.Error()
	}); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		o.logger.Errorw("cannot mark job failed", "job_id", j.event.ID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) <= memoIDLength {
		return id
	}
	return id[:memoIDLength]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
