package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
)

type LNbitsClientConfig struct {
	BaseURL    string
	InvoiceKey string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Logger     *zap.SugaredLogger
}

// LNbitsClient talks to the wallet API of an LNbits instance with an
// invoice/read key.
type LNbitsClient struct {
	baseURL    string
	invoiceKey string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	breaker    *Breaker
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewLNbitsClient(config LNbitsClientConfig) *LNbitsClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.Breaker.Name == "" {
		config.Breaker = DefaultBreakerConfig("lnbits")
	}

	logger := config.Logger.With("component", "lnbits")
	return &LNbitsClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		invoiceKey: strings.TrimSpace(config.InvoiceKey),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		breaker:    NewBreaker(config.Breaker, logger),
		logger:     logger,
		now:        time.Now,
	}
}

func (c *LNbitsClient) Available() bool {
	return c.baseURL != "" && c.invoiceKey != ""
}

func (c *LNbitsClient) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *LNbitsClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (domain.InvoiceQuote, error) {
	if !c.Available() {
		return domain.InvoiceQuote{}, domain.NewPaymentError("payment processor unavailable", ErrProcessorUnavailable)
	}
	if amountSats <= 0 {
		return domain.InvoiceQuote{}, domain.NewPaymentError("invoice amount must be positive", nil)
	}

	payload, err := json.Marshal(map[string]any{
		"out":    false,
		"amount": amountSats,
		"unit":   "sat",
		"memo":   memo,
	})
	if err != nil {
		return domain.InvoiceQuote{}, fmt.Errorf("marshal lnbits invoice: %w", err)
	}

	var raw lnbitsCreateInvoiceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", payload, &raw); err != nil {
		return domain.InvoiceQuote{}, domain.NewPaymentError("could not create invoice", err)
	}

	bolt11 := firstNonEmpty(raw.PaymentRequest, raw.Bolt11)
	if bolt11 == "" || raw.PaymentHash == "" {
		return domain.InvoiceQuote{}, domain.NewPaymentError("could not create invoice", errors.New("lnbits response without invoice"))
	}

	return domain.InvoiceQuote{
		Bolt11:          bolt11,
		PaymentHashHex:  raw.PaymentHash,
		AmountSats:      amountSats,
		AmountMillisats: amountSats * 1000,
	}, nil
}

func (c *LNbitsClient) CheckInvoice(ctx context.Context, bolt11, paymentHashHex string) (InvoiceStatus, error) {
	if !c.Available() {
		return InvoiceStatus{}, domain.NewPaymentError("payment processor unavailable", ErrProcessorUnavailable)
	}
	paymentHashHex = strings.TrimSpace(paymentHashHex)
	if paymentHashHex == "" {
		return InvoiceStatus{}, domain.NewPaymentError("payment hash is required", nil)
	}

	var raw lnbitsPaymentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+paymentHashHex, nil, &raw); err != nil {
		return InvoiceStatus{}, domain.NewPaymentError("could not check invoice", err)
	}

	amount := raw.Details.Amount
	if amount < 0 {
		amount = -amount
	}
	status := InvoiceStatus{State: InvoicePending, AmountMillisats: amount}
	switch {
	case raw.Paid || strings.EqualFold(raw.Details.Status, "success"):
		status.State = InvoicePaid
	case strings.EqualFold(raw.Details.Status, "failed"):
		status.State = InvoiceFailed
	case raw.Details.expired(c.now()):
		status.State = InvoiceExpired
	}
	return status, nil
}

func (c *LNbitsClient) do(ctx context.Context, method, path string, payload []byte, target any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var clientErr error
		callErr := c.breaker.Execute(func() error {
			err := c.call(ctx, method, path, payload, target)
			if err != nil && !isRetryable(err) {
				clientErr = err
				return nil
			}
			return err
		})
		if clientErr != nil {
			return clientErr
		}
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if errors.Is(callErr, ErrCircuitOpen) || errors.Is(callErr, ErrTooManyRequests) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown lnbits error")
	}
	return lastErr
}

func (c *LNbitsClient) call(ctx context.Context, method, path string, payload []byte, target any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create lnbits request: %w", err)
	}
	httpRequest.Header.Set("X-Api-Key", c.invoiceKey)
	httpRequest.Header.Set("Accept", "application/json")
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("lnbits timeout: %w", err)
		}
		return fmt.Errorf("lnbits transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("read lnbits body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 500 {
			message = message[:500]
		}
		return &httpStatusError{StatusCode: httpResponse.StatusCode, Message: message}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode lnbits response: %w", err)
	}
	return nil
}

type lnbitsCreateInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
}

type lnbitsPaymentStatusResponse struct {
	Paid    bool                 `json:"paid"`
	Details lnbitsPaymentDetails `json:"details"`
}

type lnbitsPaymentDetails struct {
	Status string          `json:"status"`
	Amount int64           `json:"amount"`
	Expiry json.RawMessage `json:"expiry"`
}

// expired understands both unix-second and RFC 3339 expiry values.
func (d lnbitsPaymentDetails) expired(now time.Time) bool {
	raw := strings.Trim(strings.TrimSpace(string(d.Expiry)), `"`)
	if raw == "" || raw == "null" {
		return false
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return now.After(time.Unix(int64(seconds), 0))
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if expiry, err := time.Parse(layout, raw); err == nil {
			return now.After(expiry)
		}
	}
	return false
}

type httpStatusError struct {
	StatusCode int
	Message    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("lnbits status %d: %s", e.StatusCode, e.Message)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "transport")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
