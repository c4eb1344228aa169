package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/payment"
)

func seedAwaiting(t *testing.T, h *harness, bolt11 string) *domain.JobRecord {
	t.Helper()
	record := &domain.JobRecord{
		JobRequestID:       "req-" + bolt11,
		RequesterIdentity:  h.requester.PublicKeyHex,
		Kind:               5050,
		Status:             domain.JobStatusAwaitingPayment,
		InvoiceAmountSats:  domain.Int64Ptr(10),
		InvoiceBolt11:      bolt11,
		InvoicePaymentHash: "hash-" + bolt11,
	}
	require.NoError(t, h.store.Append(context.Background(), record))
	return record
}

func seedAwaitingAt(t *testing.T, h *harness, bolt11 string, createdAt time.Time) *domain.JobRecord {
	t.Helper()
	record := &domain.JobRecord{
		JobRequestID:       "req-" + bolt11,
		RequesterIdentity:  h.requester.PublicKeyHex,
		Kind:               5050,
		Status:             domain.JobStatusAwaitingPayment,
		CreatedAt:          createdAt,
		InvoiceAmountSats:  domain.Int64Ptr(10),
		InvoiceBolt11:      bolt11,
		InvoicePaymentHash: "hash-" + bolt11,
	}
	require.NoError(t, h.store.Append(context.Background(), record))
	return record
}

func TestReconcileMarksPaidInvoices(t *testing.T) {
	h := newHarness(t)
	paid := seedAwaiting(t, h, "lnbc-paid")
	pending := seedAwaiting(t, h, "lnbc-pending")
	h.payments.states["lnbc-paid"] = payment.InvoiceStatus{State: payment.InvoicePaid, AmountMillisats: 10_999}

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, 1, report.Pending)

	updated, err := h.store.Get(context.Background(), paid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaid, updated.Status)
	require.NotNil(t, updated.PaymentReceivedSats)
	assert.Equal(t, int64(10), *updated.PaymentReceivedSats)

	untouched, err := h.store.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwaitingPayment, untouched.Status)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	record := seedAwaiting(t, h, "lnbc-paid")
	h.payments.states["lnbc-paid"] = payment.InvoiceStatus{State: payment.InvoicePaid, AmountMillisats: 10_000}

	_, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	first, err := h.store.Get(context.Background(), record.ID)
	require.NoError(t, err)

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	second, err := h.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconcileIsolatesInvoiceErrors(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// Records are reconciled newest first, so the broken invoice sits between
	// the two healthy ones.
	older := seedAwaitingAt(t, h, "lnbc-older", base)
	seedAwaitingAt(t, h, "lnbc-broken", base.Add(time.Minute))
	newer := seedAwaitingAt(t, h, "lnbc-newer", base.Add(2*time.Minute))
	h.payments.checkErrs["lnbc-broken"] = errors.New("wallet timeout")
	h.payments.states["lnbc-older"] = payment.InvoiceStatus{State: payment.InvoicePaid}
	h.payments.states["lnbc-newer"] = payment.InvoiceStatus{State: payment.InvoicePaid}

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 2, report.Paid)
	assert.Equal(t, 3, h.payments.checks)

	for _, healthy := range []*domain.JobRecord{older, newer} {
		updated, err := h.store.Get(context.Background(), healthy.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPaid, updated.Status, healthy.InvoiceBolt11)
		assert.Nil(t, updated.PaymentReceivedSats)
	}
}

func TestReconcileKeepsExpiredByDefault(t *testing.T) {
	h := newHarness(t)
	record := seedAwaiting(t, h, "lnbc-expired")
	h.payments.states["lnbc-expired"] = payment.InvoiceStatus{State: payment.InvoiceExpired}

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	updated, err := h.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwaitingPayment, updated.Status)
}

func TestReconcileFailsExpiredWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.settings.cfg.FailExpiredInvoices = true
	record := seedAwaiting(t, h, "lnbc-expired")
	h.payments.states["lnbc-expired"] = payment.InvoiceStatus{State: payment.InvoiceExpired}

	_, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)

	updated, err := h.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, updated.Status)
	assert.Equal(t, "invoice expired", updated.ErrorDetail)
}

func TestReconcileSkipsRecordsWithoutInvoice(t *testing.T) {
	h := newHarness(t)
	seedAwaiting(t, h, "")

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, h.payments.checks)
}

func TestReconcileStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	seedAwaiting(t, h, "lnbc-a")
	seedAwaiting(t, h, "lnbc-b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.reconciler.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.payments.checks)
}

func TestReconcileAfterHandle(t *testing.T) {
	h := newHarness(t)
	h.orch.Handle(context.Background(), "wss://relay.test", h.textRequest("pay me"))
	record := h.onlyRecord()
	h.payments.states[record.InvoiceBolt11] = payment.InvoiceStatus{State: payment.InvoicePaid, AmountMillisats: 10_000}

	_, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaid, h.onlyRecord().Status)
}
