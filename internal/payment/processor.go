// Package payment issues Lightning invoices for priced jobs and reports
// their settlement state.
package payment

import (
	"context"
	"errors"

	"github.com/iago/llm-dvm/internal/domain"
)

var ErrProcessorUnavailable = errors.New("payment processor unavailable")

type InvoiceState string

const (
	InvoicePending InvoiceState = "pending"
	InvoicePaid    InvoiceState = "paid"
	InvoiceExpired InvoiceState = "expired"
	InvoiceFailed  InvoiceState = "failed"
)

type InvoiceStatus struct {
	State           InvoiceState
	AmountMillisats int64
}

func (s InvoiceStatus) Paid() bool {
	return s.State == InvoicePaid
}

// Processor creates and checks invoices. Both operations may block on the
// network and must honor ctx.
type Processor interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (domain.InvoiceQuote, error)
	CheckInvoice(ctx context.Context, bolt11, paymentHashHex string) (InvoiceStatus, error)
}
