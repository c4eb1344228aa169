package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusReceived        JobStatus = "received"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusAwaitingPayment JobStatus = "awaiting_payment"
	JobStatusPaid            JobStatus = "paid"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFailed || s == JobStatusCompleted
}

func ParseJobStatus(value string) (JobStatus, bool) {
	switch status := JobStatus(value); status {
	case JobStatusReceived,
		JobStatusProcessing,
		JobStatusAwaitingPayment,
		JobStatusPaid,
		JobStatusCompleted,
		JobStatusFailed:
		return status, true
	default:
		return "", false
	}
}

// JobRecord is the persisted lifecycle entry of one inbound job request.
type JobRecord struct {
	ID                  string    `json:"id"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	JobRequestID        string    `json:"job_request_id"`
	RequesterIdentity   string    `json:"requester_identity"`
	Kind                int       `json:"kind"`
	InputSummary        string    `json:"input_summary"`
	Status              JobStatus `json:"status"`
	ModelUsed           string    `json:"model_used,omitempty"`
	TokensProcessed     *int      `json:"tokens_processed,omitempty"`
	InvoiceAmountSats   *int64    `json:"invoice_amount_sats,omitempty"`
	InvoiceBolt11       string    `json:"invoice_bolt11,omitempty"`
	InvoicePaymentHash  string    `json:"invoice_payment_hash,omitempty"`
	PaymentReceivedSats *int64    `json:"payment_received_sats,omitempty"`
	ResultSummary       string    `json:"result_summary,omitempty"`
	ErrorDetail         string    `json:"error_detail,omitempty"`
}

func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.TokensProcessed != nil {
		value := *r.TokensProcessed
		clone.TokensProcessed = &value
	}
	if r.InvoiceAmountSats != nil {
		value := *r.InvoiceAmountSats
		clone.InvoiceAmountSats = &value
	}
	if r.PaymentReceivedSats != nil {
		value := *r.PaymentReceivedSats
		clone.PaymentReceivedSats = &value
	}
	return &clone
}

// JobRecordFilter narrows a page query. Zero values mean "any".
type JobRecordFilter struct {
	Status            JobStatus
	RequesterIdentity string
	Kind              int
	Page              int
	PageSize          int
}

// Normalize applies paging defaults.
func (f JobRecordFilter) Normalize() JobRecordFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	return f
}

func (f JobRecordFilter) Matches(record *JobRecord) bool {
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	if f.RequesterIdentity != "" && record.RequesterIdentity != f.RequesterIdentity {
		return false
	}
	if f.Kind != 0 && record.Kind != f.Kind {
		return false
	}
	return true
}

// InvoiceQuote is produced once per job by the payment processor.
type InvoiceQuote struct {
	Bolt11          string `json:"bolt11"`
	PaymentHashHex  string `json:"payment_hash"`
	AmountSats      int64  `json:"amount_sats"`
	AmountMillisats int64  `json:"amount_msats"`
}

// InboundMessage is the transport format sent through the intake queue.
type InboundMessage struct {
	EventID    string          `json:"event_id"`
	Relay      string          `json:"relay"`
	Event      json.RawMessage `json:"event"`
	Attempt    int             `json:"attempt"`
	ReceivedAt time.Time       `json:"received_at"`
}

func IntPtr(value int) *int {
	return &value
}

func Int64Ptr(value int64) *int64 {
	return &value
}
