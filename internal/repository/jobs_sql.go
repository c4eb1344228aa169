package repository

import (
	"fmt"
	"strings"

	"github.com/iago/llm-dvm/internal/domain"
)

const jobRecordColumns = `id, created_at, updated_at, job_request_id, requester_identity, kind,
	input_summary, status, model_used, tokens_processed, invoice_amount_sats,
	invoice_bolt11, invoice_payment_hash, payment_received_sats, result_summary, error_detail`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(row rowScanner) (*domain.JobRecord, error) {
	var (
		record domain.JobRecord
		status string
	)
	err := row.Scan(
		&record.ID,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.JobRequestID,
		&record.RequesterIdentity,
		&record.Kind,
		&record.InputSummary,
		&status,
		&record.ModelUsed,
		&record.TokensProcessed,
		&record.InvoiceAmountSats,
		&record.InvoiceBolt11,
		&record.InvoicePaymentHash,
		&record.PaymentReceivedSats,
		&record.ResultSummary,
		&record.ErrorDetail,
	)
	if err != nil {
		return nil, err
	}
	record.Status = domain.JobStatus(status)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

// insertArgs follows the order of jobRecordColumns.
func insertArgs(record *domain.JobRecord) []any {
	return []any{
		record.ID,
		record.CreatedAt,
		record.UpdatedAt,
		record.JobRequestID,
		record.RequesterIdentity,
		record.Kind,
		record.InputSummary,
		string(record.Status),
		record.ModelUsed,
		record.TokensProcessed,
		record.InvoiceAmountSats,
		record.InvoiceBolt11,
		record.InvoicePaymentHash,
		record.PaymentReceivedSats,
		record.ResultSummary,
		record.ErrorDetail,
	}
}

// updateArgs puts the id first, then every mutable column.
func updateArgs(record *domain.JobRecord) []any {
	return []any{
		record.ID,
		record.UpdatedAt,
		record.InputSummary,
		string(record.Status),
		record.ModelUsed,
		record.TokensProcessed,
		record.InvoiceAmountSats,
		record.InvoiceBolt11,
		record.InvoicePaymentHash,
		record.PaymentReceivedSats,
		record.ResultSummary,
		record.ErrorDetail,
	}
}

func updateStatement(placeholder func(int) string) string {
	columns := []string{
		"updated_at", "input_summary", "status", "model_used", "tokens_processed",
		"invoice_amount_sats", "invoice_bolt11", "invoice_payment_hash",
		"payment_received_sats", "result_summary", "error_detail",
	}
	assignments := make([]string, 0, len(columns))
	for i, column := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = %s", column, placeholder(i+2)))
	}
	return fmt.Sprintf("UPDATE job_records SET %s WHERE id = %s", strings.Join(assignments, ", "), placeholder(1))
}

func insertStatement(placeholder func(int) string) string {
	values := make([]string, 0, 16)
	for i := 1; i <= 16; i++ {
		values = append(values, placeholder(i))
	}
	return fmt.Sprintf("INSERT INTO job_records (%s) VALUES (%s)", jobRecordColumns, strings.Join(values, ","))
}

func buildRecordFilters(filter domain.JobRecordFilter, placeholder func(int) string) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM job_records WHERE 1=1")

	args := make([]any, 0, 3)
	argIndex := 1

	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND status = %s", placeholder(argIndex)))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if requester := strings.TrimSpace(filter.RequesterIdentity); requester != "" {
		query.WriteString(fmt.Sprintf(" AND requester_identity = %s", placeholder(argIndex)))
		args = append(args, requester)
		argIndex++
	}
	if filter.Kind != 0 {
		query.WriteString(fmt.Sprintf(" AND kind = %s", placeholder(argIndex)))
		args = append(args, filter.Kind)
		argIndex++
	}

	return query.String(), args
}

func dollarPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func questionPlaceholder(int) string {
	return "?"
}
