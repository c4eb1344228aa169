package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/payment"
	"github.com/iago/llm-dvm/internal/repository"
)

const defaultReconcilePageSize = 500

type ReconcilerDeps struct {
	Settings  SettingsProvider
	Store     repository.JobRecordStore
	Payments  payment.Processor
	Telemetry *Telemetry
	Logger    *zap.SugaredLogger
	PageSize  int
}

// Reconciler moves awaiting_payment records to paid once their invoice
// settles. A failing invoice never aborts the pass.
type Reconciler struct {
	settings  SettingsProvider
	store     repository.JobRecordStore
	payments  payment.Processor
	telemetry *Telemetry
	logger    *zap.SugaredLogger
	pageSize  int
}

type ReconcileReport struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Errors  int `json:"errors"`
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = defaultReconcilePageSize
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = &Telemetry{Logger: logger}
	}
	return &Reconciler{
		settings:  deps.Settings,
		store:     deps.Store,
		payments:  deps.Payments,
		telemetry: telemetry,
		logger:    logger.With("component", "reconciler"),
		pageSize:  pageSize,
	}
}

// Run reconciles immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warnw("reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce checks one page of awaiting_payment records.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	err := r.telemetry.runStage(ctx, StageReconcile, "", func(ctx context.Context) error {
		if r.payments == nil {
			return nil
		}
		cfg, err := r.settings.Resolve(ctx)
		if err != nil {
			return err
		}

		records, _, err := r.store.Page(ctx, domain.JobRecordFilter{
			Status:   domain.JobStatusAwaitingPayment,
			Page:     1,
			PageSize: r.pageSize,
		})
		if err != nil {
			return fmt.Errorf("load awaiting records: %w", err)
		}

		for _, record := range records {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if record.InvoiceBolt11 == "" {
				continue
			}
			report.Checked++
			r.reconcileRecord(ctx, cfg, record, &report)
		}
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.telemetry.collector().RecordReconcile(outcome)
	if report.Checked > 0 {
		r.logger.Infow("reconciliation pass finished",
			"checked", report.Checked,
			"paid", report.Paid,
			"expired", report.Expired,
			"failed", report.Failed,
			"pending", report.Pending,
			"errors", report.Errors,
		)
	}
	return report, err
}

func (r *Reconciler) reconcileRecord(
	ctx context.Context,
	cfg domain.EffectiveConfig,
	record *domain.JobRecord,
	report *ReconcileReport,
) {
	_ = r.telemetry.runStage(ctx, StageReconcileRecord, record.JobRequestID, func(ctx context.Context) error {
		status, err := r.payments.CheckInvoice(ctx, record.InvoiceBolt11, record.InvoicePaymentHash)
		if err != nil {
			report.Errors++
			return err
		}
		r.telemetry.collector().RecordInvoiceCheck(string(status.State))

		switch status.State {
		case payment.InvoicePaid:
			received := status.AmountMillisats / 1000
			_, err := repository.TransitionStatus(ctx, r.store, record.ID,
				domain.JobStatusAwaitingPayment, domain.JobStatusPaid,
				func(updated *domain.JobRecord) {
					if status.AmountMillisats > 0 {
						updated.PaymentReceivedSats = domain.Int64Ptr(received)
					}
				})
			if errors.Is(err, repository.ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				report.Errors++
				return err
			}
			report.Paid++
			r.telemetry.collector().AddPaid(received)
			r.logger.Infow("invoice paid", "job_id", record.JobRequestID, "record_id", record.ID, "received_sats", received)
		case payment.InvoiceExpired, payment.InvoiceFailed:
			if status.State == payment.InvoiceExpired {
				report.Expired++
			} else {
				report.Failed++
			}
			if !cfg.FailExpiredInvoices {
				r.logger.Infow("invoice not payable, keeping record", "job_id", record.JobRequestID, "state", status.State)
				return nil
			}
			_, err := repository.TransitionStatus(ctx, r.store, record.ID,
				domain.JobStatusAwaitingPayment, domain.JobStatusFailed,
				func(updated *domain.JobRecord) {
					updated.ErrorDetail = fmt.Sprintf("invoice %s", status.State)
				})
			if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
				report.Errors++
				return err
			}
		default:
			report.Pending++
		}
		return nil
	})
}
