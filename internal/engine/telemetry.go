package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/metrics"
	"github.com/iago/llm-dvm/internal/tracing"
)

// Stage names reported by the pipeline.
const (
	StageDedupe          = "dedupe"
	StageDecrypt         = "decrypt"
	StageParse           = "parse"
	StageFeedback        = "feedback"
	StageInference       = "inference"
	StagePricing         = "pricing"
	StageInvoice         = "invoice"
	StageEncrypt         = "encrypt"
	StagePublishResult   = "publish_result"
	StageReconcile       = "reconcile"
	StageReconcileRecord = "reconcile_record"
)

// Telemetry fans a stage outcome out to logs, spans and metrics. Every field
// is optional.
type Telemetry struct {
	Logger  *zap.SugaredLogger
	Metrics *metrics.Collector
	Tracer  *tracing.Provider
}

func (t *Telemetry) logger() *zap.SugaredLogger {
	if t == nil || t.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return t.Logger
}

func (t *Telemetry) collector() *metrics.Collector {
	if t == nil {
		return nil
	}
	return t.Metrics
}

// Stage opens a span for stage and returns the function that closes it.
func (t *Telemetry) Stage(ctx context.Context, stage, jobID string) (context.Context, func(error)) {
	var tracer *tracing.Provider
	if t != nil {
		tracer = t.Tracer
	}
	ctx, span := tracer.StartSpan(ctx, "dvm."+stage,
		attribute.String("dvm.stage", stage),
		attribute.String("dvm.job_id", jobID),
	)
	started := time.Now()

	return ctx, func(err error) {
		elapsed := time.Since(started)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		t.collector().ObserveStage(stage, outcome, elapsed)
		tracing.EndSpan(span, err)

		if err != nil {
			t.logger().Warnw("stage failed",
				"stage", stage,
				"job_id", jobID,
				"outcome", outcome,
				"error_kind", domain.KindOf(err),
				"error", err,
				"duration_ms", elapsed.Milliseconds(),
			)
			return
		}
		t.logger().Debugw("stage completed",
			"stage", stage,
			"job_id", jobID,
			"outcome", outcome,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// runStage wraps fn in a telemetry stage and tags categorized errors with it.
func (t *Telemetry) runStage(ctx context.Context, stage, jobID string, fn func(context.Context) error) error {
	ctx, done := t.Stage(ctx, stage, jobID)
	err := fn(ctx)
	if err != nil {
		var categorized *domain.Error
		if errors.As(err, &categorized) && categorized.Stage == "" {
			categorized.Stage = stage
		}
	}
	done(err)
	return err
}
