package persistence

import (
	"context"
	"log/slog"

	"github.com/lmrelay/lmrelay/internal/telemetry"
)

// SpendObserver streams completed requests into spend_logs. Register it async
// on the telemetry bus; insert failures drop the row with a warning so a dead
// database never fails a request.
type SpendObserver struct {
	db     *DB
	logger *slog.Logger
}

// NewSpendObserver creates the observer.
func NewSpendObserver(db *DB, logger *slog.Logger) *SpendObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendObserver{db: db, logger: logger}
}

// Name identifies the observer.
func (o *SpendObserver) Name() string { return "spend-logs" }

// OnSuccess records a billable request.
func (o *SpendObserver) OnSuccess(ctx context.Context, p *telemetry.Payload) {
	o.insert(ctx, p)
}

// OnFailure records a failed request; spend is usually zero but tokens may
// have been consumed before the failure.
func (o *SpendObserver) OnFailure(ctx context.Context, p *telemetry.Payload, err error) {
	o.insert(ctx, p)
}

func (o *SpendObserver) insert(ctx context.Context, p *telemetry.Payload) {
	log := &SpendLog{
		TraceID:          p.TraceID,
		CallType:         string(p.CallType),
		ModelGroup:       p.RequestedModel,
		Model:            p.Model,
		Provider:         p.APIProvider,
		DeploymentID:     p.DeploymentID,
		User:             p.User,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		TotalTokens:      p.TotalTokens,
		Spend:            p.ResponseCost,
		CacheHit:         p.CacheHit,
		LatencyMs:        p.Latency().Milliseconds(),
		Metadata:         p.Metadata,
		StartedAt:        p.StartTime,
		CompletedAt:      p.EndTime,
	}
	if err := o.db.InsertSpendLog(ctx, log); err != nil {
		o.logger.Warn("spend log insert failed", "trace_id", p.TraceID, "error", err)
	}
}
