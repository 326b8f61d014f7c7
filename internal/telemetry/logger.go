package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LoggerConfig configures the structured logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	JSONFormat bool
}

// NewLogger builds the gateway's slog logger.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// SlogObserver logs every request payload through slog. Registered as a sync
// observer so log lines interleave correctly with the request they describe.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates the logging observer.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

// Name identifies the observer.
func (o *SlogObserver) Name() string { return "slog" }

// OnSuccess logs a completed request.
func (o *SlogObserver) OnSuccess(ctx context.Context, p *Payload) {
	o.logger.InfoContext(ctx, "request completed",
		"trace_id", p.TraceID,
		"call_type", p.CallType,
		"model_group", p.ModelGroup,
		"model", p.Model,
		"provider", p.APIProvider,
		"deployment_id", p.DeploymentID,
		"prompt_tokens", p.PromptTokens,
		"completion_tokens", p.CompletionTokens,
		"latency_ms", p.Latency().Milliseconds(),
		"cache_hit", p.CacheHit,
	)
}

// OnFailure logs a failed request.
func (o *SlogObserver) OnFailure(ctx context.Context, p *Payload, err error) {
	o.logger.ErrorContext(ctx, "request failed",
		"trace_id", p.TraceID,
		"call_type", p.CallType,
		"model_group", p.ModelGroup,
		"model", p.Model,
		"provider", p.APIProvider,
		"deployment_id", p.DeploymentID,
		"latency_ms", p.Latency().Milliseconds(),
		"exception_class", p.ExceptionClass,
		"error", err,
	)
}
