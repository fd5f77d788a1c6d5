package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/caffeineduck/vmguard/governor"
)

// Runner runs one script. *pool.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, script []byte, chunkName string, policy governor.Policy) (governor.Outcome, error)
}

// InstrumentedRunner wraps a Runner with a span, metrics and a log line per
// run. Any of metrics, tracer or logger may be nil.
type InstrumentedRunner struct {
	inner   Runner
	machine string
	metrics *MetricsCollector
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewInstrumentedRunner(inner Runner, machine string, metrics *MetricsCollector, ts *TracerSetup, logger *slog.Logger) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	if logger == nil {
		logger = Discard()
	}
	return &InstrumentedRunner{
		inner:   inner,
		machine: machine,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, script []byte, chunkName string, policy governor.Policy) (governor.Outcome, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "vmguard.run",
			trace.WithAttributes(
				attribute.String("vmguard.machine", r.machine),
				attribute.String("vmguard.chunk", chunkName),
			))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	out, err := r.inner.Run(ctx, script, chunkName, policy)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		RunLogger(r.logger, ctx).Warn("run not started", "machine", r.machine, "chunk", chunkName, "error", err)
		return out, err
	}

	r.metrics.ObserveRun(r.machine, out)

	if span != nil {
		span.SetAttributes(
			attribute.String("vmguard.outcome", out.Kind.String()),
			attribute.Int64("vmguard.elapsed_ms", out.Metrics.ElapsedMs()),
			attribute.Int64("vmguard.memory_bytes", out.Metrics.MemoryUsedBytes),
			attribute.Int64("vmguard.instructions", out.Metrics.InstructionsExecuted),
			attribute.Int("vmguard.call_depth", out.Metrics.CurrentCallDepth),
		)
		if !out.OK() {
			span.SetStatus(codes.Error, out.Message)
		}
	}

	RunLogger(r.logger, ctx).Info("run served",
		"machine", r.machine,
		"chunk", chunkName,
		"outcome", out.Kind.String(),
		"elapsed_ms", out.Metrics.ElapsedMs(),
	)
	return out, nil
}
