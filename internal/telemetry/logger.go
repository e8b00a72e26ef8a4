package telemetry

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/posture/internal/config"
)

// NewLogger builds the process logger. Events logged with a context that
// carries a span get trace_id and span_id fields; errors mark the span failed.
func NewLogger(cfg config.LogConfig, service string, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).
		Level(level).
		Hook(traceHook{}).
		With().
		Timestamp().
		Str("service", service).
		Logger(), nil
}

type traceHook struct{}

func (traceHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	span := trace.SpanFromContext(e.GetCtx())
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}
