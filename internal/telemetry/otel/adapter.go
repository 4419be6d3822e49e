package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"sms-confirmation/internal/telemetry"
)

const instrumentationName = "sms-confirmation/telemetry"

// recordEmitter is the part of otellog.Logger the adapter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via provider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger. Used by tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. The record is correlated with the span in ctx.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetEventName(event.Type)
	rec.SetBody(otellog.StringValue(event.Type))
	rec.SetSeverity(otellog.SeverityInfo)
	if event.Reason != "" {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)

	attrs := []struct{ key, val string }{
		{"event_type", event.Type},
		{"identity_class", event.Class},
		{"identity_id", event.IdentityID},
		{"reason", event.Reason},
	}
	for _, a := range attrs {
		if a.val != "" {
			rec.AddAttributes(otellog.String(a.key, a.val))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
