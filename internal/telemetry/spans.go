package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = Tracer("framepacer")

// StartFrameSpan opens a span covering one frame's lifetime, from
// new_frame through finish_frame.
func StartFrameSpan(ctx context.Context, frameID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "frame",
		trace.WithAttributes(attribute.Int64("frame.id", int64(frameID))),
	)
}

// StartStageSpan opens a span for one stage mark within a frame span.
func StartStageSpan(ctx context.Context, stageID int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "frame.stage",
		trace.WithAttributes(attribute.Int("stage.id", stageID)),
	)
}

// EndWithError closes span, recording err as the span's status if non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
