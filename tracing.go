package dogpile

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans in whatever exporter is wired
// up by the embedder; ambient observability, not a domain concern.
const tracerName = "github.com/stumble/dogpile"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan opens a span for a region operation and returns it alongside a
// derived context. Callers must End() the span.
func startSpan(ctx context.Context, op string, key any) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "dogpile."+op)
	span.SetAttributes(attribute.String("dogpile.key", fmt.Sprint(key)))
	return ctx, span
}

// annotate adds a single named event to span. The region emits
// "async-regeneration-started" (GetOrCreate handing off to the async runner)
// and "regenerating" (GetOrCreateMulti calling its creator); other dogpile-lock
// branches are not recorded as span events.
func annotate(span trace.Span, event string) {
	span.AddEvent(event)
}
