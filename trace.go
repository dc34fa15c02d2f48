package onion

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Jack4Code/onion"

// Trace is a Layer that opens an OpenTelemetry span around the rest of the
// chain. The layer parameter names the span, defaulting to "METHOD path".
type Trace struct {
	tracer trace.Tracer
}

var _ Layer = (*Trace)(nil)

// NewTrace returns a Trace using tp, or the global provider when tp is nil.
func NewTrace(tp trace.TracerProvider) *Trace {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Trace{tracer: tp.Tracer(instrumentationName)}
}

// Handle implements Layer.
func (t *Trace) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	name := param.Or(r.Method + " " + r.URL.Path)

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
	defer span.End()

	resp, err := next(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if jr, ok := resp.(JSONResponse); ok {
		span.SetAttributes(attribute.Int("http.response.status_code", jr.StatusCode))
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
