package onion

import (
	"context"
	"net/http"

	"github.com/nrednav/cuid2"
)

const (
	requestIDKey contextKey = "requestID"

	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-ID"
)

// RequestID is a layer that makes sure every request has an ID. A valid
// cuid2 in the incoming header is kept, anything else is replaced. The ID is
// stored in the context and echoed on the response.
func RequestID(ctx context.Context, r *http.Request, next Next, _ Param) (Response, error) {
	id := r.Header.Get(RequestIDHeader)
	if !cuid2.IsCuid(id) {
		id = cuid2.Generate()
	}

	resp, err := next(WithRequestID(ctx, id), r)
	if err != nil {
		return nil, err
	}
	return WithHeader(resp, RequestIDHeader, id), nil
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID stored by RequestID.
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
