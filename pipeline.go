package onion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Pipeline is an immutable, ordered list of entries. Unlike Chain, dispatching
// a Pipeline doesn't consume it: every Dispatch walks the list with its own
// cursor, so one Pipeline can serve concurrent requests.
type Pipeline struct {
	entries []Entry
	logger  *slog.Logger
}

// NewPipeline returns a pipeline running entries in order.
func NewPipeline(entries ...Entry) *Pipeline {
	return &Pipeline{
		entries: append([]Entry(nil), entries...),
		logger:  discardLogger,
	}
}

// WithLogger returns a copy of the pipeline logging to logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	cp := *p
	if logger != nil {
		cp.logger = logger
	}
	return &cp
}

// Entries returns a copy of the pipeline entries.
func (p *Pipeline) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

// Len returns the number of entries.
func (p *Pipeline) Len() int {
	return len(p.entries)
}

// Dispatch runs the pipeline around r. It follows the same rules as
// Chain.Dispatch.
func (p *Pipeline) Dispatch(ctx context.Context, r *http.Request) (Response, error) {
	return p.next(0)(ctx, r)
}

func (p *Pipeline) next(i int) Next {
	return func(ctx context.Context, r *http.Request) (Response, error) {
		if i >= len(p.entries) {
			return nil, ErrQueueExhausted
		}
		return invoke(ctx, p.logger, p.entries[i], r, p.next(i+1))
	}
}

// Then returns a Handler running the pipeline with h as its innermost layer.
// Dispatch errors are logged and turned into responses with ErrorResponse.
//
// Example:
//
//	route.Handler = chain.Pipeline().Then(listUsers)
func (p *Pipeline) Then(h Handler) Handler {
	full := NewPipeline(append(p.Entries(), Entry{Name: "handler", Call: handlerLayer(h)})...).
		WithLogger(p.logger)

	return func(ctx context.Context, r *http.Request) Response {
		resp, err := full.Dispatch(ctx, r)
		if err != nil {
			full.logger.ErrorContext(ctx, "middleware dispatch failed",
				"method", r.Method, "path", r.URL.Path, "error", err.Error())
			return ErrorResponse(err)
		}
		return resp
	}
}

// invoke runs a single entry with next as its continuation and enforces that
// it ends in a response.
func invoke(ctx context.Context, logger *slog.Logger, e Entry, r *http.Request, next Next) (Response, error) {
	if e.Call == nil {
		return nil, fmt.Errorf("%w: %s has no handler", ErrInvalidDeclaration, e.label())
	}

	logger.DebugContext(ctx, "dispatching middleware", "name", e.label(), "param", e.Param.String())

	resp, err := e.Call(ctx, r, next, e.Param)
	if err != nil {
		var early *EarlyResponse
		if !errors.As(err, &early) {
			return nil, err
		}
		logger.DebugContext(ctx, "middleware responded early", "name", e.label())
		resp = early.Response
	}

	if !isResponse(resp) {
		return nil, fmt.Errorf("%w: %s", ErrContractViolation, e.label())
	}
	return resp, nil
}

func (e Entry) label() string {
	if e.Name == "" {
		return "closure"
	}
	return e.Name
}
