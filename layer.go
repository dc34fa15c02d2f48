package onion

import (
	"context"
	"net/http"
)

// Next is the continuation a layer calls to hand the request to the rest of
// the chain and receive the eventual response.
type Next func(ctx context.Context, r *http.Request) (Response, error)

// Param is the optional string attached to a layer when it is registered,
// either from a WithParam pair or from an inline "name:param" identifier.
type Param struct {
	Value string
	Valid bool
}

// P returns a set Param holding value.
func P(value string) Param {
	return Param{Value: value, Valid: true}
}

// Or returns the parameter value, or def when the parameter is not set.
func (p Param) Or(def string) string {
	if !p.Valid {
		return def
	}
	return p.Value
}

// String implements fmt.Stringer.
func (p Param) String() string {
	if !p.Valid {
		return "<nil>"
	}
	return p.Value
}

// Layer is a named, resolvable request handler. A Resolver turns an
// identifier into a Layer, and the chain always calls its Handle method.
//
// Handle receives the request, the continuation for the rest of the chain
// and the parameter the layer was registered with. It must either return a
// Response, call next and return what it produced, or return an error.
type Layer interface {
	Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error)
}

// LayerFunc adapts an ordinary function to the Layer interface. Every
// registered declaration ends up as a LayerFunc, so the dispatcher only ever
// deals with this one shape.
type LayerFunc func(ctx context.Context, r *http.Request, next Next, param Param) (Response, error)

// Handle calls f(ctx, r, next, param).
func (f LayerFunc) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	return f(ctx, r, next, param)
}

// Entry is a normalized queue item: the invocable and the parameter it will be
// called with. Name holds the resolved identifier, and is empty for layers
// registered as plain functions.
type Entry struct {
	Name  string
	Call  LayerFunc
	Param Param
}

// Pair attaches a parameter to a declaration. Use WithParam to build one.
type Pair struct {
	Decl  any
	Param string
}

// WithParam pairs decl with param. An inline "name:param" in a string
// declaration takes precedence over param.
//
// Example:
//
//	chain.Add(onion.WithParam("throttle", "ip"))
func WithParam(decl any, param string) Pair {
	return Pair{Decl: decl, Param: param}
}

// Group is a nested list of declarations. Every element is normalized in
// order, so a group can produce any number of entries, including none.
type Group []any

// handlerLayer adapts a terminal Handler. It never calls next.
func handlerLayer(h Handler) LayerFunc {
	return func(ctx context.Context, r *http.Request, _ Next, _ Param) (Response, error) {
		return h(ctx, r), nil
	}
}

// middlewareLayer adapts a Middleware so that the Handler it wraps calls the
// rest of the chain. An error from downstream is carried past the Middleware,
// which only deals in Responses.
func middlewareLayer(m Middleware) LayerFunc {
	return func(ctx context.Context, r *http.Request, next Next, _ Param) (Response, error) {
		var nextErr error
		h := m(func(ctx context.Context, r *http.Request) Response {
			resp, err := next(ctx, r)
			if err != nil {
				nextErr = err
			}
			return resp
		})
		resp := h(ctx, r)
		if nextErr != nil {
			return nil, nextErr
		}
		return resp, nil
	}
}
