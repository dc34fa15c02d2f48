package onion

import (
	"context"
	"net/http"
)

// Middleware wraps a Handler and returns a new Handler.
// Middleware can intercept requests before they reach the handler,
// modify the context, short-circuit the request, or wrap the response.
//
// A Middleware is also a valid declaration for Chain.Add: the Handler it
// receives calls the rest of the chain.
type Middleware func(Handler) Handler

// Wrap builds a middleware chain that executes in the order provided.
// The middlewares are applied right-to-left so they execute left-to-right.
//
// Example:
//
//	Wrap(handler, logging, auth, rateLimit)
//	Execution order: logging -> auth -> rateLimit -> handler
func Wrap(handler Handler, middlewares ...Middleware) Handler {
	final := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		final = middlewares[i](final)
	}
	return final
}

// AsMiddleware turns a Layer into a Middleware bound to param, so resolved
// layers can be composed with Wrap. Errors from the layer are converted with
// ErrorResponse.
func AsMiddleware(layer Layer, param Param) Middleware {
	return func(next Handler) Handler {
		call := func(ctx context.Context, r *http.Request) (Response, error) {
			return next(ctx, r), nil
		}
		return func(ctx context.Context, r *http.Request) Response {
			resp, err := invoke(ctx, discardLogger, Entry{Call: layer.Handle, Param: param}, r, call)
			if err != nil {
				return ErrorResponse(err)
			}
			return resp
		}
	}
}
