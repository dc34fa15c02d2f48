package onion

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidDeclaration is returned when a registered declaration is
	// neither a function value, a string, a pair nor a group.
	ErrInvalidDeclaration = errors.New("middleware is invalid")

	// ErrInvalidConfig is returned by SetConfig for values it can't use.
	ErrInvalidConfig = errors.New("invalid middleware configuration")

	// ErrAliasCycle is returned when group aliases reference each other.
	ErrAliasCycle = errors.New("middleware alias cycle")

	// ErrQueueExhausted is returned when next is called but no layer is left
	// to produce a response.
	ErrQueueExhausted = errors.New("the queue was exhausted, with no response returned")

	// ErrContractViolation is returned when a layer returns without a
	// response and without an error.
	ErrContractViolation = errors.New("middleware must return a response instance")

	// ErrUnknownHandler is returned by Registry.Resolve for unregistered ids.
	ErrUnknownHandler = errors.New("unknown middleware")

	// ErrDuplicateHandler is returned by Registry.Register for an id that is
	// already taken.
	ErrDuplicateHandler = errors.New("middleware already registered")
)

// ResolutionError reports a string identifier the Resolver could not turn
// into a Layer.
type ResolutionError struct {
	ID  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed resolving middleware %q: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// EarlyResponse short-circuits the chain with a ready-made response. A layer
// returns it as its error, typically from a helper that can't return a
// Response itself, and the dispatcher turns it back into a normal return
// value for that layer.
type EarlyResponse struct {
	Response Response
}

// Abort returns an EarlyResponse carrying resp.
//
// Example:
//
//	if !allowed {
//	    return nil, onion.Abort(onion.JSON(http.StatusForbidden, "forbidden"))
//	}
func Abort(resp Response) error {
	return &EarlyResponse{Response: resp}
}

func (e *EarlyResponse) Error() string {
	return "early response"
}

// isResponse is the capability check applied to every layer's return value.
// Typed nil pointers don't count.
func isResponse(resp Response) bool {
	return !isNil(resp)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// ErrorResponse converts a dispatch error into a JSON response. Early
// responses are unwrapped, anything else becomes a generic 500 that leaves
// the error itself out. Callers log err.
func ErrorResponse(err error) Response {
	var early *EarlyResponse
	if errors.As(err, &early) && isResponse(early.Response) {
		return early.Response
	}
	return Error(map[string]string{"error": "internal server error"})
}
