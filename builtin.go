package onion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// BuiltinNamespace prefixes the identifiers of the layers registered by
// RegisterBuiltins.
const BuiltinNamespace = "onion/"

// BuiltinOptions configures the builtin layers.
type BuiltinOptions struct {
	// JWTSecret signs and verifies tokens for onion/auth.
	JWTSecret string
	// Users maps user names to bcrypt hashes for onion/basic.
	Users map[string]string
	// Rate and Burst size the onion/throttle token bucket. Rate defaults
	// to 10 requests per second, Burst to Rate.
	Rate  int
	Burst int
	// TracerProvider backs onion/trace, the global provider when nil.
	TracerProvider trace.TracerProvider
	// CORS configures onion/cors, DefaultCORSConfig when nil.
	CORS *CORSConfig
	// Logger receives panics caught by onion/recover.
	Logger *slog.Logger
}

// RegisterBuiltins registers the builtin layers on reg:
//
//	onion/auth        JWT bearer authentication, param = required subject
//	onion/basic       HTTP basic authentication, param = realm
//	onion/throttle    token bucket rate limit, param = global|ip|user
//	onion/trace       OpenTelemetry span, param = span name
//	onion/cors        CORS response headers
//	onion/multipart   multipart form parsing, param = memory limit in MB
//	onion/request_id  cuid2 request IDs
//	onion/recover     panic recovery
//
// Throttle and Trace are shared between every chain resolving them, so one
// bucket limits all routes using onion/throttle.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.Rate
	}
	cors := DefaultCORSConfig()
	if opts.CORS != nil {
		cors = *opts.CORS
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	layers := map[string]Layer{
		"auth":       JWTAuth{Secret: opts.JWTSecret},
		"basic":      BasicAuth{Users: opts.Users},
		"throttle":   NewThrottle(opts.Rate, opts.Burst),
		"trace":      NewTrace(opts.TracerProvider),
		"cors":       corsLayer(cors),
		"multipart":  LayerFunc(MultipartLayer),
		"request_id": LayerFunc(RequestID),
		"recover":    Recover(logger),
	}
	for name, layer := range layers {
		if err := reg.RegisterLayer(BuiltinNamespace+name, layer); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinAliases maps the short builtin names to their identifiers, for use
// with Chain.SetConfig.
func BuiltinAliases() map[string]any {
	aliases := make(map[string]any)
	for _, name := range []string{
		"auth", "basic", "throttle", "trace", "cors", "multipart", "request_id", "recover",
	} {
		aliases[name] = BuiltinNamespace + name
	}
	return aliases
}

// corsLayer applies CORS headers to the downstream response.
func corsLayer(cfg CORSConfig) LayerFunc {
	return func(ctx context.Context, r *http.Request, next Next, _ Param) (Response, error) {
		resp, err := next(ctx, r)
		if err != nil {
			return nil, err
		}
		h := make(http.Header)
		setCORSHeaders(h, cfg, r.Header.Get("Origin"))
		if hr, ok := resp.(HeaderResponse); ok {
			for k, v := range hr.Header {
				h[k] = v
			}
			resp = hr.Response
		}
		return HeaderResponse{Response: resp, Header: h}, nil
	}
}

// Recover returns a layer converting panics in the rest of the chain into a
// 500 response. The chain itself doesn't recover panics.
func Recover(logger *slog.Logger) LayerFunc {
	return func(ctx context.Context, r *http.Request, next Next, _ Param) (resp Response, err error) {
		defer func() {
			if v := recover(); v != nil {
				logger.ErrorContext(ctx, "panic recovered",
					"method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(v))
				resp, err = Error(map[string]string{"error": "internal server error"}), nil
			}
		}()
		return next(ctx, r)
	}
}
