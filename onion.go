package onion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/Jack4Code/onion/config"
)

// Handler takes context and request, returns a Response
type Handler func(ctx context.Context, r *http.Request) Response

// Response knows how to write itself to http.ResponseWriter
type Response interface {
	Write(ctx context.Context, w http.ResponseWriter) error
}

// App interface
type App interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	Routes() []Route
}

// ChainProvider can be implemented by an App to supply the chain its routes
// are built from. Layers already queued on it run before every route's own
// middleware.
type ChainProvider interface {
	Chain() *Chain
}

// Route represents an HTTP route
type Route struct {
	Method  string
	Path    string
	Handler Handler
	// Middleware holds declarations in any form accepted by Chain.Add.
	Middleware []any
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns a permissive CORS config for development
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func Run(app App, cfg config.BaseConfig) error {
	return RunWithCORS(app, cfg, DefaultCORSConfig())
}

func RunWithCORS(app App, cfg config.BaseConfig, corsConfig CORSConfig) error {
	ctx := context.Background()
	logger := slog.Default()

	// Create health status tracker
	healthStatus := newHealthStatus()

	// Start health server BEFORE calling OnStart
	// This way Nomad/K8s can see the container is alive
	healthServer := startHealthServer(strconv.Itoa(cfg.GetHealthPort()), healthStatus, logger)

	if err := app.OnStart(ctx); err != nil {
		return fmt.Errorf("failed to start app: %w", err)
	}
	healthStatus.SetHealthy(true)

	routes := app.Routes()

	if len(routes) == 0 {
		logger.Info("no HTTP routes, running in background mode")
		healthStatus.SetReady(true)

		waitForSignal()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server forced to shutdown", "error", err.Error())
		}

		if err := app.OnStop(ctx); err != nil {
			logger.Error("error during OnStop", "error", err.Error())
		}
		return nil
	}

	base := New(nil, WithLogger(logger))
	if p, ok := app.(ChainProvider); ok && p.Chain() != nil {
		base = p.Chain()
	}

	router := mux.NewRouter()
	if err := Mount(router, base, routes); err != nil {
		return fmt.Errorf("failed to mount routes: %w", err)
	}

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.GetHTTPPort()),
		Handler: corsMiddleware(corsConfig)(router),
	}

	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err.Error())
		}
	}()

	healthStatus.SetReady(true)

	waitForSignal()
	logger.Info("shutting down servers")

	// Stop accepting new traffic before draining
	healthStatus.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main server forced to shutdown", "error", err.Error())
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server forced to shutdown", "error", err.Error())
	}

	if err := app.OnStop(ctx); err != nil {
		logger.Error("error during OnStop", "error", err.Error())
	}

	logger.Info("servers stopped")
	return nil
}

// Mount registers routes on router. Each route gets its own fork of base with
// the route's middleware declarations added, so registration errors such as
// unknown identifiers are reported here rather than on the first request.
// The route handler runs as the innermost layer.
func Mount(router *mux.Router, base *Chain, routes []Route) error {
	for _, route := range routes {
		if route.Handler == nil {
			return fmt.Errorf("route %s %s: missing handler", route.Method, route.Path)
		}

		chain := base.Fork()
		if err := chain.Import(route.Middleware); err != nil {
			return fmt.Errorf("route %s %s: %w", route.Method, route.Path, err)
		}
		handler := chain.Pipeline().Then(route.Handler)
		logger := chain.logger

		router.HandleFunc(route.Path, func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			response := handler(ctx, req)
			if err := response.Write(ctx, w); err != nil {
				logger.ErrorContext(ctx, "failed writing response", "error", err.Error())
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}).Methods(route.Method)

		// Preflight requests just return 200 OK with CORS headers
		router.HandleFunc(route.Path, func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
		}).Methods(http.MethodOptions)
	}
	return nil
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// corsMiddleware wraps an http.Handler with CORS headers
func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setCORSHeaders(w.Header(), cfg, r.Header.Get("Origin"))
			next.ServeHTTP(w, r)
		})
	}
}

func setCORSHeaders(h http.Header, cfg CORSConfig, origin string) {
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			if allowed == "*" {
				origin = "*"
			}
			h.Set("Access-Control-Allow-Origin", origin)
			break
		}
	}

	if len(cfg.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	}
	if len(cfg.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	}
	if len(cfg.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
	}
	if cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if cfg.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
	}
}

// --- Request Helpers

func DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Response implementations ---

type JSONResponse struct {
	StatusCode int
	Data       any
}

func (r JSONResponse) Write(ctx context.Context, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.StatusCode)
	return json.NewEncoder(w).Encode(r.Data)
}

func JSON(statusCode int, data any) Response {
	return JSONResponse{StatusCode: statusCode, Data: data}
}

func Error(data any) Response {
	return JSONResponse{StatusCode: 500, Data: data}
}

// HeaderResponse sets extra headers before writing the wrapped Response.
// Layers use it to decorate whatever the rest of the chain returned.
type HeaderResponse struct {
	Response
	Header http.Header
}

func (r HeaderResponse) Write(ctx context.Context, w http.ResponseWriter) error {
	for k, v := range r.Header {
		w.Header()[k] = v
	}
	return r.Response.Write(ctx, w)
}

// WithHeader wraps resp so that key is set to value when it's written.
func WithHeader(resp Response, key, value string) Response {
	if hr, ok := resp.(HeaderResponse); ok {
		h := hr.Header.Clone()
		h.Set(key, value)
		return HeaderResponse{Response: hr.Response, Header: h}
	}
	h := make(http.Header)
	h.Set(key, value)
	return HeaderResponse{Response: resp, Header: h}
}
