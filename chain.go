package onion

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
)

var discardLogger = slog.New(slog.DiscardHandler)

// Chain collects middleware declarations into an ordered queue and runs them
// as nested layers around a request.
//
// Dispatch consumes the queue: every layer is popped from the front when it
// starts, so a chain runs its layers at most once. Use Pipeline to get a
// reusable, concurrency-safe snapshot of the registered layers.
type Chain struct {
	mu               sync.Mutex
	queue            []Entry
	resolver         Resolver
	aliases          map[string]any
	defaultNamespace string
	logger           *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger used for registration and dispatch events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultNamespace sets the prefix applied to unqualified identifiers.
func WithDefaultNamespace(ns string) Option {
	return func(c *Chain) {
		c.defaultNamespace = ns
	}
}

// New returns an empty chain that resolves string identifiers with resolver.
//
// Example:
//
//	reg := onion.NewRegistry()
//	onion.RegisterBuiltins(reg, onion.BuiltinOptions{JWTSecret: secret})
//	chain := onion.New(reg)
//	if err := chain.SetConfig(onion.BuiltinAliases()); err != nil {
//	    return err
//	}
//	err := chain.Import([]any{"request_id", "auth", handler})
func New(resolver Resolver, opts ...Option) *Chain {
	c := &Chain{
		resolver:         resolver,
		aliases:          make(map[string]any),
		defaultNamespace: DefaultNamespace,
		logger:           discardLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfig merges options into the alias table, last write wins. The
// reserved key "default_namespace" sets the default namespace instead. Alias
// values may be identifiers, lists of declarations or function values.
func (c *Chain) SetConfig(options map[string]any) error {
	aliases := make(map[string]any, len(options))
	ns, nsSet := "", false

	for key, val := range options {
		if key == ConfigDefaultNamespace {
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, val)
			}
			ns, nsSet = s, true
			continue
		}
		if key == "" {
			return fmt.Errorf("%w: empty alias name", ErrInvalidConfig)
		}
		switch val.(type) {
		case string, Group, []any, []string:
		default:
			if _, ok := asLayerFunc(val); !ok {
				if l, ok := val.(Layer); !ok || isNil(l) {
					return fmt.Errorf("%w: alias %q has unsupported value %T", ErrInvalidConfig, key, val)
				}
			}
		}
		aliases[key] = val
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	maps.Copy(c.aliases, aliases)
	if nsSet {
		c.defaultNamespace = ns
	}
	return nil
}

// Import adds every declaration in order, as if Add was called for each. It
// either registers all of them or none.
func (c *Chain) Import(decls []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.normalizeList(decls, nil)
	if err != nil {
		return err
	}
	c.push(entries)
	return nil
}

// Add normalizes decl and appends the resulting entries to the queue.
//
// decl may be a function value (LayerFunc, Handler or Middleware), a Layer,
// a string identifier ("name", "name:param", "alias" or "namespace/name"),
// a Pair built with WithParam, or a Group of any of these. A nil decl is
// ignored.
func (c *Chain) Add(decl any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.normalize(decl, nil)
	if err != nil {
		return err
	}
	c.push(entries)
	return nil
}

// Prepend normalizes decl and inserts the resulting entries at the front of
// the queue, keeping their relative order.
func (c *Chain) Prepend(decl any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.normalize(decl, nil)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	queue := make([]Entry, 0, len(entries)+len(c.queue))
	queue = append(queue, entries...)
	c.queue = append(queue, c.queue...)
	for i, e := range entries {
		c.logger.Debug("middleware registered",
			"name", e.label(), "param", e.Param.String(), "position", i)
	}
	return nil
}

// push appends entries. c.mu must be held.
func (c *Chain) push(entries []Entry) {
	for _, e := range entries {
		c.logger.Debug("middleware registered",
			"name", e.label(), "param", e.Param.String(), "position", len(c.queue))
		c.queue = append(c.queue, e)
	}
}

// All returns a copy of the pending entries in execution order. The result
// does not track later Dispatch calls, which consume the queue.
func (c *Chain) All() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Entry(nil), c.queue...)
}

// Len returns the number of pending entries.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Reset drops all pending entries. Configuration is kept.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = nil
}

// Fork returns a new chain with the same resolver, configuration, logger and
// a copy of the pending entries. The two chains don't share a queue.
func (c *Chain) Fork() *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Chain{
		queue:            append([]Entry(nil), c.queue...),
		resolver:         c.resolver,
		aliases:          maps.Clone(c.aliases),
		defaultNamespace: c.defaultNamespace,
		logger:           c.logger,
	}
}

// Pipeline returns a reusable snapshot of the pending entries. The chain's
// queue is left untouched.
func (c *Chain) Pipeline() *Pipeline {
	return NewPipeline(c.All()...).WithLogger(c.logger)
}

// Dispatch runs the queue around r and returns the response of the outermost
// layer. Each layer is popped from the front of the queue only when the
// continuation leading to it is called, so layers behind one that doesn't
// call next stay queued.
//
// Dispatch fails with ErrQueueExhausted when a layer calls next and nothing
// is left, and with ErrContractViolation when a layer returns no response.
// An EarlyResponse error from a layer is used as that layer's response.
func (c *Chain) Dispatch(ctx context.Context, r *http.Request) (Response, error) {
	return c.resolve()(ctx, r)
}

func (c *Chain) resolve() Next {
	return func(ctx context.Context, r *http.Request) (Response, error) {
		entry, ok := c.shift()
		if !ok {
			return nil, ErrQueueExhausted
		}
		return invoke(ctx, c.logger, entry, r, c.resolve())
	}
}

func (c *Chain) shift() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return Entry{}, false
	}
	entry := c.queue[0]
	c.queue[0] = Entry{}
	c.queue = c.queue[1:]
	return entry, true
}
