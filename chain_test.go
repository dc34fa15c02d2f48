package onion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order in which test layers run.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (rec *recorder) add(s string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.calls = append(rec.calls, s)
}

// pass returns a layer that records name and calls next.
func (rec *recorder) pass(name string) LayerFunc {
	return func(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
		rec.add(name)
		return next(ctx, r)
	}
}

// final returns a layer that records name and responds without calling next.
func (rec *recorder) final(name string) LayerFunc {
	return func(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
		rec.add(name)
		return JSON(http.StatusOK, name), nil
	}
}

// namedLayer is a resolvable layer that records its name and parameter.
type namedLayer struct {
	name string
	rec  *recorder
}

func (l namedLayer) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	l.rec.add(l.name + "(" + param.String() + ")")
	return next(ctx, r)
}

// newTestChain returns a chain whose registry knows ids.
func newTestChain(t *testing.T, rec *recorder, ids ...string) *Chain {
	t.Helper()
	reg := NewRegistry()
	for _, id := range ids {
		require.NoError(t, reg.RegisterLayer(id, namedLayer{name: id, rec: rec}))
	}
	return New(reg)
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.label() + "|" + e.Param.String()
	}
	return out
}

func newRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/test", nil)
}

func TestChainOrder(t *testing.T) {
	t.Run("add keeps registration order", func(t *testing.T) {
		chain := newTestChain(t, &recorder{}, "a/one", "a/two", "a/three")

		for _, id := range []string{"a/one", "a/two", "a/three"} {
			require.NoError(t, chain.Add(id))
		}

		assert.Equal(t, []string{"a/one|<nil>", "a/two|<nil>", "a/three|<nil>"}, names(chain.All()))
	})

	t.Run("prepend puts later entries first", func(t *testing.T) {
		chain := newTestChain(t, &recorder{}, "a/one", "a/two", "a/three")

		require.NoError(t, chain.Add("a/one"))
		require.NoError(t, chain.Prepend("a/two"))
		require.NoError(t, chain.Prepend("a/three"))

		assert.Equal(t, []string{"a/three|<nil>", "a/two|<nil>", "a/one|<nil>"}, names(chain.All()))
	})

	t.Run("multi entry prepend is one ordered block", func(t *testing.T) {
		chain := newTestChain(t, &recorder{}, "a/one", "a/two", "a/three")

		require.NoError(t, chain.Add("a/one"))
		require.NoError(t, chain.Prepend(Group{"a/two", "a/three"}))

		assert.Equal(t, []string{"a/two|<nil>", "a/three|<nil>", "a/one|<nil>"}, names(chain.All()))
	})

	t.Run("import appends in order", func(t *testing.T) {
		chain := newTestChain(t, &recorder{}, "a/one", "a/two")

		require.NoError(t, chain.Add("a/two"))
		require.NoError(t, chain.Import([]any{"a/one", nil, "a/two"}))

		assert.Equal(t, []string{"a/two|<nil>", "a/one|<nil>", "a/two|<nil>"}, names(chain.All()))
	})
}

func TestNormalization(t *testing.T) {
	rec := &recorder{}
	fn := rec.final("fn")

	tests := []struct {
		name    string
		config  map[string]any
		decl    any
		entries []string
	}{
		{name: "nil is ignored", decl: nil, entries: []string{}},
		{name: "layer func", decl: fn, entries: []string{"closure|<nil>"}},
		{name: "plain func", decl: func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			return next(ctx, r)
		}, entries: []string{"closure|<nil>"}},
		{name: "handler", decl: Handler(func(ctx context.Context, r *http.Request) Response {
			return JSON(200, "ok")
		}), entries: []string{"closure|<nil>"}},
		{name: "middleware", decl: Middleware(func(next Handler) Handler { return next }), entries: []string{"closure|<nil>"}},
		{name: "pair with func", decl: WithParam(fn, "x"), entries: []string{"closure|x"}},
		{name: "qualified string", decl: "app/http/middleware/auth", entries: []string{"app/http/middleware/auth|<nil>"}},
		{name: "default namespace", decl: "auth", entries: []string{"app/http/middleware/auth|<nil>"}},
		{name: "inline param", decl: "auth:admin", entries: []string{"app/http/middleware/auth|admin"}},
		{name: "inline param keeps later colons", decl: "auth:a:b", entries: []string{"app/http/middleware/auth|a:b"}},
		{name: "pair with string", decl: WithParam("auth", "admin"), entries: []string{"app/http/middleware/auth|admin"}},
		{name: "inline param beats pair", decl: WithParam("auth:inline", "carried"), entries: []string{"app/http/middleware/auth|inline"}},
		{
			name:    "alias",
			config:  map[string]any{"guard": "app/http/middleware/auth"},
			decl:    "guard",
			entries: []string{"app/http/middleware/auth|<nil>"},
		},
		{
			name:    "alias with inline param in target",
			config:  map[string]any{"admin": "app/http/middleware/auth:admin"},
			decl:    WithParam("admin", "carried"),
			entries: []string{"app/http/middleware/auth|admin"},
		},
		{
			name:    "alias name with inline param",
			config:  map[string]any{"guard": "app/http/middleware/auth"},
			decl:    "guard:admin",
			entries: []string{"app/http/middleware/auth|admin"},
		},
		{
			name:    "inline param replaces the alias param",
			config:  map[string]any{"admin": "app/http/middleware/auth:admin"},
			decl:    "admin:root",
			entries: []string{"app/http/middleware/auth|root"},
		},
		{
			name:    "alias wins over default namespace",
			config:  map[string]any{"auth": "app/http/middleware/csrf"},
			decl:    "auth",
			entries: []string{"app/http/middleware/csrf|<nil>"},
		},
		{
			name:    "group alias",
			config:  map[string]any{"web": []any{"auth", "csrf:strict"}},
			decl:    "web",
			entries: []string{"app/http/middleware/auth|<nil>", "app/http/middleware/csrf|strict"},
		},
		{
			name:    "empty group alias",
			config:  map[string]any{"none": Group{}},
			decl:    "none",
			entries: []string{},
		},
		{
			name:    "nested group alias",
			config:  map[string]any{"web": []string{"auth", "api"}, "api": Group{"csrf"}},
			decl:    "web",
			entries: []string{"app/http/middleware/auth|<nil>", "app/http/middleware/csrf|<nil>"},
		},
		{
			name:    "alias to function",
			config:  map[string]any{"inline": fn},
			decl:    WithParam("inline", "p"),
			entries: []string{"closure|p"},
		},
		{
			name:    "custom default namespace",
			config:  map[string]any{ConfigDefaultNamespace: "shop/"},
			decl:    "auth",
			entries: []string{"shop/auth|<nil>"},
		},
		{
			name:    "list declaration",
			decl:    []string{"auth", "csrf"},
			entries: []string{"app/http/middleware/auth|<nil>", "app/http/middleware/csrf|<nil>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newTestChain(t, rec,
				"app/http/middleware/auth", "app/http/middleware/csrf", "shop/auth")
			if tt.config != nil {
				require.NoError(t, chain.SetConfig(tt.config))
			}

			require.NoError(t, chain.Add(tt.decl))
			assert.Equal(t, tt.entries, names(chain.All()))
		})
	}
}

func TestInvalidDeclarations(t *testing.T) {
	invalid := []struct {
		name string
		decl any
	}{
		{"number", 42},
		{"struct", struct{ Name string }{"auth"}},
		{"map", map[string]string{"a": "b"}},
		{"nil func", LayerFunc(nil)},
		{"pair with nil", WithParam(nil, "x")},
		{"pair with group", WithParam(Group{"auth"}, "x")},
		{"empty string", ""},
		{"number inside group", Group{"auth", 3}},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			chain := newTestChain(t, &recorder{}, "app/http/middleware/auth")
			require.NoError(t, chain.Add("auth"))

			err := chain.Add(tt.decl)
			require.ErrorIs(t, err, ErrInvalidDeclaration)

			err = chain.Prepend(tt.decl)
			require.ErrorIs(t, err, ErrInvalidDeclaration)

			assert.Equal(t, 1, chain.Len(), "queue must be unchanged")
		})
	}

	t.Run("import is all or nothing", func(t *testing.T) {
		chain := newTestChain(t, &recorder{}, "app/http/middleware/auth")

		err := chain.Import([]any{"auth", 1.5, "auth"})
		require.ErrorIs(t, err, ErrInvalidDeclaration)
		assert.Zero(t, chain.Len())
	})
}

func TestResolutionErrors(t *testing.T) {
	chain := newTestChain(t, &recorder{}, "app/http/middleware/auth")

	err := chain.Add("missing")
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "app/http/middleware/missing", rerr.ID)
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.Zero(t, chain.Len())

	t.Run("resolver errors propagate unchanged", func(t *testing.T) {
		boom := errors.New("container failure")
		chain := New(ResolverFunc(func(id string) (Layer, error) { return nil, boom }))

		assert.Same(t, boom, chain.Add("anything"))
	})

	t.Run("no resolver", func(t *testing.T) {
		chain := New(nil)
		err := chain.Add("auth")
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "app/http/middleware/auth", rerr.ID)
	})

	t.Run("alias cycle", func(t *testing.T) {
		chain := newTestChain(t, &recorder{})
		require.NoError(t, chain.SetConfig(map[string]any{
			"a": []any{"b"},
			"b": []any{"a"},
		}))

		require.ErrorIs(t, chain.Add("a"), ErrAliasCycle)
	})
}

func TestSetConfig(t *testing.T) {
	chain := newTestChain(t, &recorder{}, "x/one", "x/two")

	require.NoError(t, chain.SetConfig(map[string]any{"one": "x/one"}))
	require.NoError(t, chain.SetConfig(map[string]any{"one": "x/two", "two": "x/two"}))

	require.NoError(t, chain.Add("one"))
	assert.Equal(t, []string{"x/two|<nil>"}, names(chain.All()), "last write wins")

	assert.ErrorIs(t, chain.SetConfig(map[string]any{ConfigDefaultNamespace: 1}), ErrInvalidConfig)
	assert.ErrorIs(t, chain.SetConfig(map[string]any{"bad": 3}), ErrInvalidConfig)
	assert.ErrorIs(t, chain.SetConfig(map[string]any{"": "x/one"}), ErrInvalidConfig)
}

func TestDispatch(t *testing.T) {
	t.Run("runs layers in order and returns the final response", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Import([]any{rec.pass("h1"), rec.pass("h2"), rec.final("h3")}))

		resp, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Equal(t, []string{"h1", "h2", "h3"}, rec.calls)
		assert.Equal(t, JSONResponse{StatusCode: http.StatusOK, Data: "h3"}, resp)
	})

	t.Run("resolved layers get their parameter", func(t *testing.T) {
		rec := &recorder{}
		chain := newTestChain(t, rec, "app/http/middleware/auth")
		require.NoError(t, chain.Import([]any{"auth:admin", WithParam("auth", "carried"), "auth", rec.final("end")}))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Equal(t, []string{
			"app/http/middleware/auth(admin)",
			"app/http/middleware/auth(carried)",
			"app/http/middleware/auth(<nil>)",
			"end",
		}, rec.calls)
	})

	t.Run("empty queue is exhausted", func(t *testing.T) {
		_, err := New(nil).Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrQueueExhausted)
	})

	t.Run("calling next past the end is exhausted", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Add(rec.pass("only")))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrQueueExhausted)
		assert.Equal(t, []string{"only"}, rec.calls)
	})

	t.Run("early response short-circuits", func(t *testing.T) {
		rec := &recorder{}
		redirect := JSON(http.StatusFound, "login")
		chain := New(nil)
		require.NoError(t, chain.Import([]any{
			rec.pass("outer"),
			LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
				rec.add("guard")
				return nil, fmt.Errorf("denied: %w", Abort(redirect))
			}),
			rec.final("inner"),
		}))

		resp, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Equal(t, redirect, resp)
		assert.Equal(t, []string{"outer", "guard"}, rec.calls)
	})

	t.Run("nil response violates the contract", func(t *testing.T) {
		chain := New(nil)
		require.NoError(t, chain.Add(LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			return nil, nil
		})))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrContractViolation)
	})

	t.Run("typed nil response violates the contract", func(t *testing.T) {
		chain := New(nil)
		require.NoError(t, chain.Add(LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			var resp *HeaderResponse
			return resp, nil
		})))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrContractViolation)
	})

	t.Run("early response without a response violates the contract", func(t *testing.T) {
		chain := New(nil)
		require.NoError(t, chain.Add(LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			return nil, Abort(nil)
		})))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrContractViolation)
	})

	t.Run("handler errors propagate to the caller", func(t *testing.T) {
		boom := errors.New("boom")
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Import([]any{
			rec.pass("outer"),
			LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
				return nil, boom
			}),
		}))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, boom)
	})

	t.Run("handler and middleware values", func(t *testing.T) {
		rec := &recorder{}
		mw := Middleware(func(next Handler) Handler {
			return func(ctx context.Context, r *http.Request) Response {
				rec.add("mw-before")
				resp := next(ctx, r)
				rec.add("mw-after")
				return resp
			}
		})
		h := Handler(func(ctx context.Context, r *http.Request) Response {
			rec.add("handler")
			return JSON(http.StatusCreated, "done")
		})

		chain := New(nil)
		require.NoError(t, chain.Import([]any{mw, h}))

		resp, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)
		assert.Equal(t, JSON(http.StatusCreated, "done"), resp)
		assert.Equal(t, []string{"mw-before", "handler", "mw-after"}, rec.calls)
	})

	t.Run("middleware passes on downstream errors", func(t *testing.T) {
		mw := Middleware(func(next Handler) Handler { return next })
		chain := New(nil)
		require.NoError(t, chain.Add(mw))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrQueueExhausted)
	})
}

func TestDispatchConsumesQueue(t *testing.T) {
	t.Run("layers run once", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Import([]any{rec.pass("h1"), rec.final("h2")}))
		require.Equal(t, 2, chain.Len())

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Empty(t, chain.All())
		_, err = chain.Dispatch(context.Background(), newRequest())
		assert.ErrorIs(t, err, ErrQueueExhausted)
	})

	t.Run("layers behind a short-circuit stay queued", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Import([]any{rec.final("stop"), rec.final("never")}))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)

		assert.Equal(t, []string{"stop"}, rec.calls)
		assert.Equal(t, 1, chain.Len())
	})

	t.Run("a layer can queue more layers while running", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Add(LayerFunc(func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			rec.add("first")
			if err := chain.Prepend(rec.final("injected")); err != nil {
				return nil, err
			}
			return next(ctx, r)
		})))

		_, err := chain.Dispatch(context.Background(), newRequest())
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "injected"}, rec.calls)
	})
}

func TestPipeline(t *testing.T) {
	t.Run("snapshot can be dispatched repeatedly", func(t *testing.T) {
		rec := &recorder{}
		chain := New(nil)
		require.NoError(t, chain.Import([]any{rec.pass("h1"), rec.final("h2")}))

		p := chain.Pipeline()
		for i := 0; i < 3; i++ {
			_, err := p.Dispatch(context.Background(), newRequest())
			require.NoError(t, err)
		}

		assert.Len(t, rec.calls, 6)
		assert.Equal(t, 2, chain.Len(), "snapshot leaves the chain queue alone")
		assert.Equal(t, 2, p.Len())
	})

	t.Run("concurrent dispatch", func(t *testing.T) {
		rec := &recorder{}
		p := NewPipeline(
			Entry{Call: rec.pass("h1")},
			Entry{Call: rec.final("h2")},
		)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Dispatch(context.Background(), newRequest())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Len(t, rec.calls, 40)
	})

	t.Run("then appends a terminal handler", func(t *testing.T) {
		rec := &recorder{}
		p := NewPipeline(Entry{Call: rec.pass("mw")})

		h := p.Then(func(ctx context.Context, r *http.Request) Response {
			rec.add("handler")
			return JSON(http.StatusOK, "ok")
		})

		assert.Equal(t, JSON(http.StatusOK, "ok"), h(context.Background(), newRequest()))
		assert.Equal(t, []string{"mw", "handler"}, rec.calls)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("then turns dispatch errors into responses", func(t *testing.T) {
		p := NewPipeline(Entry{Call: func(ctx context.Context, r *http.Request, next Next, p Param) (Response, error) {
			return nil, errors.New("boom")
		}})

		resp := p.Then(func(ctx context.Context, r *http.Request) Response {
			return JSON(http.StatusOK, "ok")
		})(context.Background(), newRequest())

		jr, ok := resp.(JSONResponse)
		require.True(t, ok)
		assert.Equal(t, http.StatusInternalServerError, jr.StatusCode)
	})

	t.Run("entry without a call", func(t *testing.T) {
		_, err := NewPipeline(Entry{Name: "broken"}).Dispatch(context.Background(), newRequest())
		require.ErrorIs(t, err, ErrInvalidDeclaration)
	})
}

func TestFork(t *testing.T) {
	rec := &recorder{}
	base := newTestChain(t, rec, "x/one")
	require.NoError(t, base.SetConfig(map[string]any{"one": "x/one"}))
	require.NoError(t, base.Add("one"))

	fork := base.Fork()
	require.NoError(t, fork.Add(rec.final("end")))
	require.NoError(t, fork.SetConfig(map[string]any{"two": "x/one"}))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, fork.Len())

	_, err := fork.Dispatch(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, base.Len())

	require.Error(t, base.Add(WithParam("two", "p")), "fork config must not leak into base")
}

func TestErrorResponse(t *testing.T) {
	early := JSON(http.StatusTeapot, "tea")
	assert.Equal(t, early, ErrorResponse(Abort(early)))

	resp, ok := ErrorResponse(ErrQueueExhausted).(JSONResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, ok = ErrorResponse(&ResolutionError{ID: "app/secret", Err: ErrUnknownHandler}).(JSONResponse)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"error": "internal server error"}, resp.Data)
}
