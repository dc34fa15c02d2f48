package onion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	// NamespaceSeparator marks an identifier as fully qualified. Identifiers
	// without it go through the alias table and the default namespace.
	NamespaceSeparator = "/"

	// ParamSeparator splits "name:param" identifiers at its first occurrence.
	ParamSeparator = ":"

	// DefaultNamespace is prefixed to unqualified, unaliased identifiers
	// unless the configuration says otherwise.
	DefaultNamespace = "app/http/middleware/"

	// ConfigDefaultNamespace is the reserved configuration key holding the
	// default namespace.
	ConfigDefaultNamespace = "default_namespace"
)

// normalize turns one declaration into entries. visiting holds the group
// aliases currently being expanded.
func (c *Chain) normalize(decl any, visiting []string) ([]Entry, error) {
	switch d := decl.(type) {
	case nil:
		return nil, nil
	case Pair:
		return c.normalizeOne(d.Decl, P(d.Param), visiting)
	case Group:
		return c.normalizeList(d, visiting)
	case []any:
		return c.normalizeList(d, visiting)
	case []string:
		list := make([]any, len(d))
		for i, s := range d {
			list[i] = s
		}
		return c.normalizeList(list, visiting)
	default:
		return c.normalizeOne(decl, Param{}, visiting)
	}
}

func (c *Chain) normalizeList(list []any, visiting []string) ([]Entry, error) {
	var entries []Entry
	for _, decl := range list {
		e, err := c.normalize(decl, visiting)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e...)
	}
	return entries, nil
}

// normalizeOne handles a single function value or string identifier,
// carrying param from an enclosing pair.
func (c *Chain) normalizeOne(decl any, param Param, visiting []string) ([]Entry, error) {
	if call, ok := asLayerFunc(decl); ok {
		return []Entry{{Call: call, Param: param}}, nil
	}

	if layer, ok := decl.(Layer); ok && !isNil(layer) {
		return []Entry{{Name: fmt.Sprintf("%T", layer), Call: layer.Handle, Param: param}}, nil
	}

	id, ok := decl.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported declaration type %T", ErrInvalidDeclaration, decl)
	}
	return c.normalizeString(id, param, visiting)
}

func (c *Chain) normalizeString(id string, param Param, visiting []string) ([]Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidDeclaration)
	}

	var target any = id
	if !strings.Contains(id, NamespaceSeparator) {
		name, inline := id, ""
		target = nil
		if alias, ok := c.aliases[id]; ok {
			target = alias
		} else if i := strings.Index(id, ParamSeparator); i > 0 {
			// "alias:param" resolves through the alias of its name part.
			// The inline parameter replaces one carried by the alias target.
			if alias, ok := c.aliases[id[:i]].(string); ok {
				base, _, _ := strings.Cut(alias, ParamSeparator)
				name, inline = id[:i], id[i:]
				target = base + inline
			}
		}

		if target == nil {
			target = c.defaultNamespace + id
		} else if isList(target) {
			if slices.Contains(visiting, name) {
				return nil, fmt.Errorf("%w: %s -> %s",
					ErrAliasCycle, strings.Join(visiting, " -> "), name)
			}
			return c.normalize(target, append(visiting, name))
		}
	}

	resolved, ok := target.(string)
	if !ok {
		// Aliases may also map straight to function values.
		return c.normalizeOne(target, param, visiting)
	}

	if i := strings.Index(resolved, ParamSeparator); i > 0 {
		resolved, param = resolved[:i], P(resolved[i+1:])
	}

	if c.resolver == nil {
		return nil, &ResolutionError{ID: resolved, Err: errors.New("no resolver configured")}
	}
	layer, err := c.resolver.Resolve(resolved)
	if err != nil {
		return nil, err
	}
	if isNil(layer) {
		return nil, &ResolutionError{ID: resolved, Err: ErrUnknownHandler}
	}

	return []Entry{{Name: resolved, Call: layer.Handle, Param: param}}, nil
}

// asLayerFunc adapts the function shapes accepted as declarations.
func asLayerFunc(decl any) (LayerFunc, bool) {
	switch fn := decl.(type) {
	case LayerFunc:
		return fn, fn != nil
	case func(context.Context, *http.Request, Next, Param) (Response, error):
		return fn, fn != nil
	case Handler:
		return handlerLayer(fn), fn != nil
	case func(context.Context, *http.Request) Response:
		return handlerLayer(fn), fn != nil
	case Middleware:
		return middlewareLayer(fn), fn != nil
	case func(Handler) Handler:
		return middlewareLayer(fn), fn != nil
	}
	return nil, false
}

func isList(v any) bool {
	switch v.(type) {
	case Group, []any, []string:
		return true
	}
	return false
}
