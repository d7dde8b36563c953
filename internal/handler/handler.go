// Package handler is the phase handler registry: a name-to-handler map
// plus the two composition primitives the workflow engine uses to build
// fallback and sequencing chains.
package handler

import (
	"context"
	"strings"
	"sync"

	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Context carries whatever a handler needs to execute a phase. It is a
// free-form map so the registry stays independent of any particular
// workflow's domain types, matching the design's "execute(context)"
// signature.
type Context map[string]any

// Output is a phase's result.
type Output struct {
	Data []byte
	Meta map[string]any
}

// Handler executes one workflow phase.
type Handler interface {
	Execute(ctx context.Context, pctx Context) (Output, error)
}

// Rollbacker is implemented by handlers that can undo their own side
// effects. Not every handler needs one.
type Rollbacker interface {
	Rollback(ctx context.Context, pctx Context) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, pctx Context) (Output, error)

func (f Func) Execute(ctx context.Context, pctx Context) (Output, error) { return f(ctx, pctx) }

// HandlerChain composes a primary handler with an ordered sequence of
// fallbacks: it tries each in turn and returns the first success, or an
// error naming every handler that failed.
type HandlerChain struct {
	Primary   Handler
	Fallbacks []Handler
	names     []string // parallel to Primary+Fallbacks, for the failure message
}

// NewHandlerChain builds a chain. names must have length
// 1+len(fallbacks), naming primary first.
func NewHandlerChain(primary Handler, names []string, fallbacks ...Handler) *HandlerChain {
	return &HandlerChain{Primary: primary, Fallbacks: fallbacks, names: names}
}

func (c *HandlerChain) Execute(ctx context.Context, pctx Context) (Output, error) {
	candidates := append([]Handler{c.Primary}, c.Fallbacks...)
	var failed []string
	for i, h := range candidates {
		out, err := h.Execute(ctx, pctx)
		if err == nil {
			return out, nil
		}
		name := ""
		if i < len(c.names) {
			name = c.names[i]
		}
		failed = append(failed, name)
	}
	return Output{}, orcherrors.New(orcherrors.KindInternal, "handler.HandlerChain.Execute",
		"all handlers failed: "+strings.Join(failed, ", "))
}

// ChainHandler sequences handlers whose outputs combine: each handler's
// output feeds into pctx under "previous" before the next runs. Failure of
// any step aborts the chain.
type ChainHandler struct {
	Handlers []Handler
}

func (c *ChainHandler) Execute(ctx context.Context, pctx Context) (Output, error) {
	var last Output
	merged := Context{}
	for k, v := range pctx {
		merged[k] = v
	}
	for _, h := range c.Handlers {
		out, err := h.Execute(ctx, merged)
		if err != nil {
			return Output{}, err
		}
		last = out
		merged["previous"] = out
	}
	return last, nil
}

// Registry maps phase names to handlers (plain or composed). It is built
// incrementally at startup as handlers register, so it is protected by a
// lock rather than frozen after construction.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates name with h, replacing any existing registration.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered for name, or nil if none.
func (r *Registry) Lookup(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}
