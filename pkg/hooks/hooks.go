// Package hooks implements the Hook Manager (C10): three dispatch points —
// MessageReceived, BeforeAgent, AfterAgent — each firing a configured,
// ordered set of named handlers and composing their results last-writer-wins
// per field (§4.10, SPEC_FULL.md Open Question Decision 1).
//
// Grounded on the teacher's processOptions/callback composition shape (every
// stage of pkg/agent/loop.go threads an options struct through a sequence of
// optional mutators); no teacher file dispatches named, user-configured
// handlers by string, so the registry and Point plumbing here are new,
// built in that same "compose a struct across a handler sequence" idiom.
package hooks

import (
	"context"
	"fmt"

	"github.com/sipeed/beacon/pkg/logger"
)

// Point names one of the three hook points a handler can be registered at.
type Point string

const (
	MessageReceived Point = "message_received"
	BeforeAgent     Point = "before_agent"
	AfterAgent      Point = "after_agent"
)

// Result is the composable outcome of one handler invocation (§4.10).
type Result struct {
	Reply            string
	ModifiedResponse string
	SkipProcessing   bool
	SkipAgent        bool
}

// merge applies next on top of r, last-writer-wins per non-zero field.
func (r Result) merge(next Result) Result {
	out := r
	if next.Reply != "" {
		out.Reply = next.Reply
	}
	if next.ModifiedResponse != "" {
		out.ModifiedResponse = next.ModifiedResponse
	}
	if next.SkipProcessing {
		out.SkipProcessing = true
	}
	if next.SkipAgent {
		out.SkipAgent = true
	}
	return out
}

// Context is the data a handler sees, common across all three points; a
// handler reads only the fields relevant to where it's registered.
type Context struct {
	UserID    string
	SessionID string
	Channel   string
	ChannelID string
	Text      string
	Response  string // populated only at AfterAgent
}

// Handler is one named, user-configurable hook implementation.
type Handler interface {
	Name() string
	Run(ctx context.Context, hctx Context) (Result, error)
}

// Manager dispatches named handlers at each of the three points, per the
// ordered handler lists in config.HookConfig.
type Manager struct {
	handlers map[string]Handler
	points   map[Point][]string
}

// NewManager builds a Manager. points maps each Point to the ordered list
// of handler names configured to run there (config.HookConfig's three
// slices, keyed by Point for dispatch).
func NewManager(points map[Point][]string) *Manager {
	return &Manager{handlers: make(map[string]Handler), points: points}
}

// Register adds a handler implementation, addressable by its own Name()
// from any point's configured handler list.
func (m *Manager) Register(h Handler) {
	m.handlers[h.Name()] = h
}

// Run fires every handler configured at point, in order, composing their
// results last-writer-wins. A handler error is logged and treated as a
// no-op result (§7: HookError is "logged and treated as a no-op").
func (m *Manager) Run(ctx context.Context, point Point, hctx Context) Result {
	var acc Result
	for _, name := range m.points[point] {
		h, ok := m.handlers[name]
		if !ok {
			logger.WarnCF("hooks", "configured handler not registered", map[string]interface{}{
				"point": string(point), "handler": name,
			})
			continue
		}
		res, err := h.Run(ctx, hctx)
		if err != nil {
			logger.WarnCF("hooks", "handler failed, treating as no-op", map[string]interface{}{
				"point": string(point), "handler": name, "error": err.Error(),
			})
			continue
		}
		acc = acc.merge(res)
	}
	return acc
}

// FuncHandler adapts a plain function into a Handler, for small inline
// hooks that don't warrant their own type.
type FuncHandler struct {
	HandlerName string
	Fn          func(ctx context.Context, hctx Context) (Result, error)
}

func (f FuncHandler) Name() string { return f.HandlerName }

func (f FuncHandler) Run(ctx context.Context, hctx Context) (Result, error) {
	if f.Fn == nil {
		return Result{}, fmt.Errorf("hooks: handler %q has no function", f.HandlerName)
	}
	return f.Fn(ctx, hctx)
}
