package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
)

// Outcome is what a handler produced: the value for the result field and the
// lifecycle event to apply once the response has been written.
type Outcome struct {
	Result any
	Event  lifecycle.Event
}

// Handler runs one method. params is never nil; absent params arrive as {}.
type Handler func(ctx context.Context, params json.RawMessage) (Outcome, error)

// Route binds a handler to the states it is declared for.
// A nil Allowed list means any state in which requests are read.
type Route struct {
	Handler Handler
	Allowed []lifecycle.State
}

func (r Route) permits(s lifecycle.State) bool {
	return r.Allowed == nil || slices.Contains(r.Allowed, s)
}

// Dispatcher holds the method table.
type Dispatcher struct {
	routes map[string]Route
	strict bool
	logger *slog.Logger
}

// New creates an empty Dispatcher. When strict is true, declared lifecycle
// policies are enforced instead of only logged.
func New(strict bool) *Dispatcher {
	return &Dispatcher{
		routes: make(map[string]Route),
		strict: strict,
		logger: log.WithComponent("dispatch"),
	}
}

// Register adds a route for method.
func (d *Dispatcher) Register(method string, route Route) error {
	if method == "" {
		return fmt.Errorf("method name is empty")
	}
	if route.Handler == nil {
		return fmt.Errorf("method %q has no handler", method)
	}
	if _, exists := d.routes[method]; exists {
		return fmt.Errorf("method %q already registered", method)
	}
	d.routes[method] = route
	return nil
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.routes))
	for m := range d.routes {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Dispatch looks up req.Method and runs its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, state lifecycle.State, req *protocol.Request) (Outcome, error) {
	route, ok := d.routes[req.Method]
	if !ok {
		return Outcome{}, protocol.ErrMethodNotFound(req.Method)
	}

	if !route.permits(state) {
		if d.strict {
			return Outcome{}, protocol.ErrInvalidRequest(
				fmt.Sprintf("Method %s not allowed in state %s", req.Method, state))
		}
		d.logger.Warn("method called outside its declared lifecycle states",
			"method", req.Method, "state", state.String())
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return route.Handler(ctx, params)
}

// DecodeParams unmarshals params into v. Unknown fields are ignored because
// hosts may send more than a given plugin reads.
func DecodeParams(params json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("invalid params: expected an object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
