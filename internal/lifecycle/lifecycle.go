// Package lifecycle holds the plugin process state machine:
// Uninitialized → Ready → ShuttingDown → Terminated.
//
// The Controller is owned by the serve loop and is not safe for concurrent use.
// Requests are processed one at a time, so transitions happen in program order.
package lifecycle

import "fmt"

// State is a phase of the plugin process.
type State int

const (
	Uninitialized State = iota
	Ready
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a transition trigger produced by a handler or by the serve loop.
type Event int

const (
	// None leaves the state unchanged.
	None Event = iota
	// Initialized is produced by a successful initialize.
	Initialized
	// ShutdownRequested is produced by shutdown; the loop stops reading after it.
	ShutdownRequested
	// Exited is applied by the loop once the shutdown response is flushed.
	Exited
)

func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case Initialized:
		return "initialized"
	case ShutdownRequested:
		return "shutdown_requested"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transitions lists, per event, the states it may fire from and the target.
var transitions = map[Event]struct {
	from []State
	to   State
}{
	Initialized:       {from: []State{Uninitialized, Ready}, to: Ready},
	ShutdownRequested: {from: []State{Uninitialized, Ready}, to: ShuttingDown},
	Exited:            {from: []State{ShuttingDown}, to: Terminated},
}

// Controller tracks the current state.
type Controller struct {
	state State
}

// New returns a Controller in Uninitialized.
func New() *Controller {
	return &Controller{state: Uninitialized}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Accepting reports whether the loop may read another request.
func (c *Controller) Accepting() bool {
	return c.state == Uninitialized || c.state == Ready
}

// Apply fires ev. None is always accepted; an event not valid from the current
// state is rejected and the state is left untouched.
func (c *Controller) Apply(ev Event) error {
	if ev == None {
		return nil
	}
	t, ok := transitions[ev]
	if !ok {
		return fmt.Errorf("unknown lifecycle event: %s", ev)
	}
	for _, from := range t.from {
		if from == c.state {
			c.state = t.to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition: %s in state %s", ev, c.state)
}
