// Package service converges the enablement and run state of system services.
package service

import (
	"context"
	"fmt"

	"github.com/containerd/log"
)

// Action is a single service control operation.
type Action int

const (
	Enable Action = iota
	Disable
	Start
	Stop
	Restart
)

func (a Action) String() string {
	switch a {
	case Enable:
		return "enable"
	case Disable:
		return "disable"
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// State is the observed state of a unit.
type State struct {
	Enabled bool
	Active  bool
}

// Controller observes and changes units.
type Controller interface {
	State(ctx context.Context, unit string) (State, error)
	Apply(ctx context.Context, unit string, action Action) error
}

// Decide returns the actions, in order, that take a unit in state st to the
// wanted state. changed reports whether the unit's configuration was
// rewritten during this pass.
//
//	not wanted: stop if active, then disable if enabled
//	wanted:     enable if not enabled, then start if not active,
//	            otherwise restart if changed
func Decide(wanted, changed bool, st State) []Action {
	var actions []Action
	if !wanted {
		if st.Active {
			actions = append(actions, Stop)
		}
		if st.Enabled {
			actions = append(actions, Disable)
		}
		return actions
	}
	if !st.Enabled {
		actions = append(actions, Enable)
	}
	if !st.Active {
		actions = append(actions, Start)
	} else if changed {
		actions = append(actions, Restart)
	}
	return actions
}

// Converge reads the state of unit and applies the actions Decide returns.
// It stops at the first failing action.
func Converge(ctx context.Context, c Controller, unit string, wanted, changed bool) error {
	st, err := c.State(ctx, unit)
	if err != nil {
		return err
	}
	for _, action := range Decide(wanted, changed, st) {
		log.G(ctx).WithFields(log.Fields{
			"unit":   unit,
			"action": action.String(),
		}).Info("changing service state")
		if err := c.Apply(ctx, unit, action); err != nil {
			return err
		}
	}
	return nil
}
