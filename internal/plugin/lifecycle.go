// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"sync"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// PluginState represents the lifecycle state of a plugin instance.
type PluginState int

const (
	// StateInstalled is a validated install awaiting first-run approval.
	StateInstalled PluginState = iota
	StateApproved
	StateRunning
	// StateDraining finishes in-flight calls after a reload or removal; it
	// accepts no new calls.
	StateDraining
	StateUnloaded
)

func (s PluginState) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateApproved:
		return "approved"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s PluginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *PluginState) UnmarshalText(b []byte) error {
	for st := StateInstalled; st <= StateUnloaded; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return bastionerr.Errorf(bastionerr.CodePluginLifecycleTransitionInvalid, "unknown plugin state %q", b)
}

// validTransitions defines allowed state transitions as an adjacency list.
var validTransitions = map[PluginState]map[PluginState]bool{
	StateInstalled: {
		StateApproved: true,
		StateUnloaded: true,
	},
	StateApproved: {
		StateRunning:   true,
		StateInstalled: true, // permissions changed on upgrade
		StateUnloaded:  true,
	},
	StateRunning: {
		StateDraining: true,
	},
	StateDraining: {
		StateUnloaded: true,
	},
	StateUnloaded: {},
}

// ValidTransition returns true if transitioning from one state to another is allowed.
func ValidTransition(from, to PluginState) bool {
	allowed, exists := validTransitions[from][to]
	return exists && allowed
}

// Instance represents a plugin instance with lifecycle state management.
type Instance struct {
	mu    sync.RWMutex
	name  string
	state PluginState
}

// NewInstance creates a new plugin instance with the given name and initial state.
func NewInstance(name string, state PluginState) *Instance {
	return &Instance{
		name:  name,
		state: state,
	}
}

// Name returns the plugin instance name.
func (i *Instance) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.name
}

// State returns the current plugin state.
func (i *Instance) State() PluginState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// TransitionTo attempts to transition to a new state. Returns an error if the
// transition is not valid.
func (i *Instance) TransitionTo(newState PluginState) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !ValidTransition(i.state, newState) {
		return bastionerr.Errorf(bastionerr.CodePluginLifecycleTransitionInvalid,
			"invalid state transition for %s: %s -> %s", i.name, i.state, newState)
	}

	i.state = newState
	return nil
}
