// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin_test

import (
	"testing"

	"github.com/sigil-dev/bastion/internal/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleState_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    plugin.PluginState
		to      plugin.PluginState
		allowed bool
	}{
		{"installed to approved", plugin.StateInstalled, plugin.StateApproved, true},
		{"installed to unloaded", plugin.StateInstalled, plugin.StateUnloaded, true},
		{"approved to running", plugin.StateApproved, plugin.StateRunning, true},
		{"approved back to installed", plugin.StateApproved, plugin.StateInstalled, true},
		{"running to draining", plugin.StateRunning, plugin.StateDraining, true},
		{"draining to unloaded", plugin.StateDraining, plugin.StateUnloaded, true},
		// Invalid transitions
		{"installed to running", plugin.StateInstalled, plugin.StateRunning, false},
		{"running to unloaded", plugin.StateRunning, plugin.StateUnloaded, false},
		{"unloaded to running", plugin.StateUnloaded, plugin.StateRunning, false},
		{"draining to running", plugin.StateDraining, plugin.StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, plugin.ValidTransition(tt.from, tt.to))
		})
	}
}

func TestPluginInstance_StateTransition(t *testing.T) {
	inst := plugin.NewInstance("weather", plugin.StateInstalled)

	assert.Equal(t, plugin.StateInstalled, inst.State())
	assert.Equal(t, "weather", inst.Name())

	require.NoError(t, inst.TransitionTo(plugin.StateApproved))
	assert.Equal(t, plugin.StateApproved, inst.State())

	err := inst.TransitionTo(plugin.StateDraining) // invalid: not running yet
	require.Error(t, err)
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginLifecycleTransitionInvalid))
	assert.Equal(t, plugin.StateApproved, inst.State())
}

func TestPluginState_MarshalText(t *testing.T) {
	b, err := plugin.StateDraining.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "draining", string(b))
	assert.Equal(t, "unknown", plugin.PluginState(99).String())
}
