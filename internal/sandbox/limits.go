// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"time"

	"github.com/sigil-dev/bastion/internal/plugin"
)

// WasmPageSize is the size of one linear-memory page.
const WasmPageSize = 64 * 1024

// Budget bounds.
const (
	DefaultFuel        uint64 = 1_000_000_000
	MinFuel            uint64 = 1_000_000
	MaxFuel            uint64 = 10_000_000_000
	DefaultMemoryBytes uint64 = 16 << 20
	MaxMemoryBytes     uint64 = 256 << 20
	// DefaultTableElements caps every table a module declares.
	DefaultTableElements uint32 = 10_000
	DefaultWallClock            = 30 * time.Second
	MaxWallClock                = time.Hour
)

// Limits is the execution budget of one invocation. Every invocation starts
// with the full budget; nothing carries over between calls.
type Limits struct {
	Fuel          uint64        `json:"fuel"`
	MemoryBytes   uint64        `json:"memory_bytes"`
	TableElements uint32        `json:"table_elements"`
	WallClock     time.Duration `json:"wall_clock"`
}

// DefaultLimits returns the host-wide default budget.
func DefaultLimits() Limits {
	return Limits{
		Fuel:          DefaultFuel,
		MemoryBytes:   DefaultMemoryBytes,
		TableElements: DefaultTableElements,
		WallClock:     DefaultWallClock,
	}
}

// Clamp forces every field into its allowed range. Zero fields take the
// default.
func (l Limits) Clamp() Limits {
	d := DefaultLimits()
	if l.Fuel == 0 {
		l.Fuel = d.Fuel
	}
	l.Fuel = min(max(l.Fuel, MinFuel), MaxFuel)

	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	l.MemoryBytes = min(max(l.MemoryBytes, WasmPageSize), MaxMemoryBytes)

	if l.TableElements == 0 {
		l.TableElements = d.TableElements
	}

	if l.WallClock <= 0 {
		l.WallClock = d.WallClock
	}
	l.WallClock = min(l.WallClock, MaxWallClock)
	return l
}

// MemoryPages returns the memory cap in whole wasm pages.
func (l Limits) MemoryPages() uint32 {
	return uint32(l.MemoryBytes / WasmPageSize)
}

// ResolveLimits overlays manifest resource overrides onto host defaults and
// clamps the result.
func ResolveLimits(defaults Limits, r plugin.Resources) Limits {
	l := defaults
	if r.MaxFuel != 0 {
		l.Fuel = r.MaxFuel
	}
	if r.MaxMemoryMB != 0 {
		l.MemoryBytes = uint64(r.MaxMemoryMB) << 20
	}
	if r.MaxWallClockSecs != 0 {
		l.WallClock = time.Duration(r.MaxWallClockSecs) * time.Second
	}
	return l.Clamp()
}
