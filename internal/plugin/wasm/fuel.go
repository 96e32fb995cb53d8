// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package wasm

import (
	"context"
	"sync"
	"time"
)

// FuelUnit is the guest execution time one unit of fuel buys. wazero has no
// instruction metering, so fuel is charged by the clock while guest code
// runs; time spent inside host functions is not charged.
const FuelUnit = time.Nanosecond

// fuelMeter tracks guest execution time for one invocation and calls exhaust
// once the budget is spent.
type fuelMeter struct {
	mu       sync.Mutex
	budget   time.Duration
	consumed time.Duration
	started  time.Time
	running  bool
	done     bool
	timer    *time.Timer
	exhaust  func()
}

func newFuelMeter(fuel uint64, exhaust func()) *fuelMeter {
	return &fuelMeter{budget: time.Duration(fuel) * FuelUnit, exhaust: exhaust}
}

// resume starts charging.
func (m *fuelMeter) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done || m.running {
		return
	}
	m.running = true
	m.started = time.Now()
	m.timer = time.AfterFunc(m.budget-m.consumed, m.check)
}

// pause stops charging, e.g. while a host function runs.
func (m *fuelMeter) pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseLocked()
}

func (m *fuelMeter) pauseLocked() {
	if !m.running {
		return
	}
	m.consumed += time.Since(m.started)
	m.running = false
	m.timer.Stop()
}

// stop ends metering and returns the fuel consumed.
func (m *fuelMeter) stop() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseLocked()
	m.done = true
	return uint64(m.consumed / FuelUnit)
}

func (m *fuelMeter) check() {
	m.mu.Lock()
	if !m.running || m.done {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.consumed += now.Sub(m.started)
	m.started = now
	if m.consumed < m.budget {
		m.timer = time.AfterFunc(m.budget-m.consumed, m.check)
		m.mu.Unlock()
		return
	}
	m.running = false
	m.done = true
	m.mu.Unlock()
	m.exhaust()
}

type meterKey struct{}

func withMeter(ctx context.Context, m *fuelMeter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

func meterFrom(ctx context.Context) *fuelMeter {
	m, _ := ctx.Value(meterKey{}).(*fuelMeter)
	return m
}
