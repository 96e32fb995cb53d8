// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package ratelimit provides fixed-window call counters for host functions.
//
// Counters are approximate: under heavy contention a window may admit one call
// more than its limit. They are a fairness control, not a security boundary.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// Spec is the limit for one host function: at most Limit calls per Window.
// A zero Limit disables limiting.
type Spec struct {
	Limit  int           `mapstructure:"limit" json:"limit"`
	Window time.Duration `mapstructure:"window" json:"window"`
}

// Unlimited reports whether the spec admits every call.
func (s Spec) Unlimited() bool {
	return s.Limit <= 0
}

// Validate checks that a limited spec has a positive window.
func (s Spec) Validate() error {
	if s.Limit < 0 {
		return bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue, "rate limit must not be negative (got %d)", s.Limit)
	}
	if s.Limit > 0 && s.Window <= 0 {
		return bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue, "rate window must be positive when limit is set (got %s)", s.Window)
	}
	return nil
}

// Counter admits or rejects calls within the current window.
type Counter interface {
	Allow(ctx context.Context) (bool, error)
}

// Factory builds the counter for one (plugin, function) pair.
type Factory func(pluginID, function string, spec Spec) Counter

// MemoryFactory returns a Factory producing in-process FixedWindow counters.
func MemoryFactory() Factory {
	return func(_, _ string, spec Spec) Counter {
		return NewFixedWindow(spec)
	}
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *FixedWindow) {
		w.now = now
	}
}

// FixedWindow counts calls in consecutive windows of fixed length. The window
// reset is guarded by a mutex; the increment itself is atomic.
type FixedWindow struct {
	spec  Spec
	now   func() time.Time
	mu    sync.Mutex
	start time.Time
	count atomic.Int64
}

// NewFixedWindow returns a counter for spec.
func NewFixedWindow(spec Spec, opts ...Option) *FixedWindow {
	w := &FixedWindow{spec: spec, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *FixedWindow) Allow(_ context.Context) (bool, error) {
	if w.spec.Unlimited() {
		return true, nil
	}

	now := w.now()
	w.mu.Lock()
	if w.start.IsZero() || now.Sub(w.start) >= w.spec.Window {
		w.start = now
		w.count.Store(0)
	}
	w.mu.Unlock()

	return w.count.Add(1) <= int64(w.spec.Limit), nil
}

// Remaining returns the number of calls left in the current window.
func (w *FixedWindow) Remaining() int {
	if w.spec.Unlimited() {
		return -1
	}
	left := int64(w.spec.Limit) - w.count.Load()
	if left < 0 {
		return 0
	}
	return int(left)
}
