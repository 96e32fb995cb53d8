// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package audit records every host-function decision to an append-only sink.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// EscalationThreshold is the number of consecutive sink failures after which
// the log level escalates from Warn to Error.
const EscalationThreshold = 3

// Sink is an append-only destination for audit entries. Implementations must
// accept concurrent Append calls without interleaving records.
type Sink interface {
	Append(ctx context.Context, entry *store.AuditEntry) error
}

// Option configures a Log.
type Option func(*Log)

// WithFailClosed makes Record report sink failures on allow decisions so the
// caller can refuse the operation. Default false (best-effort).
func WithFailClosed(failClosed bool) Option {
	return func(l *Log) {
		l.failClosed = failClosed
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Log stamps and forwards decisions to a Sink. It is safe for concurrent use
// and is shared by every sandbox on the host.
type Log struct {
	sink       Sink
	now        func() time.Time
	failClosed bool
	failCount  atomic.Int64
}

// NewLog creates a Log writing to sink. A nil sink disables persistence but
// decisions are still enforced by callers.
func NewLog(sink Sink, opts ...Option) *Log {
	if sink == nil {
		slog.Warn("audit log created with nil sink; audit persistence disabled")
	}
	l := &Log{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailCount returns the current consecutive sink failure count.
func (l *Log) FailCount() int64 {
	return l.failCount.Load()
}

// Allow records an allowed call. With fail-closed mode a sink failure is returned.
func (l *Log) Allow(ctx context.Context, pluginID, function, reason string, details map[string]any) error {
	err := l.record(ctx, pluginID, function, store.DecisionAllow, reason, details)
	if err != nil && l.failClosed {
		return bastionerr.Wrap(err, bastionerr.CodeAuditAppendFailure, "audit log failure on allowed decision (fail-closed mode)")
	}
	return nil
}

// Deny records a denied call. Sink failures never change a deny outcome.
func (l *Log) Deny(ctx context.Context, pluginID, function, reason string, details map[string]any) {
	_ = l.record(ctx, pluginID, function, store.DecisionDeny, reason, details)
}

func (l *Log) record(ctx context.Context, pluginID, function string, decision store.Decision, reason string, details map[string]any) error {
	if l == nil || l.sink == nil {
		return nil
	}

	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		PluginID:  pluginID,
		Function:  function,
		Decision:  decision,
		Reason:    reason,
		Details:   details,
	}

	// Appends outlive a cancelled invocation so denials caused by a timeout
	// are still recorded.
	if err := l.sink.Append(context.WithoutCancel(ctx), entry); err != nil {
		consecutive := l.failCount.Add(1)
		level := slog.LevelWarn
		msg := "audit log failure (best-effort, not blocking)"
		if consecutive >= EscalationThreshold {
			level = slog.LevelError
			msg = "audit log failure (persistent)"
		}
		slog.Log(ctx, level, msg,
			"plugin", pluginID,
			"function", function,
			"decision", string(decision),
			"error", err,
			"consecutive_failures", consecutive,
		)
		return err
	}

	l.failCount.Store(0)
	return nil
}
