// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sigil-dev/bastion/pkg/plugin"
)

// MaxLogMessageBytes caps one guest log message.
const MaxLogMessageBytes = 4096

const truncationMarker = "…[truncated]"

type logLimiter struct {
	logger *slog.Logger
}

func newLogLimiter(base *slog.Logger, pluginID string) *logLimiter {
	return &logLimiter{logger: base.With("plugin", pluginID, "source", "plugin")}
}

// LogOperation is an admitted guest log line.
type LogOperation struct {
	sandbox *Sandbox
	level   slog.Level
	message string
}

// ValidateLog admits a message under the per-second budget. Excess messages
// return nil and are dropped without telling the guest.
func (s *Sandbox) ValidateLog(ctx context.Context, req plugin.LogRequest) *LogOperation {
	if err := s.checkRate(ctx, Log); err != nil {
		_ = s.deny(ctx, Log, err, map[string]any{"level": string(req.Severity())})
		return nil
	}
	return &LogOperation{
		sandbox: s,
		level:   slogLevel(req.Severity()),
		message: truncateMessage(req.Message, MaxLogMessageBytes),
	}
}

// Execute writes the message to the plugin logger.
func (op *LogOperation) Execute(ctx context.Context) {
	s := op.sandbox
	s.logs.logger.LogAttrs(ctx, op.level, op.message)
	_ = s.allow(ctx, Log, "message logged", map[string]any{"level": op.level.String(), "bytes": len(op.message)})
}

// Log validates and emits one guest message. It reports whether the message
// was written.
func (s *Sandbox) Log(ctx context.Context, level plugin.LogLevel, message string) bool {
	op := s.ValidateLog(ctx, plugin.LogRequest{Level: level, Message: message})
	if op == nil {
		return false
	}
	op.Execute(ctx)
	return true
}

func slogLevel(l plugin.LogLevel) slog.Level {
	switch l {
	case plugin.LogDebug:
		return slog.LevelDebug
	case plugin.LogWarn:
		return slog.LevelWarn
	case plugin.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// truncateMessage cuts msg to at most limit bytes including the marker,
// never splitting a UTF-8 sequence.
func truncateMessage(msg string, limit int) string {
	msg = strings.ToValidUTF8(msg, "�")
	if len(msg) <= limit {
		return msg
	}
	cut := limit - len(truncationMarker)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + truncationMarker
}
