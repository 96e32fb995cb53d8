// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/bastion/pkg/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// Span attribute keys.
const (
	AttrPluginID = "plugin.id"
	AttrDecision = "decision"
	AttrReason   = "reason"
)

type validator func(ctx context.Context, s *Sandbox, payload []byte) (any, error)

type executor func(ctx context.Context, op any) (any, error)

// dispatchEntry pairs the policy check of a host function with the code that
// performs it.
type dispatchEntry struct {
	validate validator
	execute  executor
}

var dispatchTable = [hostFunctionCount]dispatchEntry{
	HTTPRequest: {
		validate: func(ctx context.Context, s *Sandbox, payload []byte) (any, error) {
			var req plugin.HTTPRequest
			if err := s.decodeRequest(ctx, HTTPRequest, payload, &req); err != nil {
				return nil, err
			}
			return s.ValidateHTTPRequest(ctx, req)
		},
		execute: func(ctx context.Context, op any) (any, error) {
			return op.(*HTTPOperation).Execute(ctx)
		},
	},
	ReadFile: {
		validate: func(ctx context.Context, s *Sandbox, payload []byte) (any, error) {
			var req plugin.ReadFileRequest
			if err := s.decodeRequest(ctx, ReadFile, payload, &req); err != nil {
				return nil, err
			}
			return s.ValidateReadFile(ctx, req)
		},
		execute: func(ctx context.Context, op any) (any, error) {
			return op.(*ReadOperation).Execute(ctx)
		},
	},
	WriteFile: {
		validate: func(ctx context.Context, s *Sandbox, payload []byte) (any, error) {
			var req plugin.WriteFileRequest
			if err := s.decodeRequest(ctx, WriteFile, payload, &req); err != nil {
				return nil, err
			}
			return s.ValidateWriteFile(ctx, req)
		},
		execute: func(ctx context.Context, op any) (any, error) {
			return op.(*WriteOperation).Execute(ctx)
		},
	},
	GetEnv: {
		validate: func(ctx context.Context, s *Sandbox, payload []byte) (any, error) {
			var req plugin.GetEnvRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				req = plugin.GetEnvRequest{}
			}
			return s.ValidateGetEnv(ctx, req), nil
		},
		execute: func(ctx context.Context, op any) (any, error) {
			return op.(*EnvOperation).Execute(ctx), nil
		},
	},
	Log: {
		validate: func(ctx context.Context, s *Sandbox, payload []byte) (any, error) {
			var req plugin.LogRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				req = plugin.LogRequest{Level: plugin.LogWarn, Message: string(payload)}
			}
			return s.ValidateLog(ctx, req), nil
		},
		execute: func(ctx context.Context, op any) (any, error) {
			if l := op.(*LogOperation); l != nil {
				l.Execute(ctx)
			}
			return nil, nil
		},
	},
}

func init() {
	if err := checkDispatchTable(); err != nil {
		panic(err)
	}
}

// checkDispatchTable verifies every host function has both halves.
func checkDispatchTable() error {
	for fn, e := range dispatchTable {
		if e.validate == nil || e.execute == nil {
			return fmt.Errorf("dispatch table entry for %s is incomplete", HostFunction(fn))
		}
	}
	return nil
}

type okEnvelope struct {
	OK any `json:"ok"`
}

type errEnvelope struct {
	Err *plugin.Error `json:"error"`
}

// Dispatch runs one host call from a guest: decode, validate, execute and
// encode the result envelope. Policy denials and I/O failures are returned
// to the guest inside the envelope. A non-nil error means the invocation
// itself must stop.
func (s *Sandbox) Dispatch(ctx context.Context, fn HostFunction, payload []byte) ([]byte, error) {
	if fn < 0 || fn >= hostFunctionCount {
		return nil, bastionerr.Errorf(bastionerr.CodeSandboxSetupFailure, "unknown host function %d", int(fn))
	}

	ctx, span := s.tracer.Start(ctx, "sandbox."+fn.String(),
		trace.WithAttributes(attribute.String(AttrPluginID, s.pluginID)))
	defer span.End()

	entry := dispatchTable[fn]
	op, err := entry.validate(ctx, s, payload)
	var result any
	if err == nil {
		result, err = entry.execute(ctx, op)
	}

	if err != nil {
		reason := bastionerr.ReasonOf(err)
		if reason == "" {
			reason = err.Error()
		}
		decision := "error"
		if bastionerr.IsPolicyViolation(err) {
			decision = "deny"
		}
		span.SetAttributes(attribute.String(AttrDecision, decision), attribute.String(AttrReason, reason))
		span.SetStatus(codes.Error, reason)

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return EncodeGuestError(err)
	}

	if denied(op) {
		span.SetAttributes(attribute.String(AttrDecision, "deny"))
		span.SetStatus(codes.Error, "denied")
	} else {
		span.SetAttributes(attribute.String(AttrDecision, "allow"))
	}

	if result == nil {
		return nil, nil
	}
	out, err := json.Marshal(okEnvelope{OK: result})
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeSandboxSetupFailure, "encoding host function result")
	}
	return out, nil
}

// denied reports whether an operation that carries no error was refused.
func denied(op any) bool {
	switch o := op.(type) {
	case *EnvOperation:
		return !o.visible
	case *LogOperation:
		return o == nil
	}
	return false
}

// RejectMalformed records a host call whose request could not be read out of
// guest memory as a denial and returns the error to hand back to the guest.
func (s *Sandbox) RejectMalformed(ctx context.Context, fn HostFunction, cause error) error {
	if fn < 0 || fn >= hostFunctionCount {
		return bastionerr.Errorf(bastionerr.CodeSandboxSetupFailure, "unknown host function %d", int(fn))
	}
	ctx, span := s.tracer.Start(ctx, "sandbox."+fn.String(),
		trace.WithAttributes(attribute.String(AttrPluginID, s.pluginID)))
	defer span.End()

	err := cause
	if bastionerr.CodeOf(err) == "" {
		err = bastionerr.Wrapf(cause, bastionerr.CodeSandboxRequestInvalid, "reading %s request", fn)
	}
	span.SetAttributes(attribute.String(AttrDecision, "deny"), attribute.String(AttrReason, err.Error()))
	span.SetStatus(codes.Error, err.Error())
	return s.deny(ctx, fn, err, map[string]any{"stage": "read"})
}

func (s *Sandbox) decodeRequest(ctx context.Context, fn HostFunction, payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return s.deny(ctx, fn,
			bastionerr.Wrapf(err, bastionerr.CodeSandboxRequestInvalid, "decoding %s request", fn),
			map[string]any{"bytes": len(payload)})
	}
	return nil
}

// GuestError converts err into the payload returned to guests.
func GuestError(err error) *plugin.Error {
	fields := bastionerr.FieldsOf(err)
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return &plugin.Error{
		Code:    string(bastionerr.CodeOf(err)),
		Message: err.Error(),
		Fields:  out,
	}
}

// EncodeGuestError marshals err as a guest error envelope.
func EncodeGuestError(err error) ([]byte, error) {
	out, mErr := json.Marshal(errEnvelope{Err: GuestError(err)})
	if mErr != nil {
		return nil, bastionerr.Wrap(mErr, bastionerr.CodeSandboxSetupFailure, "encoding host function error")
	}
	return out, nil
}
