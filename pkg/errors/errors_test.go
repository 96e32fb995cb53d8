// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// New / Errorf
// ---------------------------------------------------------------------------

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := bastionerr.New(
		bastionerr.CodeConfigValidateInvalidValue,
		"invalid sandbox defaults",
		bastionerr.FieldPlugin("echo"),
		bastionerr.Field("limit", "max_fuel"),
	)

	require.Error(t, err)
	assert.Equal(t, bastionerr.CodeConfigValidateInvalidValue, bastionerr.CodeOf(err))
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeConfigValidateInvalidValue))

	fields := bastionerr.FieldsOf(err)
	assert.Equal(t, "echo", fields["plugin"])
	assert.Equal(t, "max_fuel", fields["limit"])
}

func TestErrorfWrapsInnerError(t *testing.T) {
	inner := stderrors.New("disk full")
	err := bastionerr.Errorf(bastionerr.CodeStoreDatabaseFailure, "write failed: %w", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, bastionerr.CodeStoreDatabaseFailure, bastionerr.CodeOf(err))
}

// ---------------------------------------------------------------------------
// Wrap / With
// ---------------------------------------------------------------------------

func TestWrapPreservesWrappedErrorAndCode(t *testing.T) {
	root := stderrors.New("record missing")
	err := bastionerr.Wrap(root, bastionerr.CodePluginNotFound, "loading plugin", bastionerr.FieldPlugin("echo"))

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.True(t, bastionerr.IsNotFound(err))
	assert.Equal(t, "echo", bastionerr.FieldsOf(err)["plugin"])
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, bastionerr.Wrap(nil, bastionerr.CodeServerInternalFailure, "ignored"))
	assert.NoError(t, bastionerr.Wrapf(nil, bastionerr.CodeServerInternalFailure, "ignored %s", "arg"))
}

func TestWithAddsContextWithoutChangingCode(t *testing.T) {
	base := bastionerr.PermissionDenied("read-file", "no filesystem roots granted")
	withCtx := bastionerr.With(base, bastionerr.FieldPlugin("echo"))

	assert.Equal(t, bastionerr.CodeSandboxPermissionDenied, bastionerr.CodeOf(withCtx))
	assert.Equal(t, "echo", bastionerr.FieldsOf(withCtx)["plugin"])
	assert.Equal(t, "read-file", bastionerr.FieldsOf(withCtx)["function"])
}

func TestWithOnPlainErrorDefaultsToInternalCode(t *testing.T) {
	enriched := bastionerr.With(stderrors.New("something broke"), bastionerr.FieldFunction("log"))
	assert.Equal(t, bastionerr.CodeServerInternalFailure, bastionerr.CodeOf(enriched))
}

func TestCodeOfReturnsInnermostCodedError(t *testing.T) {
	inner := bastionerr.RateLimited("http-request")
	outer := bastionerr.Wrap(inner, bastionerr.CodePluginRuntimeCallFailure, "host call")
	assert.Equal(t, bastionerr.CodeSandboxRateLimited, bastionerr.CodeOf(outer))
}

func TestErrorIsWithWrappedChain(t *testing.T) {
	sentinel := stderrors.New("root cause")
	outer := bastionerr.Wrap(fmt.Errorf("mid: %w", sentinel), bastionerr.CodeServerInternalFailure, "handler")
	assert.ErrorIs(t, outer, sentinel)
}

// ---------------------------------------------------------------------------
// Sandbox taxonomy
// ---------------------------------------------------------------------------

func TestSandboxTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   bastionerr.Code
		fields map[string]any
		policy bool
		status int
	}{
		{
			name:   "permission denied",
			err:    bastionerr.PermissionDenied("http-request", "host evil.com is not in the network allowlist"),
			code:   bastionerr.CodeSandboxPermissionDenied,
			fields: map[string]any{"function": "http-request", "reason": "host evil.com is not in the network allowlist"},
			policy: true,
			status: http.StatusForbidden,
		},
		{
			name:   "network policy violation",
			err:    bastionerr.NetworkPolicyViolation("http://169.254.169.254/", "link-local address"),
			code:   bastionerr.CodeSandboxNetworkDenied,
			fields: map[string]any{"url": "http://169.254.169.254/", "reason": "link-local address"},
			policy: true,
			status: http.StatusForbidden,
		},
		{
			name:   "path traversal",
			err:    bastionerr.PathTraversal("/sandbox/data/../../etc/passwd", "outside allowed roots"),
			code:   bastionerr.CodeSandboxPathTraversal,
			fields: map[string]any{"path": "/sandbox/data/../../etc/passwd"},
			policy: true,
			status: http.StatusForbidden,
		},
		{
			name:   "rate limited",
			err:    bastionerr.RateLimited("write-file"),
			code:   bastionerr.CodeSandboxRateLimited,
			fields: map[string]any{"function": "write-file"},
			policy: true,
			status: http.StatusTooManyRequests,
		},
		{
			name:   "fuel exhausted",
			err:    bastionerr.ResourceExhausted(bastionerr.ResourceFuel, "budget 1000000"),
			code:   bastionerr.CodeSandboxResourceExhausted,
			fields: map[string]any{"kind": "fuel"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "timeout exhausted",
			err:    bastionerr.ResourceExhausted(bastionerr.ResourceTimeout, "30s"),
			code:   bastionerr.CodeSandboxResourceExhausted,
			fields: map[string]any{"kind": "timeout"},
			status: http.StatusGatewayTimeout,
		},
		{
			name:   "signature invalid",
			err:    bastionerr.SignatureInvalid("no trusted key matched"),
			code:   bastionerr.CodePluginSignatureInvalid,
			fields: map[string]any{"reason": "no trusted key matched"},
			status: http.StatusForbidden,
		},
		{
			name:   "schema invalid",
			err:    bastionerr.SchemaInvalid("/permissions: additional properties 'shell' not allowed"),
			code:   bastionerr.CodePluginManifestSchemaInvalid,
			fields: map[string]any{"detail": "/permissions: additional properties 'shell' not allowed"},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, tt.code, bastionerr.CodeOf(tt.err))
			fields := bastionerr.FieldsOf(tt.err)
			for k, v := range tt.fields {
				assert.Equal(t, v, fields[k], "field %s", k)
			}
			assert.Equal(t, tt.policy, bastionerr.IsPolicyViolation(tt.err))
			assert.Equal(t, tt.status, bastionerr.HTTPStatus(tt.err))
		})
	}
}

func TestResourceKindOf(t *testing.T) {
	assert.Equal(t, bastionerr.ResourceFuel, bastionerr.ResourceKindOf(bastionerr.ResourceExhausted(bastionerr.ResourceFuel, "x")))
	assert.Equal(t, bastionerr.ResourceMemory,
		bastionerr.ResourceKindOf(bastionerr.Wrap(
			bastionerr.ResourceExhausted(bastionerr.ResourceMemory, "x"),
			bastionerr.CodePluginRuntimeCallFailure, "invoke")))
	assert.Equal(t, bastionerr.ResourceKind(""), bastionerr.ResourceKindOf(bastionerr.RateLimited("log")))
	assert.Equal(t, bastionerr.ResourceKind(""), bastionerr.ResourceKindOf(nil))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "scheme file is not allowed", bastionerr.ReasonOf(bastionerr.NetworkPolicyViolation("file:///etc", "scheme file is not allowed")))
	assert.Empty(t, bastionerr.ReasonOf(stderrors.New("plain")))
}

// ---------------------------------------------------------------------------
// Classification helpers
// ---------------------------------------------------------------------------

func TestClassificationAndStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		code   bastionerr.Code
		status int
		check  func(error) bool
	}{
		{name: "entity not found", code: bastionerr.CodeStoreEntityNotFound, status: 404, check: bastionerr.IsNotFound},
		{name: "plugin not found", code: bastionerr.CodePluginNotFound, status: 404, check: bastionerr.IsNotFound},
		{name: "store conflict", code: bastionerr.CodeStoreConflict, status: 409, check: bastionerr.IsConflict},
		{name: "invalid value", code: bastionerr.CodeConfigValidateInvalidValue, status: 400, check: bastionerr.IsInvalidInput},
		{name: "manifest invalid", code: bastionerr.CodePluginManifestValidateInvalid, status: 400, check: bastionerr.IsInvalidInput},
		{name: "approval denied", code: bastionerr.CodePluginApprovalDenied, status: 403, check: bastionerr.IsUnauthorized},
		{name: "install too large", code: bastionerr.CodePluginInstallSizeExceeded, status: 413, check: bastionerr.IsExhausted},
		{name: "upstream failure", code: bastionerr.CodeSandboxUpstreamFailure, status: 502, check: bastionerr.IsUpstreamFailure},
		{name: "rate limited", code: bastionerr.CodeSandboxRateLimited, status: 429, check: bastionerr.IsExhausted},
		{name: "api request invalid", code: bastionerr.CodeServerRequestInvalid, status: 400, check: bastionerr.IsInvalidInput},
		{name: "not implemented", code: bastionerr.CodeServerNotImplemented, status: 501, check: func(_ error) bool { return true }},
		{name: "internal", code: bastionerr.CodeServerInternalFailure, status: 500, check: func(err error) bool { return !bastionerr.IsNotFound(err) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bastionerr.New(tt.code, "boom")
			assert.Equal(t, tt.status, bastionerr.HTTPStatus(err))
			assert.True(t, tt.check(err))
		})
	}
}

func TestClassificationOnNilAndPlainErrors(t *testing.T) {
	for _, err := range []error{nil, stderrors.New("plain")} {
		assert.False(t, bastionerr.IsNotFound(err))
		assert.False(t, bastionerr.IsConflict(err))
		assert.False(t, bastionerr.IsInvalidInput(err))
		assert.False(t, bastionerr.IsUnauthorized(err))
		assert.False(t, bastionerr.IsExhausted(err))
		assert.False(t, bastionerr.IsPolicyViolation(err))
		assert.Equal(t, http.StatusInternalServerError, bastionerr.HTTPStatus(err))
	}
}

func TestJoinCombinesErrors(t *testing.T) {
	a := stderrors.New("first")
	b := stderrors.New("second")
	joined := bastionerr.Join(a, b)

	require.Error(t, joined)
	assert.ErrorIs(t, joined, a)
	assert.ErrorIs(t, joined, b)
	assert.Equal(t, bastionerr.CodeServerInternalFailure, bastionerr.CodeOf(joined))
}
