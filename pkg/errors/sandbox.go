// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import "fmt"

// ResourceKind identifies which execution budget an invocation ran out of.
type ResourceKind string

const (
	ResourceFuel    ResourceKind = "fuel"
	ResourceMemory  ResourceKind = "memory"
	ResourceTimeout ResourceKind = "timeout"
)

// Field keys carried by sandbox policy errors.
const (
	FieldKeyFunction = "function"
	FieldKeyReason   = "reason"
	FieldKeyURL      = "url"
	FieldKeyPath     = "path"
	FieldKeyKind     = "kind"
	FieldKeyDetail   = "detail"
)

// PermissionDenied reports a host-function call outside the plugin's granted permissions.
func PermissionDenied(function, reason string) error {
	return New(CodeSandboxPermissionDenied,
		fmt.Sprintf("%s denied: %s", function, reason),
		Field(FieldKeyFunction, function),
		Field(FieldKeyReason, reason),
	)
}

// NetworkPolicyViolation reports a request blocked by scheme or address policy.
func NetworkPolicyViolation(url, reason string) error {
	return New(CodeSandboxNetworkDenied,
		fmt.Sprintf("network policy violation for %q: %s", url, reason),
		Field(FieldKeyURL, url),
		Field(FieldKeyReason, reason),
	)
}

// PathTraversal reports a filesystem path that resolves outside every allowed root.
func PathTraversal(path, reason string) error {
	return New(CodeSandboxPathTraversal,
		fmt.Sprintf("path %q escapes the sandbox: %s", path, reason),
		Field(FieldKeyPath, path),
		Field(FieldKeyReason, reason),
	)
}

// ResourceExhausted reports that one invocation exceeded its fuel, memory or time budget.
func ResourceExhausted(kind ResourceKind, detail string) error {
	return New(CodeSandboxResourceExhausted,
		fmt.Sprintf("%s budget exhausted: %s", kind, detail),
		Field(FieldKeyKind, string(kind)),
		Field(FieldKeyDetail, detail),
	)
}

// RateLimited reports a call rejected by the per-function rate window.
func RateLimited(function string) error {
	return New(CodeSandboxRateLimited,
		fmt.Sprintf("%s rate limit exceeded", function),
		Field(FieldKeyFunction, function),
	)
}

// SignatureInvalid reports a missing or unverifiable package signature.
func SignatureInvalid(reason string) error {
	return New(CodePluginSignatureInvalid,
		"signature invalid: "+reason,
		Field(FieldKeyReason, reason),
	)
}

// SchemaInvalid reports a manifest that does not satisfy the manifest schema.
func SchemaInvalid(detail string) error {
	return New(CodePluginManifestSchemaInvalid,
		"manifest schema invalid: "+detail,
		Field(FieldKeyDetail, detail),
	)
}

// ResourceKindOf returns the exhausted resource kind carried by err, or "" if
// err is not a ResourceExhausted error.
func ResourceKindOf(err error) ResourceKind {
	if !HasCode(err, CodeSandboxResourceExhausted) {
		return ""
	}
	kind, _ := FieldsOf(err)[FieldKeyKind].(string)
	return ResourceKind(kind)
}

// ReasonOf returns the reason field attached to a policy error.
func ReasonOf(err error) string {
	r, _ := FieldsOf(err)[FieldKeyReason].(string)
	return r
}

// IsPolicyViolation reports whether err is a per-call denial that is returned
// to the guest rather than aborting the invocation.
func IsPolicyViolation(err error) bool {
	switch CodeOf(err) {
	case CodeSandboxPermissionDenied, CodeSandboxNetworkDenied,
		CodeSandboxPathTraversal, CodeSandboxRateLimited:
		return true
	}
	return false
}
