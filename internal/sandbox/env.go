// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"context"
	"os"
	"slices"
	"strings"

	"github.com/sigil-dev/bastion/pkg/plugin"
)

// implicitDeny lists substrings that hide a variable unless the user released
// it at approval time. Matching is case-insensitive.
var implicitDeny = []string{
	"SECRET",
	"PASSWORD",
	"PASSWD",
	"TOKEN",
	"APIKEY",
	"API_KEY",
	"PRIVATE_KEY",
	"CREDENTIAL",
}

var osLookupEnv = os.LookupEnv

// IsSensitiveEnvName reports whether name matches an implicit-deny pattern.
func IsSensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, pat := range implicitDeny {
		if strings.Contains(upper, pat) {
			return true
		}
	}
	return false
}

// SensitiveEnvNames returns the requested names that need explicit release.
func SensitiveEnvNames(names []string) []string {
	var out []string
	for _, n := range names {
		if IsSensitiveEnvName(n) {
			out = append(out, n)
		}
	}
	return out
}

type envGuard struct {
	allowed map[string]struct{}
	lookup  func(string) (string, bool)
}

func newEnvGuard(names, released []string, lookup func(string) (string, bool)) *envGuard {
	g := &envGuard{allowed: make(map[string]struct{}, len(names)), lookup: lookup}
	for _, n := range names {
		if IsSensitiveEnvName(n) && !slices.Contains(released, n) {
			continue
		}
		g.allowed[n] = struct{}{}
	}
	return g
}

func (g *envGuard) names() []string {
	out := make([]string, 0, len(g.allowed))
	for n := range g.allowed {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// EnvOperation is a get_env lookup. A denied lookup is still an operation:
// it yields the same absent result as an unset variable.
type EnvOperation struct {
	sandbox *Sandbox
	name    string
	visible bool
}

// ValidateGetEnv decides whether name is visible. Denials are audited but
// never surface as errors.
func (s *Sandbox) ValidateGetEnv(ctx context.Context, req plugin.GetEnvRequest) *EnvOperation {
	op := &EnvOperation{sandbox: s, name: req.Name}
	details := map[string]any{"name": req.Name}

	if err := req.Validate(); err != nil {
		s.audit.Deny(ctx, s.pluginID, GetEnv.String(), "invalid variable name", details)
		return op
	}
	if _, ok := s.env.allowed[req.Name]; !ok {
		reason := "variable is not in the env allowlist"
		if IsSensitiveEnvName(req.Name) {
			reason = "variable matches an implicit deny pattern"
		}
		s.audit.Deny(ctx, s.pluginID, GetEnv.String(), reason, details)
		return op
	}
	if err := s.checkRate(ctx, GetEnv); err != nil {
		_ = s.deny(ctx, GetEnv, err, details)
		return op
	}
	op.visible = true
	return op
}

// Execute returns the value, or an absent result.
func (op *EnvOperation) Execute(ctx context.Context) *plugin.GetEnvResponse {
	if !op.visible {
		return &plugin.GetEnvResponse{}
	}
	s := op.sandbox
	value, ok := s.env.lookup(op.name)
	if err := s.allow(ctx, GetEnv, "variable read", map[string]any{"name": op.name, "present": ok}); err != nil {
		return &plugin.GetEnvResponse{}
	}
	if !ok {
		return &plugin.GetEnvResponse{}
	}
	return &plugin.GetEnvResponse{Value: &value}
}

// GetEnv validates and executes a lookup in one step.
func (s *Sandbox) GetEnv(ctx context.Context, name string) (string, bool) {
	resp := s.ValidateGetEnv(ctx, plugin.GetEnvRequest{Name: name}).Execute(ctx)
	if resp.Value == nil {
		return "", false
	}
	return *resp.Value, true
}
