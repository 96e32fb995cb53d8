// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package sandbox mediates every call a plugin makes to the outside world.
//
// A Sandbox is built once per loaded plugin from its manifest and approval
// grant and never changes afterwards. Each host function has a validator that
// either returns a ready operation or a typed denial, and an executor that
// performs the operation. Both decisions are written to the audit log.
package sandbox

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/bastion/internal/audit"
	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/ratelimit"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const tracerName = "github.com/sigil-dev/bastion/internal/sandbox"

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Deps are the host services a sandbox is built with.
type Deps struct {
	// Audit receives every decision. Required.
	Audit *audit.Log
	// Rates builds per-function counters. Defaults to in-memory windows.
	Rates ratelimit.Factory
	// RateSpecs overrides DefaultRateSpecs per function.
	RateSpecs map[HostFunction]ratelimit.Spec
	// Defaults is the host budget manifests override. Zero means DefaultLimits.
	Defaults Limits
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Dialer defaults to a net.Dialer with a 10s timeout.
	Dialer Dialer
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Logger receives guest log output. Defaults to slog.Default().
	Logger *slog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Sandbox is the resolved, immutable policy state of one plugin instance.
type Sandbox struct {
	pluginID string
	limits   Limits
	network  *networkGuard
	paths    *pathGuard
	env      *envGuard
	logs     *logLimiter
	counters [hostFunctionCount]ratelimit.Counter
	audit    *audit.Log
	tracer   trace.Tracer
}

// FromManifest builds the sandbox for m with the permissions in grant.
// Filesystem roots that cannot be resolved are dropped with a warning and
// never granted.
func FromManifest(m *plugin.Manifest, grant plugin.Grant, deps Deps) (*Sandbox, error) {
	if m == nil {
		return nil, bastionerr.New(bastionerr.CodeSandboxSetupFailure, "manifest must not be nil")
	}
	if deps.Audit == nil {
		return nil, bastionerr.New(bastionerr.CodeSandboxSetupFailure, "audit log is required",
			bastionerr.FieldPlugin(m.Name))
	}
	deps = withDefaults(deps)

	defaults := deps.Defaults
	if defaults == (Limits{}) {
		defaults = DefaultLimits()
	}

	perms := grant.Permissions.Normalize()
	s := &Sandbox{
		pluginID: m.Name,
		limits:   ResolveLimits(defaults, m.Resources),
		audit:    deps.Audit,
		tracer:   deps.TracerProvider.Tracer(tracerName),
	}

	specs := DefaultRateSpecs()
	for fn, spec := range deps.RateSpecs {
		specs[fn] = spec
	}
	for _, fn := range HostFunctions() {
		s.counters[fn] = deps.Rates(m.Name, fn.String(), specs[fn])
	}

	s.network = newNetworkGuard(perms.Network, deps.Resolver, deps.Dialer)
	s.paths = newPathGuard(m.Name, perms.Filesystem)
	s.env = newEnvGuard(perms.Env, grant.SensitiveEnv, deps.LookupEnv)
	s.logs = newLogLimiter(deps.Logger, m.Name)

	return s, nil
}

func withDefaults(deps Deps) Deps {
	if deps.Rates == nil {
		deps.Rates = ratelimit.MemoryFactory()
	}
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	if deps.LookupEnv == nil {
		deps.LookupEnv = osLookupEnv
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}
	return deps
}

// PluginID returns the plugin this sandbox belongs to.
func (s *Sandbox) PluginID() string { return s.pluginID }

// Limits returns the per-invocation execution budget.
func (s *Sandbox) Limits() Limits { return s.limits }

// NetworkAllowSet returns the allowed host patterns, sorted.
func (s *Sandbox) NetworkAllowSet() []string { return s.network.patterns() }

// FilesystemRoots returns the canonical filesystem roots, sorted.
func (s *Sandbox) FilesystemRoots() []string { return s.paths.canonicalRoots() }

// EnvAllowSet returns the visible variable names, sorted.
func (s *Sandbox) EnvAllowSet() []string { return s.env.names() }

// checkRate consumes one call from fn's window. Counter failures deny.
func (s *Sandbox) checkRate(ctx context.Context, fn HostFunction) error {
	ok, err := s.counters[fn].Allow(ctx)
	if err != nil {
		slog.Warn("rate counter unavailable, denying call",
			"plugin", s.pluginID, "function", fn.String(), "error", err)
		return bastionerr.Wrap(err, bastionerr.CodeSandboxRateLimited, "rate counter unavailable",
			bastionerr.FieldFunction(fn.String()), bastionerr.FieldReason("rate counter unavailable"))
	}
	if !ok {
		return bastionerr.RateLimited(fn.String())
	}
	return nil
}

// deny audits a denial and returns err unchanged.
func (s *Sandbox) deny(ctx context.Context, fn HostFunction, err error, details map[string]any) error {
	reason := bastionerr.ReasonOf(err)
	if reason == "" {
		reason = err.Error()
	}
	if details == nil {
		details = map[string]any{}
	}
	details["code"] = string(bastionerr.CodeOf(err))
	s.audit.Deny(ctx, s.pluginID, fn.String(), reason, details)
	return err
}

// allow audits a completed call. In fail-closed mode a sink failure is
// returned and the result must be discarded.
func (s *Sandbox) allow(ctx context.Context, fn HostFunction, reason string, details map[string]any) error {
	return s.audit.Allow(ctx, s.pluginID, fn.String(), reason, details)
}

// failed audits an allowed call whose execution failed and returns err.
func (s *Sandbox) failed(ctx context.Context, fn HostFunction, err error, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = err.Error()
	_ = s.audit.Allow(ctx, s.pluginID, fn.String(), "execution failed", details)
	return err
}
