// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package lifecycle gates plugin installs and first-run approvals: size and
// schema checks, the signature policy per install source, downgrade
// detection and persisted permission grants.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/sandbox"
	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// ApprovalRequest is what the user is asked to approve on first run.
type ApprovalRequest struct {
	Manifest  *plugin.Manifest
	Requested plugin.Permissions
	// Elevated plugins get Minimal unless the user broadens the grant.
	Elevated bool
	Minimal  plugin.Permissions
	// SensitiveEnv lists requested variables that stay hidden unless
	// released explicitly.
	SensitiveEnv []string
	// Previous is the approval invalidated by a permission change, if any.
	Previous *store.Approval
}

// ApprovalDecision is the user's answer.
type ApprovalDecision struct {
	Approved bool
	// Broaden grants an elevated plugin everything it requested.
	Broaden      bool
	SensitiveEnv []string
	DecidedBy    string
}

// Prompter asks a human. A nil Prompter means no one can be asked.
type Prompter interface {
	ConfirmUnsigned(ctx context.Context, name string, src plugin.Source) (bool, error)
	Approve(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// InstallOptions relax the install policy.
type InstallOptions struct {
	// AllowUnsigned accepts unsigned URL and local installs without asking.
	// Registry installs always need a valid signature.
	AllowUnsigned  bool
	AllowDowngrade bool
}

// InstallResult describes a completed install.
type InstallResult struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Previous string `json:"previous,omitempty"`
	SignedBy string `json:"signed_by,omitempty"`
	// ApprovalCleared is set when an upgrade changed the requested
	// permissions and the stored approval was dropped.
	ApprovalCleared bool `json:"approval_cleared,omitempty"`
}

// Validator applies the install and approval policy.
type Validator struct {
	catalog   *plugin.Catalog
	approvals store.ApprovalStore
	trust     *TrustStore
	prompter  Prompter
	now       func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithPrompter enables interactive confirmation and approval.
func WithPrompter(p Prompter) Option {
	return func(v *Validator) {
		v.prompter = p
	}
}

// WithClock overrides the decision timestamp source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator returns a validator over the catalog and approval store.
func NewValidator(catalog *plugin.Catalog, approvals store.ApprovalStore, trust *TrustStore, opts ...Option) *Validator {
	if trust == nil {
		trust = NewTrustStore()
	}
	v := &Validator{
		catalog:   catalog,
		approvals: approvals,
		trust:     trust,
		now:       time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Catalog returns the install store.
func (v *Validator) Catalog() *plugin.Catalog {
	return v.catalog
}

// Install validates pkg and writes it to the catalog. Nothing is written
// unless every check passes.
func (v *Validator) Install(ctx context.Context, pkg *plugin.Package, opts InstallOptions) (*InstallResult, error) {
	module, err := DecodeModule(pkg.Module)
	if err != nil {
		return nil, err
	}
	if err := CheckSize(module); err != nil {
		return nil, err
	}

	m, err := plugin.ParseManifest(pkg.ManifestRaw)
	if err != nil {
		return nil, err
	}
	staged := &plugin.Package{
		Manifest:    m,
		ManifestRaw: pkg.ManifestRaw,
		Module:      module,
		Signature:   pkg.Signature,
		Source:      pkg.Source,
	}

	res := &InstallResult{Name: m.Name, Version: m.Version}
	if res.SignedBy, err = v.checkSource(ctx, staged, opts); err != nil {
		return nil, err
	}

	prev, err := v.catalog.Load(m.Name)
	switch {
	case err == nil:
		res.Previous = prev.Manifest.Version
		if err := checkUpgrade(prev.Manifest, m, opts.AllowDowngrade); err != nil {
			return nil, err
		}
	case bastionerr.HasCode(err, bastionerr.CodePluginNotFound):
	default:
		slog.Warn("replacing unreadable install", "plugin", m.Name, "error", err)
	}

	if err := v.catalog.Save(staged); err != nil {
		return nil, err
	}

	if prev != nil && prev.Manifest.Permissions.Digest() != m.Permissions.Digest() {
		if err := v.approvals.Delete(ctx, m.Name); err != nil && !bastionerr.IsNotFound(err) {
			return nil, err
		}
		res.ApprovalCleared = true
	}

	slog.Info("plugin installed",
		"plugin", m.Name,
		"version", m.Version,
		"source", staged.Source.String(),
		"signed", res.SignedBy != "")
	return res, nil
}

// checkSource applies the signature policy of the install source and
// returns the matching key source when signed.
func (v *Validator) checkSource(ctx context.Context, pkg *plugin.Package, opts InstallOptions) (string, error) {
	if pkg.Source.Kind == plugin.SourceRegistry || len(pkg.Signature) > 0 {
		return v.trust.Verify(pkg)
	}
	if opts.AllowUnsigned {
		return "", nil
	}
	if v.prompter != nil {
		ok, err := v.prompter.ConfirmUnsigned(ctx, pkg.Name(), pkg.Source)
		if err != nil {
			return "", bastionerr.Wrap(err, bastionerr.CodePluginInstallSourceDenied, "confirming unsigned install")
		}
		if ok {
			return "", nil
		}
	}
	return "", bastionerr.New(bastionerr.CodePluginInstallSourceDenied,
		"unsigned install from "+string(pkg.Source.Kind)+" source was not confirmed",
		bastionerr.FieldPlugin(pkg.Name()))
}

func checkUpgrade(prev, next *plugin.Manifest, allowDowngrade bool) error {
	pv, err := prev.SemVer()
	if err != nil {
		return nil // an unparsable installed version never blocks a reinstall
	}
	nv, err := next.SemVer()
	if err != nil {
		return err
	}
	if nv.LessThan(pv) && !allowDowngrade {
		return bastionerr.New(bastionerr.CodePluginInstallDowngradeDenied,
			"refusing to downgrade "+next.Name+" from "+prev.Version+" to "+next.Version,
			bastionerr.FieldPlugin(next.Name))
	}
	return nil
}

// Grant returns the stored grant for an installed plugin without prompting.
// A missing or stale approval is ApprovalRequired.
func (v *Validator) Grant(ctx context.Context, name string) (plugin.Grant, error) {
	pkg, err := v.catalog.Load(name)
	if err != nil {
		return plugin.Grant{}, err
	}
	a, err := v.currentApproval(ctx, pkg.Manifest)
	if err != nil {
		return plugin.Grant{}, err
	}
	if a == nil {
		return plugin.Grant{}, bastionerr.New(bastionerr.CodePluginApprovalRequired,
			"plugin "+name+" has not been approved for its current permissions",
			bastionerr.FieldPlugin(name))
	}
	return grantOf(a), nil
}

// Approve returns the stored grant or, when there is none for the current
// permissions, asks the prompter and persists the answer.
func (v *Validator) Approve(ctx context.Context, name string) (plugin.Grant, error) {
	pkg, err := v.catalog.Load(name)
	if err != nil {
		return plugin.Grant{}, err
	}
	m := pkg.Manifest

	prev, err := v.approvals.Get(ctx, name)
	if err != nil && !bastionerr.IsNotFound(err) {
		return plugin.Grant{}, err
	}
	if prev != nil && approvalCurrent(prev, m) {
		return grantOf(prev), nil
	}
	if v.prompter == nil {
		return plugin.Grant{}, bastionerr.New(bastionerr.CodePluginApprovalRequired,
			"plugin "+name+" needs approval and no prompt is available",
			bastionerr.FieldPlugin(name))
	}

	req := ApprovalRequest{
		Manifest:     m,
		Requested:    m.Permissions.Normalize(),
		Elevated:     m.RequiresElevation(),
		SensitiveEnv: sandbox.SensitiveEnvNames(m.Permissions.Env),
		Previous:     prev,
	}
	if req.Elevated {
		ws, err := v.catalog.EnsureWorkspace(name)
		if err != nil {
			return plugin.Grant{}, err
		}
		req.Minimal = plugin.MinimalPermissions(ws).Normalize()
	}

	dec, err := v.prompter.Approve(ctx, req)
	if err != nil {
		return plugin.Grant{}, bastionerr.Wrap(err, bastionerr.CodePluginApprovalDenied, "prompting for approval")
	}
	if !dec.Approved {
		return plugin.Grant{}, bastionerr.New(bastionerr.CodePluginApprovalDenied,
			"approval for "+name+" was declined", bastionerr.FieldPlugin(name))
	}

	granted := req.Requested
	if req.Elevated && !dec.Broaden {
		granted = req.Minimal
	}
	var released []string
	for _, n := range dec.SensitiveEnv {
		if slices.Contains(req.SensitiveEnv, n) && slices.Contains(granted.Env, n) {
			released = append(released, n)
		}
	}
	slices.Sort(released)

	a := &store.Approval{
		Plugin:           name,
		Version:          m.Version,
		PermissionDigest: m.Permissions.Digest(),
		Network:          granted.Network,
		Filesystem:       granted.Filesystem,
		Env:              granted.Env,
		SensitiveEnv:     released,
		Elevated:         req.Elevated,
		DecidedBy:        dec.DecidedBy,
		DecidedAt:        v.now().UTC(),
	}
	if err := v.approvals.Put(ctx, a); err != nil {
		return plugin.Grant{}, err
	}
	slog.Info("plugin approved",
		"plugin", name,
		"version", m.Version,
		"elevated", a.Elevated,
		"broadened", req.Elevated && dec.Broaden)
	return grantOf(a), nil
}

// Revoke drops the stored approval; the next run prompts again.
func (v *Validator) Revoke(ctx context.Context, name string) error {
	return v.approvals.Delete(ctx, name)
}

// Uninstall removes the package and its approval.
func (v *Validator) Uninstall(ctx context.Context, name string) error {
	if err := v.catalog.Remove(name); err != nil {
		return err
	}
	if err := v.approvals.Delete(ctx, name); err != nil && !bastionerr.IsNotFound(err) {
		return err
	}
	return nil
}

// State reports the lifecycle state of an installed, not loaded plugin.
func (v *Validator) State(ctx context.Context, name string) (plugin.PluginState, error) {
	pkg, err := v.catalog.Load(name)
	if err != nil {
		return plugin.StateUnloaded, err
	}
	a, err := v.currentApproval(ctx, pkg.Manifest)
	if err != nil {
		return plugin.StateInstalled, err
	}
	if a == nil {
		return plugin.StateInstalled, nil
	}
	return plugin.StateApproved, nil
}

// currentApproval returns the stored approval when it still matches m, or
// nil.
func (v *Validator) currentApproval(ctx context.Context, m *plugin.Manifest) (*store.Approval, error) {
	a, err := v.approvals.Get(ctx, m.Name)
	if bastionerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !approvalCurrent(a, m) {
		return nil, nil
	}
	return a, nil
}

func approvalCurrent(a *store.Approval, m *plugin.Manifest) bool {
	return a.PermissionDigest == m.Permissions.Digest() && a.Elevated == m.RequiresElevation()
}

func grantOf(a *store.Approval) plugin.Grant {
	var released []string
	if len(a.SensitiveEnv) > 0 {
		released = slices.Clone(a.SensitiveEnv)
	}
	return plugin.Grant{
		Permissions: plugin.Permissions{
			Network:    a.Network,
			Filesystem: a.Filesystem,
			Env:        a.Env,
		}.Normalize(),
		SensitiveEnv: released,
		Elevated:     a.Elevated,
	}
}
