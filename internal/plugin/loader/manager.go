// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package loader keeps approved plugins loaded and hot-reloads them by
// drain-and-swap.
package loader

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	"github.com/sigil-dev/bastion/internal/plugin/wasm"
	"github.com/sigil-dev/bastion/internal/sandbox"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const (
	// DefaultDrainTimeout bounds how long a replaced instance may finish
	// in-flight calls before it is closed.
	DefaultDrainTimeout = 30 * time.Second
	defaultParallelism  = 4
)

// Status is a snapshot of one loaded plugin.
type Status struct {
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	State      plugin.PluginState `json:"state"`
	LoadedAt   time.Time          `json:"loaded_at"`
	InFlight   int64              `json:"in_flight"`
	Exports    []string           `json:"exports"`
	Limits     sandbox.Limits     `json:"limits"`
	Network    []string           `json:"network"`
	Filesystem []string           `json:"filesystem"`
	Env        []string           `json:"env"`
	Elevated   bool               `json:"elevated"`
}

type loaded struct {
	instance *plugin.Instance
	manifest *plugin.Manifest
	sandbox  *sandbox.Sandbox
	host     *wasm.Host
	elevated bool
	loadedAt time.Time

	inflight sync.WaitGroup
	count    atomic.Int64
}

func (l *loaded) status() Status {
	return Status{
		Name:       l.manifest.Name,
		Version:    l.manifest.Version,
		State:      l.instance.State(),
		LoadedAt:   l.loadedAt,
		InFlight:   l.count.Load(),
		Exports:    l.host.Exports(),
		Limits:     l.sandbox.Limits(),
		Network:    l.sandbox.NetworkAllowSet(),
		Filesystem: l.sandbox.FilesystemRoots(),
		Env:        l.sandbox.EnvAllowSet(),
		Elevated:   l.elevated,
	}
}

// Manager owns the running plugin instances.
type Manager struct {
	validator    *lifecycle.Validator
	deps         sandbox.Deps
	hostOpts     []wasm.Option
	drainTimeout time.Duration
	parallelism  int

	mu      sync.RWMutex
	plugins map[string]*loaded

	drains sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.drainTimeout = d
	}
}

// WithHostOptions passes options to every wasm host.
func WithHostOptions(opts ...wasm.Option) Option {
	return func(m *Manager) {
		m.hostOpts = append(m.hostOpts, opts...)
	}
}

// WithParallelism bounds concurrent loads in LoadAll.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// NewManager returns a manager that builds sandboxes with deps.
func NewManager(validator *lifecycle.Validator, deps sandbox.Deps, opts ...Option) *Manager {
	m := &Manager{
		validator:    validator,
		deps:         deps,
		drainTimeout: DefaultDrainTimeout,
		parallelism:  defaultParallelism,
		plugins:      make(map[string]*loaded),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LoadAll loads every installed plugin that has a current approval.
// Plugins awaiting approval are skipped; other failures are returned
// together after every plugin has been tried.
func (m *Manager) LoadAll(ctx context.Context) ([]string, error) {
	pkgs, err := m.validator.Catalog().Discover(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		names  []string
		failed []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, pkg := range pkgs {
		name := pkg.Name()
		g.Go(func() error {
			_, err := m.Load(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				names = append(names, name)
			case bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired):
				slog.Warn("plugin awaiting approval, not loaded", "plugin", name)
			default:
				slog.Error("loading plugin", "plugin", name, "error", err)
				failed = append(failed, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(names)
	return names, bastionerr.Join(failed...)
}

// Load builds a fresh instance of an installed plugin from its stored grant
// and swaps it in. A previous instance drains in the background.
func (m *Manager) Load(ctx context.Context, name string) (Status, error) {
	grant, err := m.validator.Grant(ctx, name)
	if err != nil {
		return Status{}, err
	}
	pkg, err := m.validator.Catalog().Load(name)
	if err != nil {
		return Status{}, err
	}

	sb, err := sandbox.FromManifest(pkg.Manifest, grant, m.deps)
	if err != nil {
		return Status{}, err
	}
	host, err := wasm.NewHost(ctx, sb, pkg.Module, m.hostOpts...)
	if err != nil {
		return Status{}, err
	}
	for _, export := range pkg.Manifest.Exports {
		if !host.HasExport(export) {
			_ = host.Close(ctx)
			return Status{}, bastionerr.Errorf(bastionerr.CodePluginRuntimeExportNotFound,
				"plugin %s declares export %q the module does not provide", name, export)
		}
	}

	next := &loaded{
		instance: plugin.NewInstance(name, plugin.StateApproved),
		manifest: pkg.Manifest,
		sandbox:  sb,
		host:     host,
		elevated: grant.Elevated,
		loadedAt: time.Now().UTC(),
	}
	if err := next.instance.TransitionTo(plugin.StateRunning); err != nil {
		_ = host.Close(ctx)
		return Status{}, err
	}

	m.mu.Lock()
	prev := m.plugins[name]
	m.plugins[name] = next
	m.mu.Unlock()

	if prev != nil {
		m.retire(prev)
		slog.Info("plugin reloaded", "plugin", name,
			"from", prev.manifest.Version, "to", next.manifest.Version)
	} else {
		slog.Info("plugin loaded", "plugin", name, "version", next.manifest.Version)
	}
	return next.status(), nil
}

// Reload is Load for a plugin that is already running.
func (m *Manager) Reload(ctx context.Context, name string) (Status, error) {
	if _, err := m.Get(name); err != nil {
		return Status{}, err
	}
	return m.Load(ctx, name)
}

// Unload stops routing calls to a plugin and drains it.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	prev, ok := m.plugins[name]
	delete(m.plugins, name)
	m.mu.Unlock()
	if !ok {
		return bastionerr.Errorf(bastionerr.CodePluginNotFound, "plugin %q is not loaded", name)
	}
	m.retire(prev)
	return nil
}

// retire moves an instance to draining and closes it once its in-flight
// calls finish or the drain timeout passes.
func (m *Manager) retire(l *loaded) {
	if err := l.instance.TransitionTo(plugin.StateDraining); err != nil {
		slog.Warn("retiring plugin", "plugin", l.manifest.Name, "error", err)
	}
	m.drains.Add(1)
	go func() {
		defer m.drains.Done()

		done := make(chan struct{})
		go func() {
			l.inflight.Wait()
			close(done)
		}()
		timer := time.NewTimer(m.drainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			slog.Warn("drain timeout, closing plugin with calls in flight",
				"plugin", l.manifest.Name, "in_flight", l.count.Load())
		}

		if err := l.host.Close(context.Background()); err != nil {
			slog.Warn("closing plugin host", "plugin", l.manifest.Name, "error", err)
		}
		if err := l.instance.TransitionTo(plugin.StateUnloaded); err != nil {
			slog.Warn("retiring plugin", "plugin", l.manifest.Name, "error", err)
		}
	}()
}

// acquire returns the running instance and counts the caller in flight.
// Callers must call release.
func (m *Manager) acquire(name string) (*loaded, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.plugins[name]
	if !ok {
		return nil, bastionerr.Errorf(bastionerr.CodePluginNotFound, "plugin %q is not loaded", name)
	}
	if l.instance.State() != plugin.StateRunning {
		return nil, bastionerr.Errorf(bastionerr.CodePluginUnavailable, "plugin %q is %s", name, l.instance.State())
	}
	l.inflight.Add(1)
	l.count.Add(1)
	return l, nil
}

func (l *loaded) release() {
	l.count.Add(-1)
	l.inflight.Done()
}

// Invoke calls a JSON export of a running plugin.
func (m *Manager) Invoke(ctx context.Context, name, export string, input []byte) ([]byte, error) {
	l, err := m.acquire(name)
	if err != nil {
		return nil, err
	}
	defer l.release()
	return l.host.Invoke(ctx, export, input)
}

// Call invokes a numeric export of a running plugin.
func (m *Manager) Call(ctx context.Context, name, export string, params ...uint64) ([]uint64, error) {
	l, err := m.acquire(name)
	if err != nil {
		return nil, err
	}
	defer l.release()
	return l.host.Call(ctx, export, params...)
}

// Get returns the status of a loaded plugin.
func (m *Manager) Get(name string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.plugins[name]
	if !ok {
		return Status{}, bastionerr.Errorf(bastionerr.CodePluginNotFound, "plugin %q is not loaded", name)
	}
	return l.status(), nil
}

// List returns every loaded plugin sorted by name.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.plugins))
	for _, l := range m.plugins {
		out = append(out, l.status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close unloads every plugin and waits for the drains to finish or ctx to
// end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := m.plugins
	m.plugins = make(map[string]*loaded)
	m.mu.Unlock()
	for _, l := range all {
		m.retire(l)
	}

	done := make(chan struct{})
	go func() {
		m.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
