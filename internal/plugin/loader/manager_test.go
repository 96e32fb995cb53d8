// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loader_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/bastion/internal/audit"
	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/sandbox"
	"github.com/sigil-dev/bastion/internal/store/sqlite"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// calcModule exports add(i32, i32) i32 and loop(), which never returns.
var calcModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x07, 0x0e, 0x02, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00, 0x04, 0x6c, 0x6f, 0x6f, 0x70, 0x00, 0x01,
	0x0a, 0x11, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

type fixture struct {
	validator *lifecycle.Validator
	manager   *loader.Manager
}

func newFixture(t *testing.T, opts ...loader.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlite.NewStore(filepath.Join(dir, "bastion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	catalog := plugin.NewCatalog(filepath.Join(dir, "plugins"), filepath.Join(dir, "workspaces"))
	v := lifecycle.NewValidator(catalog, st.Approvals(), nil,
		lifecycle.WithPrompter(lifecycle.AssumeYes{By: "test"}))
	m := loader.NewManager(v, sandbox.Deps{Audit: audit.NewLog(audit.NewMemorySink())}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &fixture{validator: v, manager: m}
}

func (f *fixture) install(t *testing.T, name, version string, approve bool, extra ...string) {
	t.Helper()
	raw := fmt.Appendf(nil, "name: %s\nversion: %s\n%s", name, version, strings.Join(extra, "\n"))
	_, err := f.validator.Install(context.Background(), &plugin.Package{
		ManifestRaw: raw,
		Module:      calcModule,
		Source:      plugin.Source{Kind: plugin.SourceLocal, Ref: "/src/" + name},
	}, lifecycle.InstallOptions{AllowUnsigned: true})
	require.NoError(t, err)
	if approve {
		_, err = f.validator.Approve(context.Background(), name)
		require.NoError(t, err)
	}
}

func TestManager_LoadAndCall(t *testing.T) {
	f := newFixture(t)
	f.install(t, "calc", "1.0.0", true, "exports: [add, loop]")

	st, err := f.manager.Load(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, st.State)
	assert.Equal(t, []string{"add", "loop"}, st.Exports)
	assert.Equal(t, sandbox.DefaultLimits(), st.Limits)

	res, err := f.manager.Call(context.Background(), "calc", "add", 19, 23)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res[0])
}

func TestManager_LoadRequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.install(t, "calc", "1.0.0", false)

	_, err := f.manager.Load(context.Background(), "calc")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired))
}

func TestManager_DeclaredExportMissing(t *testing.T) {
	f := newFixture(t)
	f.install(t, "calc", "1.0.0", true, "exports: [multiply]")

	_, err := f.manager.Load(context.Background(), "calc")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginRuntimeExportNotFound))
	_, err = f.manager.Get("calc")
	assert.True(t, bastionerr.IsNotFound(err))
}

func TestManager_LoadAll(t *testing.T) {
	f := newFixture(t, loader.WithParallelism(2))
	f.install(t, "alpha", "1.0.0", true)
	f.install(t, "beta", "1.0.0", true)
	f.install(t, "pending", "1.0.0", false)

	names, err := f.manager.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	list := f.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)
}

func TestManager_ReloadDrainsOldInstance(t *testing.T) {
	f := newFixture(t)
	f.install(t, "calc", "1.0.0", true, "resources:", "  max_wall_clock_secs: 1")
	ctx := context.Background()
	_, err := f.manager.Load(ctx, "calc")
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() {
		_, err := f.manager.Call(ctx, "calc", "loop")
		slow <- err
	}()
	require.Eventually(t, func() bool {
		st, err := f.manager.Get("calc")
		return err == nil && st.InFlight == 1
	}, 5*time.Second, 5*time.Millisecond)

	f.install(t, "calc", "1.1.0", false, "resources:", "  max_wall_clock_secs: 1")
	st, err := f.manager.Reload(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", st.Version)
	assert.Zero(t, st.InFlight)

	start := time.Now()
	res, err := f.manager.Call(ctx, "calc", "add", 1, 2)
	require.NoError(t, err, "the new instance takes calls while the old one drains")
	assert.Equal(t, uint64(3), res[0])
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case err := <-slow:
		assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxResourceExhausted), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("old invocation never finished")
	}
}

func TestManager_DrainTimeoutClosesOldInstance(t *testing.T) {
	f := newFixture(t, loader.WithDrainTimeout(50*time.Millisecond))
	f.install(t, "calc", "1.0.0", true, "resources:", "  max_wall_clock_secs: 30", "  max_fuel: 10000000000")
	ctx := context.Background()
	_, err := f.manager.Load(ctx, "calc")
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() {
		_, err := f.manager.Call(ctx, "calc", "loop")
		slow <- err
	}()
	require.Eventually(t, func() bool {
		st, err := f.manager.Get("calc")
		return err == nil && st.InFlight == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Unload("calc"))
	_, err = f.manager.Call(ctx, "calc", "add", 1, 2)
	assert.True(t, bastionerr.IsNotFound(err))

	select {
	case err := <-slow:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("closing the host did not stop the invocation")
	}
}

func TestManager_ReloadUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Reload(context.Background(), "ghost")
	assert.True(t, bastionerr.IsNotFound(err))
	assert.True(t, bastionerr.IsNotFound(f.manager.Unload("ghost")))
}
