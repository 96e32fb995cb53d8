// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sigil-dev/bastion/internal/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPackage(t *testing.T, name, version string) *plugin.Package {
	t.Helper()
	raw := []byte("name: " + name + "\nversion: " + version + "\n")
	m, err := plugin.ParseManifest(raw)
	require.NoError(t, err)
	return &plugin.Package{
		Manifest:    m,
		ManifestRaw: raw,
		Module:      []byte("\x00asm\x01\x00\x00\x00"),
		Source:      plugin.Source{Kind: plugin.SourceLocal, Ref: "/src/" + name},
	}
}

func TestCatalog_SaveLoadRemove(t *testing.T) {
	dir := t.TempDir()
	cat := plugin.NewCatalog(filepath.Join(dir, "plugins"), filepath.Join(dir, "workspaces"))

	pkg := testPackage(t, "weather", "1.0.0")
	pkg.Signature = []byte("sig")
	require.NoError(t, cat.Save(pkg))

	got, err := cat.Load("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Manifest.Version)
	assert.Equal(t, pkg.Module, got.Module)
	assert.Equal(t, []byte("sig"), got.Signature)
	assert.Equal(t, pkg.Source, got.Source)

	// Upgrade replaces the previous install and drops the stale signature.
	require.NoError(t, cat.Save(testPackage(t, "weather", "1.1.0")))
	got, err = cat.Load("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Manifest.Version)
	assert.Empty(t, got.Signature)

	require.NoError(t, cat.Remove("weather"))
	_, err = cat.Load("weather")
	assert.True(t, bastionerr.IsNotFound(err))
	assert.True(t, bastionerr.IsNotFound(cat.Remove("weather")))
}

func TestCatalog_DiscoverSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	cat := plugin.NewCatalog(pluginsDir, filepath.Join(dir, "workspaces"))

	require.NoError(t, cat.Save(testPackage(t, "alpha", "1.0.0")))
	require.NoError(t, cat.Save(testPackage(t, "beta", "2.0.0")))

	broken := filepath.Join(pluginsDir, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(broken, plugin.ManifestFile), []byte("name: ["), 0o600))

	pkgs, err := cat.Discover(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Name())
	}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestCatalog_DiscoverMissingDir(t *testing.T) {
	cat := plugin.NewCatalog(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	pkgs, err := cat.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestCatalog_RejectsBadNames(t *testing.T) {
	cat := plugin.NewCatalog(t.TempDir(), t.TempDir())
	for _, name := range []string{"", "../etc", ".hidden", "a/b"} {
		_, err := cat.Load(name)
		assert.Error(t, err, name)
	}
}

func TestCatalog_EnsureWorkspace(t *testing.T) {
	dir := t.TempDir()
	cat := plugin.NewCatalog(filepath.Join(dir, "plugins"), filepath.Join(dir, "workspaces"))

	ws, err := cat.EnsureWorkspace("weather")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "workspaces", "weather"), ws)
	assert.DirExists(t, ws)
}
