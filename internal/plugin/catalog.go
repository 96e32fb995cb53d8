// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// File names inside an installed plugin directory.
const (
	ManifestFile  = "plugin.yaml"
	ModuleFile    = "plugin.wasm"
	SignatureFile = "plugin.sig"
	SourceFile    = "source.json"
)

// Package is an installable plugin: manifest, module bytes and optional
// detached signature.
type Package struct {
	Manifest    *Manifest
	ManifestRaw []byte
	Module      []byte
	Signature   []byte
	Source      Source
}

// Name returns the manifest name.
func (p *Package) Name() string {
	if p == nil || p.Manifest == nil {
		return ""
	}
	return p.Manifest.Name
}

// Catalog is the on-disk store of installed packages under
// <pluginsDir>/<name>/ plus one private workspace directory per plugin.
type Catalog struct {
	mu            sync.Mutex
	pluginsDir    string
	workspacesDir string
}

// NewCatalog returns a catalog rooted at the given directories.
func NewCatalog(pluginsDir, workspacesDir string) *Catalog {
	return &Catalog{pluginsDir: pluginsDir, workspacesDir: workspacesDir}
}

// Workspace returns the plugin's private workspace directory.
func (c *Catalog) Workspace(name string) string {
	return filepath.Join(c.workspacesDir, name)
}

// EnsureWorkspace creates the plugin's workspace directory if needed.
func (c *Catalog) EnsureWorkspace(name string) (string, error) {
	dir := c.Workspace(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "creating workspace for %s", name)
	}
	return dir, nil
}

// Discover loads every installed package. Unreadable or invalid entries are
// skipped with a warning.
func (c *Catalog) Discover(ctx context.Context) ([]*Package, error) {
	entries, err := os.ReadDir(c.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bastionerr.Wrap(err, bastionerr.CodePluginDiscoveryFailure, "reading plugins directory")
	}

	var pkgs []*Package
	for _, entry := range entries {
		if ctx.Err() != nil {
			return pkgs, ctx.Err()
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		pkg, err := c.Load(entry.Name())
		if err != nil {
			slog.Warn("skipping plugin: cannot load package",
				"plugin", entry.Name(), "error", err)
			continue
		}
		pkgs = append(pkgs, pkg)
	}

	return pkgs, nil
}

// Load reads one installed package by name.
func (c *Catalog) Load(name string) (*Package, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(c.pluginsDir, name)

	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, bastionerr.Errorf(bastionerr.CodePluginNotFound, "plugin %q not found", name)
		}
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "reading manifest for %s", name)
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	if manifest.Name != name {
		return nil, bastionerr.Errorf(bastionerr.CodePluginManifestValidateInvalid,
			"manifest name %q does not match install directory %q", manifest.Name, name)
	}

	module, err := os.ReadFile(filepath.Join(dir, ModuleFile))
	if err != nil {
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "reading module for %s", name)
	}

	sig, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "reading signature for %s", name)
	}

	var src Source
	if b, err := os.ReadFile(filepath.Join(dir, SourceFile)); err == nil {
		if err := json.Unmarshal(b, &src); err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "decoding source for %s", name)
		}
	}

	return &Package{
		Manifest:    manifest,
		ManifestRaw: raw,
		Module:      module,
		Signature:   sig,
		Source:      src,
	}, nil
}

// Save writes a package into the catalog, replacing any previous version.
// Files are staged in a sibling directory and swapped in with a rename.
func (c *Catalog) Save(pkg *Package) error {
	name := pkg.Name()
	if err := validName(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.pluginsDir, 0o700); err != nil {
		return bastionerr.Wrap(err, bastionerr.CodePluginDiscoveryFailure, "creating plugins directory")
	}

	staging, err := os.MkdirTemp(c.pluginsDir, "."+name+"-")
	if err != nil {
		return bastionerr.Wrap(err, bastionerr.CodePluginDiscoveryFailure, "creating staging directory")
	}
	defer os.RemoveAll(staging) //nolint:errcheck // best-effort cleanup of the staging dir

	srcJSON, err := json.Marshal(pkg.Source)
	if err != nil {
		return bastionerr.Wrap(err, bastionerr.CodePluginDiscoveryFailure, "encoding source")
	}
	files := map[string][]byte{
		ManifestFile: pkg.ManifestRaw,
		ModuleFile:   pkg.Module,
		SourceFile:   srcJSON,
	}
	if len(pkg.Signature) > 0 {
		files[SignatureFile] = pkg.Signature
	}
	for _, fname := range slices.Sorted(maps.Keys(files)) {
		if err := os.WriteFile(filepath.Join(staging, fname), files[fname], 0o600); err != nil {
			return bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "writing %s", fname)
		}
	}

	final := filepath.Join(c.pluginsDir, name)
	old := final + ".old"
	_ = os.RemoveAll(old)
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, old); err != nil {
			return bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "moving previous install of %s", name)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Rename(old, final)
		return bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "installing %s", name)
	}
	_ = os.RemoveAll(old)
	return nil
}

// Remove deletes an installed package. The workspace is kept.
func (c *Catalog) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.pluginsDir, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return bastionerr.Errorf(bastionerr.CodePluginNotFound, "plugin %q not found", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "removing %s", name)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return bastionerr.Errorf(bastionerr.CodeCLIInputInvalid, "invalid plugin name %q", name)
	}
	return nil
}
