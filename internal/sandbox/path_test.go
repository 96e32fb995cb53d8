// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build unix

package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/sandbox"
	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	wire "github.com/sigil-dev/bastion/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fsFixture lays out <tmp>/sandbox/data as the granted root and
// <tmp>/outside as a sibling the plugin must never reach.
type fsFixture struct {
	base    string
	root    string
	outside string
}

func newFSFixture(t *testing.T) fsFixture {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	f := fsFixture{
		base:    base,
		root:    filepath.Join(base, "sandbox", "data"),
		outside: filepath.Join(base, "outside"),
	}
	require.NoError(t, os.MkdirAll(f.root, 0o700))
	require.NoError(t, os.MkdirAll(f.outside, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(f.outside, "secret.txt"), []byte("top secret"), 0o600))
	return f
}

func readFile(sb *sandbox.Sandbox, path string) ([]byte, error) {
	ctx := context.Background()
	op, err := sb.ValidateReadFile(ctx, wire.ReadFileRequest{Path: path})
	if err != nil {
		return nil, err
	}
	resp, err := op.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func writeFile(sb *sandbox.Sandbox, path string, data []byte) error {
	ctx := context.Background()
	op, err := sb.ValidateWriteFile(ctx, wire.WriteFileRequest{Path: path, Data: data})
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

func TestPath_DotDotEscapeIsTraversal(t *testing.T) {
	f := newFSFixture(t)
	sb, sink := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	target := f.root + "/../../etc/passwd"
	err := writeFile(sb, target, []byte("root::0:0::/:/bin/sh"))
	require.Error(t, err)
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPathTraversal))
	assert.NoFileExists(t, filepath.Join(f.base, "etc", "passwd"))

	entries := sink.Filter("weather", "write-file")
	require.Len(t, entries, 1)
	assert.Equal(t, store.DecisionDeny, entries[0].Decision)
}

func TestPath_RelativePathRejected(t *testing.T) {
	f := newFSFixture(t)
	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	_, err := readFile(sb, "notes.txt")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPathTraversal))
}

func TestPath_NoRootsIsPermissionDenied(t *testing.T) {
	sb, _ := newSandbox(t, plugin.Permissions{})
	_, err := readFile(sb, "/etc/hostname")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPermissionDenied))
}

func TestPath_ReadWriteRoundTrip(t *testing.T) {
	f := newFSFixture(t)
	sb, sink := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	path := filepath.Join(f.root, "notes.txt")
	require.NoError(t, writeFile(sb, path, []byte("v1")))
	require.NoError(t, writeFile(sb, path, []byte("version two")))

	data, err := readFile(sb, path)
	require.NoError(t, err)
	assert.Equal(t, "version two", string(data))

	// Only the final file remains; no temporary files leak.
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Len(t, sink.Filter("weather", "write-file"), 2)
	assert.Len(t, sink.Filter("weather", "read-file"), 1)
}

func TestPath_WriteNeedsExistingParent(t *testing.T) {
	f := newFSFixture(t)
	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	err := writeFile(sb, filepath.Join(f.root, "missing", "x.txt"), []byte("x"))
	require.Error(t, err)
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxIOFailure))
}

func TestPath_SymlinkEscapes(t *testing.T) {
	f := newFSFixture(t)
	require.NoError(t, os.Symlink(f.outside, filepath.Join(f.root, "link")))
	require.NoError(t, os.Symlink(filepath.Join(f.outside, "secret.txt"), filepath.Join(f.root, "secret")))
	require.NoError(t, os.Symlink("..", filepath.Join(f.root, "up")))

	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	for _, p := range []string{
		filepath.Join(f.root, "link", "secret.txt"),
		filepath.Join(f.root, "secret"),
		f.root + "/up/outside/secret.txt",
	} {
		_, err := readFile(sb, p)
		require.Error(t, err, p)
		assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPathTraversal), "%s: %v", p, err)
	}

	err := writeFile(sb, filepath.Join(f.root, "link", "planted.txt"), []byte("x"))
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPathTraversal))
	assert.NoFileExists(t, filepath.Join(f.outside, "planted.txt"))
}

func TestPath_SymlinkInsideRootFollowed(t *testing.T) {
	f := newFSFixture(t)
	real := filepath.Join(f.root, "real")
	require.NoError(t, os.MkdirAll(real, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(real, "f.txt"), []byte("inside"), 0o600))
	require.NoError(t, os.Symlink("real", filepath.Join(f.root, "alias")))
	require.NoError(t, os.Symlink(real, filepath.Join(f.root, "abs")))

	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	for _, p := range []string{
		filepath.Join(f.root, "alias", "f.txt"),
		filepath.Join(f.root, "abs", "f.txt"),
	} {
		data, err := readFile(sb, p)
		require.NoError(t, err, p)
		assert.Equal(t, "inside", string(data))
	}
}

func TestPath_DeclaredSymlinkRoot(t *testing.T) {
	f := newFSFixture(t)
	declared := filepath.Join(f.base, "data-link")
	require.NoError(t, os.Symlink(f.root, declared))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.txt"), []byte("a"), 0o600))

	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{declared}})
	assert.Equal(t, []string{f.root}, sb.FilesystemRoots())

	for _, p := range []string{filepath.Join(declared, "a.txt"), filepath.Join(f.root, "a.txt")} {
		data, err := readFile(sb, p)
		require.NoError(t, err, p)
		assert.Equal(t, "a", string(data))
	}
}

func TestPath_SizeCaps(t *testing.T) {
	f := newFSFixture(t)
	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	big := filepath.Join(f.root, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, sandbox.MaxReadBytes+1), 0o600))
	_, err := readFile(sb, big)
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPermissionDenied))

	err = writeFile(sb, filepath.Join(f.root, "w.bin"), make([]byte, sandbox.MaxWriteBytes+1))
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxPermissionDenied))
	assert.NoFileExists(t, filepath.Join(f.root, "w.bin"))
}

func TestPath_ReadDirectoryFails(t *testing.T) {
	f := newFSFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "sub"), 0o700))
	sb, _ := newSandbox(t, plugin.Permissions{Filesystem: []string{f.root}})

	_, err := readFile(sb, filepath.Join(f.root, "sub"))
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxIOFailure))

	_, err = readFile(sb, filepath.Join(f.root, "missing.txt"))
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeSandboxIOFailure))
}
