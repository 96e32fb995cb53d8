// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sigil-dev/bastion/pkg/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// File size caps.
const (
	MaxReadBytes  = 8 << 20
	MaxWriteBytes = 4 << 20
)

const maxSymlinkHops = 40

// fsRoot is one granted directory. Requests may name it by the declared path
// or by its canonical form; all I/O goes through the canonical form.
type fsRoot struct {
	declared  string
	canonical string
}

type pathGuard struct {
	roots []fsRoot
}

func newPathGuard(pluginID string, paths []string) *pathGuard {
	g := &pathGuard{}
	for _, p := range paths {
		declared, err := filepath.Abs(p)
		if err != nil {
			slog.Warn("dropping filesystem permission: cannot make path absolute",
				"plugin", pluginID, "path", p, "error", err)
			continue
		}
		canonical, err := filepath.EvalSymlinks(declared)
		if err != nil {
			slog.Warn("dropping filesystem permission: path cannot be resolved",
				"plugin", pluginID, "path", p, "error", err)
			continue
		}
		info, err := os.Stat(canonical)
		if err != nil || !info.IsDir() {
			slog.Warn("dropping filesystem permission: not a directory",
				"plugin", pluginID, "path", p)
			continue
		}
		g.roots = append(g.roots, fsRoot{declared: declared, canonical: canonical})
	}
	slices.SortFunc(g.roots, func(a, b fsRoot) int { return strings.Compare(a.canonical, b.canonical) })
	return g
}

func (g *pathGuard) canonicalRoots() []string {
	out := make([]string, 0, len(g.roots))
	for _, r := range g.roots {
		out = append(out, r.canonical)
	}
	return slices.Compact(out)
}

// locate finds the root containing path and returns the components below it.
// The check is lexical; symlinks are verified during the fd walk.
func (g *pathGuard) locate(fn HostFunction, path string) (fsRoot, []string, error) {
	if len(g.roots) == 0 {
		return fsRoot{}, nil, bastionerr.PermissionDenied(fn.String(), "no filesystem access granted")
	}
	if !filepath.IsAbs(path) {
		return fsRoot{}, nil, bastionerr.PathTraversal(path, "path must be absolute")
	}
	clean := filepath.Clean(path)
	for _, r := range g.roots {
		for _, base := range []string{r.canonical, r.declared} {
			if rel, ok := within(base, clean); ok {
				return r, rel, nil
			}
		}
	}
	return fsRoot{}, nil, bastionerr.PathTraversal(path, "path is outside every allowed root")
}

// within returns the components of p below base, or false if p is not base
// or beneath it.
func within(base, p string) ([]string, bool) {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return nil, false
	}
	if rel == "." {
		return nil, true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, false
	}
	return strings.Split(rel, string(filepath.Separator)), true
}

func ioError(path string, err error) error {
	return bastionerr.Wrapf(err, bastionerr.CodeSandboxIOFailure, "accessing %s", path)
}

// ReadOperation is a validated file read.
type ReadOperation struct {
	sandbox *Sandbox
	path    string
	root    fsRoot
	rel     []string
}

// ValidateReadFile checks path against the granted roots and the rate window.
func (s *Sandbox) ValidateReadFile(ctx context.Context, req plugin.ReadFileRequest) (*ReadOperation, error) {
	details := map[string]any{"path": req.Path}
	if err := req.Validate(); err != nil {
		return nil, s.deny(ctx, ReadFile, bastionerr.Wrap(err, bastionerr.CodeSandboxRequestInvalid, "invalid read_file request",
			bastionerr.FieldReason(err.Error())), details)
	}
	root, rel, err := s.paths.locate(ReadFile, req.Path)
	if err != nil {
		return nil, s.deny(ctx, ReadFile, err, details)
	}
	if err := s.checkRate(ctx, ReadFile); err != nil {
		return nil, s.deny(ctx, ReadFile, err, details)
	}
	return &ReadOperation{sandbox: s, path: req.Path, root: root, rel: rel}, nil
}

// Execute reads the file through directory descriptors, refusing symlinks
// that leave the root.
func (op *ReadOperation) Execute(ctx context.Context) (*plugin.ReadFileResponse, error) {
	s := op.sandbox
	details := map[string]any{"path": op.path}
	data, err := readBeneath(op.root.canonical, op.rel, MaxReadBytes, op.path)
	if err != nil {
		return nil, s.settle(ctx, ReadFile, err, details)
	}
	details["bytes"] = len(data)
	if err := s.allow(ctx, ReadFile, "file read", details); err != nil {
		return nil, err
	}
	return &plugin.ReadFileResponse{Data: data}, nil
}

// WriteOperation is a validated atomic file write.
type WriteOperation struct {
	sandbox *Sandbox
	path    string
	root    fsRoot
	rel     []string
	data    []byte
}

// ValidateWriteFile checks path, size cap and rate window.
func (s *Sandbox) ValidateWriteFile(ctx context.Context, req plugin.WriteFileRequest) (*WriteOperation, error) {
	details := map[string]any{"path": req.Path, "bytes": len(req.Data)}
	if err := req.Validate(); err != nil {
		return nil, s.deny(ctx, WriteFile, bastionerr.Wrap(err, bastionerr.CodeSandboxRequestInvalid, "invalid write_file request",
			bastionerr.FieldReason(err.Error())), details)
	}
	root, rel, err := s.paths.locate(WriteFile, req.Path)
	if err != nil {
		return nil, s.deny(ctx, WriteFile, err, details)
	}
	if len(rel) == 0 {
		return nil, s.deny(ctx, WriteFile, bastionerr.PathTraversal(req.Path, "cannot write to a root directory"), details)
	}
	if len(req.Data) > MaxWriteBytes {
		return nil, s.deny(ctx, WriteFile, bastionerr.PermissionDenied(WriteFile.String(),
			fmt.Sprintf("write of %d bytes exceeds the %d byte cap", len(req.Data), MaxWriteBytes)), details)
	}
	if err := s.checkRate(ctx, WriteFile); err != nil {
		return nil, s.deny(ctx, WriteFile, err, details)
	}
	return &WriteOperation{sandbox: s, path: req.Path, root: root, rel: rel, data: req.Data}, nil
}

// Execute writes to a temporary file in the target directory and renames it
// into place. Readers never observe a partial file.
func (op *WriteOperation) Execute(ctx context.Context) (*plugin.WriteFileResponse, error) {
	s := op.sandbox
	details := map[string]any{"path": op.path, "bytes": len(op.data)}
	if err := writeBeneath(op.root.canonical, op.rel, op.data, op.path); err != nil {
		return nil, s.settle(ctx, WriteFile, err, details)
	}
	if err := s.allow(ctx, WriteFile, "file written", details); err != nil {
		return nil, err
	}
	return &plugin.WriteFileResponse{Written: len(op.data)}, nil
}

// settle audits an execution error as a denial when it is a policy decision
// and as a failed call otherwise.
func (s *Sandbox) settle(ctx context.Context, fn HostFunction, err error, details map[string]any) error {
	if bastionerr.IsPolicyViolation(err) {
		return s.deny(ctx, fn, err, details)
	}
	return s.failed(ctx, fn, err, details)
}
