// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !unix

package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// On platforms without openat, os.Root provides the traversal-resistant
// lookups.

func readBeneath(rootPath string, rel []string, limit int64, display string) ([]byte, error) {
	if len(rel) == 0 {
		return nil, bastionerr.PathTraversal(display, "path resolves to the root directory")
	}
	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, ioError(display, err)
	}
	defer root.Close() //nolint:errcheck // read-only handle

	f, err := root.Open(filepath.Join(rel...))
	if err != nil {
		return nil, rootError(display, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	info, err := f.Stat()
	if err != nil {
		return nil, ioError(display, err)
	}
	if !info.Mode().IsRegular() {
		return nil, bastionerr.Errorf(bastionerr.CodeSandboxIOFailure, "%s is not a regular file", display)
	}
	if info.Size() > limit {
		return nil, bastionerr.PermissionDenied(ReadFile.String(),
			fmt.Sprintf("file of %d bytes exceeds the %d byte cap", info.Size(), limit))
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, ioError(display, err)
	}
	if int64(len(data)) > limit {
		return nil, bastionerr.PermissionDenied(ReadFile.String(), fmt.Sprintf("file exceeds the %d byte cap", limit))
	}
	return data, nil
}

func writeBeneath(rootPath string, rel []string, data []byte, display string) error {
	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return ioError(display, err)
	}
	defer root.Close() //nolint:errcheck // handle only

	target := filepath.Join(rel...)
	tmp := filepath.Join(filepath.Dir(target), "."+rel[len(rel)-1]+"."+uuid.NewString()[:8]+".tmp")
	f, err := root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return rootError(display, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = root.Remove(tmp)
		return ioError(display, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = root.Remove(tmp)
		return ioError(display, err)
	}
	if err := f.Close(); err != nil {
		_ = root.Remove(tmp)
		return ioError(display, err)
	}
	if err := root.Rename(tmp, target); err != nil {
		_ = root.Remove(tmp)
		return rootError(display, err)
	}
	return nil
}

func rootError(display string, err error) error {
	if strings.Contains(err.Error(), "escapes") {
		return bastionerr.PathTraversal(display, "path escapes the root")
	}
	return ioError(display, err)
}
