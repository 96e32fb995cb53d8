// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build unix

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const dirFlags = unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC

func readBeneath(rootPath string, rel []string, limit int64, display string) ([]byte, error) {
	rootFD, err := unix.Open(rootPath, dirFlags, 0)
	if err != nil {
		return nil, ioError(display, err)
	}
	defer unix.Close(rootFD) //nolint:errcheck // read-only descriptor

	dirFD, name, err := walkParent(rootFD, rootPath, rel, true, display)
	if err != nil {
		return nil, err
	}
	defer unix.Close(dirFD) //nolint:errcheck // read-only descriptor

	// O_NONBLOCK keeps a FIFO from blocking the open; it is rejected below.
	fd, err := unix.Openat(dirFD, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, bastionerr.PathTraversal(display, "path changed during access")
		}
		return nil, ioError(display, err)
	}
	f := os.NewFile(uintptr(fd), display)
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
		return nil, bastionerr.PermissionDenied(ReadFile.String(),
			fmt.Sprintf("file exceeds the %d byte cap", limit))
	}
	return data, nil
}

func writeBeneath(rootPath string, rel []string, data []byte, display string) (err error) {
	rootFD, err := unix.Open(rootPath, dirFlags, 0)
	if err != nil {
		return ioError(display, err)
	}
	defer unix.Close(rootFD) //nolint:errcheck // read-only descriptor

	dirFD, name, err := walkParent(rootFD, rootPath, rel, false, display)
	if err != nil {
		return err
	}
	defer unix.Close(dirFD) //nolint:errcheck // read-only descriptor

	tmp := "." + name + "." + uuid.NewString()[:8] + ".tmp"
	fd, err := unix.Openat(dirFD, tmp, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return ioError(display, err)
	}
	f := os.NewFile(uintptr(fd), tmp)
	defer func() {
		if err != nil {
			_ = unix.Unlinkat(dirFD, tmp, 0)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return ioError(display, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return ioError(display, err)
	}
	if err = f.Close(); err != nil {
		return ioError(display, err)
	}
	if err = unix.Renameat(dirFD, tmp, dirFD, name); err != nil {
		return ioError(display, err)
	}
	_ = unix.Fsync(dirFD)
	return nil
}

// walkParent resolves rel beneath rootFD and returns an open descriptor of the
// directory holding the final component together with its name. Every
// directory is opened with O_NOFOLLOW relative to its parent descriptor.
// Symlinks are resolved lexically and followed only while they stay under
// the root; the final component is followed only when followLast is set.
func walkParent(rootFD int, rootPath string, rel []string, followLast bool, display string) (int, string, error) {
	var resolved []string
	queue := slices.Clone(rel)
	hops := 0

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		switch name {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return -1, "", bastionerr.PathTraversal(display, "symlink resolves above the root")
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}
		last := len(queue) == 0

		dirFD, err := openDirBeneath(rootFD, resolved, display)
		if err != nil {
			return -1, "", err
		}

		var st unix.Stat_t
		if err := unix.Fstatat(dirFD, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			if errors.Is(err, unix.ENOENT) && last {
				return dirFD, name, nil
			}
			_ = unix.Close(dirFD)
			return -1, "", ioError(display, err)
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK && (!last || followLast) {
			hops++
			target, err := readlinkat(dirFD, name)
			_ = unix.Close(dirFD)
			if err != nil {
				return -1, "", ioError(display, err)
			}
			if hops > maxSymlinkHops {
				return -1, "", bastionerr.PathTraversal(display, "too many levels of symbolic links")
			}
			if filepath.IsAbs(target) {
				comps, ok := within(rootPath, filepath.Clean(target))
				if !ok {
					return -1, "", bastionerr.PathTraversal(display, "symlink points outside the root")
				}
				resolved = resolved[:0]
				queue = append(comps, queue...)
			} else {
				queue = append(strings.Split(filepath.Clean(target), "/"), queue...)
			}
			continue
		}

		if last {
			return dirFD, name, nil
		}
		_ = unix.Close(dirFD)
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return -1, "", ioError(display, unix.ENOTDIR)
		}
		resolved = append(resolved, name)
	}

	return -1, "", bastionerr.PathTraversal(display, "path resolves to the root directory")
}

// openDirBeneath opens the directory at comps below rootFD one component at
// a time, refusing any component that is not a real directory.
func openDirBeneath(rootFD int, comps []string, display string) (int, error) {
	fd, err := unix.Openat(rootFD, ".", dirFlags, 0)
	if err != nil {
		return -1, ioError(display, err)
	}
	for _, c := range comps {
		next, err := unix.Openat(fd, c, dirFlags|unix.O_NOFOLLOW, 0)
		_ = unix.Close(fd)
		if err != nil {
			if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.ENOTDIR) {
				return -1, bastionerr.PathTraversal(display, "path changed during access")
			}
			return -1, ioError(display, err)
		}
		fd = next
	}
	return fd, nil
}

func readlinkat(dirFD int, name string) (string, error) {
	for size := 256; size <= 1<<16; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(dirFD, name, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
	return "", unix.ENAMETOOLONG
}
