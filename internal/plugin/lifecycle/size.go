// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const (
	// MaxModuleBytes caps the uncompressed module.
	MaxModuleBytes = 300 * 1024
	// MaxCompressedBytes caps the module after gzip at best compression.
	MaxCompressedBytes = 120 * 1024
)

var gzipMagic = []byte{0x1f, 0x8b}

// DecodeModule returns the raw module, inflating gzip input. Inflation stops
// one byte past MaxModuleBytes so oversized archives cannot exhaust memory.
func DecodeModule(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodePluginInstallSizeExceeded, "reading gzip module")
	}
	defer zr.Close() //nolint:errcheck // read-only

	out, err := io.ReadAll(io.LimitReader(zr, MaxModuleBytes+1))
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodePluginInstallSizeExceeded, "inflating module")
	}
	return out, nil
}

// CheckSize enforces both module size caps.
func CheckSize(module []byte) error {
	if len(module) > MaxModuleBytes {
		return bastionerr.New(bastionerr.CodePluginInstallSizeExceeded,
			fmt.Sprintf("module is %d bytes, limit is %d", len(module), MaxModuleBytes),
			bastionerr.Field("size", len(module)),
			bastionerr.Field("limit", MaxModuleBytes))
	}
	n, err := compressedSize(module)
	if err != nil {
		return err
	}
	if n > MaxCompressedBytes {
		return bastionerr.New(bastionerr.CodePluginInstallSizeExceeded,
			fmt.Sprintf("module compresses to %d bytes, limit is %d", n, MaxCompressedBytes),
			bastionerr.Field("compressed_size", n),
			bastionerr.Field("limit", MaxCompressedBytes))
	}
	return nil
}

func compressedSize(module []byte) (int, error) {
	var cw countingWriter
	zw, err := gzip.NewWriterLevel(&cw, gzip.BestCompression)
	if err != nil {
		return 0, bastionerr.Wrap(err, bastionerr.CodePluginInstallSizeExceeded, "compressing module")
	}
	if _, err := zw.Write(module); err != nil {
		return 0, bastionerr.Wrap(err, bastionerr.CodePluginInstallSizeExceeded, "compressing module")
	}
	if err := zw.Close(); err != nil {
		return 0, bastionerr.Wrap(err, bastionerr.CodePluginInstallSizeExceeded, "compressing module")
	}
	return cw.n, nil
}

type countingWriter struct{ n int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
