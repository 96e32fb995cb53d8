// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/sigil-dev/bastion/pkg/plugin"
)

// maxGuestPayload bounds a single request read out of guest memory.
const maxGuestPayload = 16 << 20

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v) //nolint:gosec // WASM32 pointers are 32-bit
}

// readGuest copies the packed (ptr, len) region out of guest memory.
func readGuest(mod api.Module, packed uint64) ([]byte, error) {
	ptr, length := unpack(packed)
	if length > maxGuestPayload {
		return nil, bastionerr.Errorf(bastionerr.CodeSandboxRequestInvalid,
			"guest payload of %d bytes exceeds %d", length, maxGuestPayload)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, bastionerr.New(bastionerr.CodePluginRuntimeCallFailure, "module exports no memory")
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, bastionerr.Errorf(bastionerr.CodeSandboxRequestInvalid,
			"guest payload at %d+%d is out of bounds", ptr, length)
	}
	return append([]byte(nil), view...), nil
}

// writeGuest copies data into memory obtained from the guest allocator and
// returns the packed location.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(plugin.AllocateExport)
	if alloc == nil {
		return 0, bastionerr.Errorf(bastionerr.CodePluginRuntimeExportNotFound,
			"module does not export %q", plugin.AllocateExport)
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, bastionerr.Wrap(err, bastionerr.CodePluginRuntimeCallFailure, "calling guest allocator")
	}
	if len(results) == 0 {
		return 0, bastionerr.New(bastionerr.CodePluginRuntimeCallFailure, "guest allocator returned nothing")
	}
	ptr := uint32(results[0]) //nolint:gosec // WASM32 pointers are 32-bit
	if !mod.Memory().Write(ptr, data) {
		return 0, bastionerr.Errorf(bastionerr.CodePluginRuntimeCallFailure,
			"guest allocation at %d cannot hold %d bytes", ptr, len(data))
	}
	return pack(ptr, uint32(len(data))), nil //nolint:gosec // bounded by maxGuestPayload
}
