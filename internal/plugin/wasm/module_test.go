// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package wasm_test

import "encoding/binary"

// Minimal binary-module assembler for fixtures.

const (
	i32 = 0x7f
	i64 = 0x7e
)

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func vec(items ...[]byte) []byte {
	return cat(uleb(uint64(len(items))), cat(items...))
}

func name(s string) []byte {
	return cat(uleb(uint64(len(s))), []byte(s))
}

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(content))), content)
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
}

func body(code ...byte) []byte {
	b := cat([]byte{0x00}, code) // no locals
	return cat(uleb(uint64(len(b))), b)
}

func exportFunc(n string, idx byte) []byte {
	return cat(name(n), []byte{0x00, idx})
}

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// computeModule exports add(i32, i32) i32 and loop(), which never returns.
func computeModule() []byte {
	return cat(header,
		section(1, vec(funcType([]byte{i32, i32}, []byte{i32}), funcType(nil, nil))),
		section(3, vec([]byte{0}, []byte{1})),
		section(7, vec(exportFunc("add", 0), exportFunc("loop", 1))),
		section(10, vec(
			body(0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b),
			body(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b),
		)),
	)
}

// boundsModule declares the given initial memory pages and table size.
func boundsModule(pages, tableElems uint64) []byte {
	return cat(header,
		section(4, vec(cat([]byte{0x70, 0x00}, uleb(tableElems)))),
		section(5, vec(cat([]byte{0x00}, uleb(pages)))),
	)
}

// growModule declares a funcref table of one element with no maximum and
// exports grow(n i32) i32, which runs table.grow with n null references.
func growModule() []byte {
	return cat(header,
		section(1, vec(funcType([]byte{i32}, []byte{i32}))),
		section(3, vec([]byte{0})),
		section(4, vec([]byte{0x70, 0x00, 0x01})),
		section(7, vec(exportFunc("grow", 0))),
		section(10, vec(
			body(0xd0, 0x70, 0x20, 0x00, 0xfc, 0x0f, 0x00, 0x0b),
		)),
	)
}

// spinningInitModule exports an _initialize that never returns and noop().
func spinningInitModule() []byte {
	return cat(header,
		section(1, vec(funcType(nil, nil))),
		section(3, vec([]byte{0}, []byte{0})),
		section(7, vec(exportFunc("_initialize", 0), exportFunc("noop", 1))),
		section(10, vec(
			body(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b),
			body(0x0b),
		)),
	)
}

// counterModule exports bump() i32, which increments a mutable global
// starting at zero and returns the new value, and fail(), which traps.
func counterModule() []byte {
	return cat(header,
		section(1, vec(funcType(nil, []byte{i32}), funcType(nil, nil))),
		section(3, vec([]byte{0}, []byte{1})),
		section(6, vec([]byte{i32, 0x01, 0x41, 0x00, 0x0b})),
		section(7, vec(exportFunc("bump", 0), exportFunc("fail", 1))),
		section(10, vec(
			body(0x23, 0x00, 0x41, 0x01, 0x6a, 0x24, 0x00, 0x23, 0x00, 0x0b),
			body(0x00, 0x0b),
		)),
	)
}

// callerModule imports bastion.<fn> and exports run() i64, which passes
// payload to the import and returns its packed response. It exports a bump
// allocator and one page of memory holding payload at offset 0.
func callerModule(fn, payload string) []byte {
	return callerModuleWithArg(fn, payload, int64(len(payload)))
}

// callerModuleWithArg is callerModule with run passing arg to the import
// as the packed request instead of the location of payload.
func callerModuleWithArg(fn, payload string, arg int64) []byte {
	run := cat([]byte{0x42}, sleb(arg), []byte{0x10, 0x00, 0x0b})
	return cat(header,
		section(1, vec(
			funcType([]byte{i64}, []byte{i64}),
			funcType([]byte{i32}, []byte{i32}),
			funcType(nil, []byte{i64}),
		)),
		section(2, vec(cat(name("bastion"), name(fn), []byte{0x00, 0x00}))),
		section(3, vec([]byte{1}, []byte{2})),
		section(5, vec([]byte{0x00, 0x01})),
		section(6, vec(cat([]byte{i32, 0x01, 0x41}, sleb(1024), []byte{0x0b}))),
		section(7, vec(
			cat(name("memory"), []byte{0x02, 0x00}),
			exportFunc("allocate", 1),
			exportFunc("run", 2),
		)),
		section(10, vec(
			// allocate(size): old := heap; heap += size; return old
			body(0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b),
			body(run...),
		)),
		section(11, vec(cat([]byte{0x00, 0x41, 0x00, 0x0b}, name(payload)))),
	)
}
