// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

const (
	sectionTable  = 4
	sectionMemory = 5
)

const limitsHasMax = 0x01

// declaredBounds are the initial sizes a module asks for before running.
type declaredBounds struct {
	MemoryPages   uint64
	TableElements uint64
}

// limits is a decoded limits structure.
type limits struct {
	Min    uint64
	Max    uint64
	HasMax bool
}

// walkSections calls visit for every section after the header with its id,
// the offset of the id byte and the [start, end) range of its content.
func walkSections(module []byte, visit func(id byte, at, start, end int) error) error {
	if len(module) < 8 || !bytes.Equal(module[:4], wasmMagic) {
		return fmt.Errorf("not a wasm binary")
	}
	r := &byteReader{buf: module, off: 8}
	for r.off < len(r.buf) {
		at := r.off
		id, err := r.byte()
		if err != nil {
			return err
		}
		size, err := r.uvarint()
		if err != nil {
			return err
		}
		end := r.off + int(size)
		if size > uint64(len(r.buf)) || end > len(r.buf) {
			return fmt.Errorf("section %d overruns module", id)
		}
		if err := visit(id, at, r.off, end); err != nil {
			return err
		}
		r.off = end
	}
	return nil
}

// scanBounds reads the table and memory sections of a binary module and
// returns the largest declared minimums. Other sections are skipped.
func scanBounds(module []byte) (declaredBounds, error) {
	var b declaredBounds
	err := walkSections(module, func(id byte, _, start, end int) error {
		sec := &byteReader{buf: module[:end], off: start}
		switch id {
		case sectionMemory:
			count, err := sec.uvarint()
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				lim, err := sec.limits()
				if err != nil {
					return fmt.Errorf("memory section: %w", err)
				}
				b.MemoryPages = max(b.MemoryPages, lim.Min)
			}
		case sectionTable:
			tables, err := sec.tables()
			if err != nil {
				return err
			}
			for _, t := range tables {
				b.TableElements = max(b.TableElements, t.Min)
			}
		}
		return nil
	})
	return b, err
}

// capTables returns a copy of module in which no table may grow past limit:
// tables without a maximum get limit as theirs and larger maximums are
// lowered to it. Every other section is copied unchanged. Minimums above
// limit are an error.
func capTables(module []byte, limit uint64) ([]byte, error) {
	out := make([]byte, 0, len(module)+16)
	out = append(out, module[:min(8, len(module))]...)
	err := walkSections(module, func(id byte, at, start, end int) error {
		if id != sectionTable {
			out = append(out, module[at:end]...)
			return nil
		}

		tables, err := (&byteReader{buf: module[:end], off: start}).tables()
		if err != nil {
			return err
		}
		content := binary.AppendUvarint(nil, uint64(len(tables)))
		for _, t := range tables {
			if t.Min > limit {
				return fmt.Errorf("table declares %d initial elements, limit is %d", t.Min, limit)
			}
			hi := limit
			if t.HasMax && t.Max < limit {
				hi = t.Max
			}
			content = append(content, t.elem, limitsHasMax)
			content = binary.AppendUvarint(content, t.Min)
			content = binary.AppendUvarint(content, hi)
		}
		out = append(out, sectionTable)
		out = binary.AppendUvarint(out, uint64(len(content)))
		out = append(out, content...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type tableType struct {
	limits
	elem byte
}

// tables decodes the body of a table section, which must be consumed
// exactly.
func (r *byteReader) tables() ([]tableType, error) {
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	var out []tableType
	for i := uint64(0); i < count; i++ {
		elem, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("table section: %w", err)
		}
		lim, err := r.limits()
		if err != nil {
			return nil, fmt.Errorf("table section: %w", err)
		}
		out = append(out, tableType{limits: lim, elem: elem})
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("table section: %d trailing bytes", len(r.buf)-r.off)
	}
	return out, nil
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of module")
	}
	c := r.buf[r.off]
	r.off++
	return c, nil
}

// uvarint decodes an unsigned LEB128 value.
func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed LEB128 at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *byteReader) limits() (limits, error) {
	flags, err := r.byte()
	if err != nil {
		return limits{}, err
	}
	lo, err := r.uvarint()
	if err != nil {
		return limits{}, err
	}
	l := limits{Min: lo}
	if flags&limitsHasMax != 0 {
		hi, err := r.uvarint()
		if err != nil {
			return limits{}, err
		}
		l.Max, l.HasMax = hi, true
	}
	return l, nil
}
