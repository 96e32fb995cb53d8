// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package audit

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync"

	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// MemorySink captures entries in memory. Used by tests and the dry-run CLI.
type MemorySink struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, entry *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries returns a copy of all captured entries in append order.
func (s *MemorySink) Entries() []store.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Filter returns captured entries for one plugin and function.
func (s *MemorySink) Filter(pluginID, function string) []store.AuditEntry {
	var out []store.AuditEntry
	for _, e := range s.Entries() {
		if e.PluginID == pluginID && (function == "" || e.Function == function) {
			out = append(out, e)
		}
	}
	return out
}

// JSONLSink writes one JSON object per line. Each record is encoded before
// the lock is taken and written with a single Write call.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink returns a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) Append(_ context.Context, entry *store.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeAuditAppendFailure, "encoding audit entry")
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeAuditAppendFailure, "writing audit entry")
	}
	return nil
}

// MultiSink fans an entry out to every sink. All sinks are attempted; the
// joined error reports each failure.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, entry *store.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return bastionerr.Join(errs...)
	}
	return nil
}
