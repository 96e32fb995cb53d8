// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "context"

// Store manages host-global sandbox state.
type Store interface {
	AuditLog() AuditStore
	Approvals() ApprovalStore
	Close() error
}

// AuditStore manages the audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// ApprovalStore persists first-run approval decisions keyed by plugin name.
type ApprovalStore interface {
	Get(ctx context.Context, plugin string) (*Approval, error)
	Put(ctx context.Context, approval *Approval) error
	Delete(ctx context.Context, plugin string) error
	List(ctx context.Context) ([]*Approval, error)
}
