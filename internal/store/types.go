// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "time"

// Decision is the outcome recorded for a host-function call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AuditEntry records one host-function decision. Entries are append-only.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	PluginID  string         `json:"plugin_id"`
	Function  string         `json:"function"`
	Decision  Decision       `json:"decision"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	PluginID string
	Function string
	Decision Decision
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Approval is the persisted first-run decision for one installed plugin.
type Approval struct {
	Plugin string
	// Version is the plugin version the decision was made for.
	Version string
	// PermissionDigest fingerprints the declared permissions; a change on
	// upgrade invalidates the approval.
	PermissionDigest string
	Network          []string
	Filesystem       []string
	Env              []string
	// SensitiveEnv lists implicitly denied variable names the user released.
	SensitiveEnv []string
	Elevated     bool
	DecidedBy    string
	DecidedAt    time.Time
}
