// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"database/sql"
	"time"

	"github.com/sigil-dev/bastion/internal/store"
)

// Compile-time interface checks.
var (
	_ store.Store         = (*Store)(nil)
	_ store.AuditStore    = (*auditStore)(nil)
	_ store.ApprovalStore = (*approvalStore)(nil)
)

// Store implements store.Store backed by a single SQLite database.
type Store struct {
	db        *sql.DB
	audit     *auditStore
	approvals *approvalStore
}

// NewStore opens (or creates) a SQLite database at dbPath and
// initialises the audit_log and approvals tables.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, dbError(err, "opening store db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, dbError(err, "pinging store db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, dbError(err, "migrating store db")
	}

	return &Store{
		db:        db,
		audit:     &auditStore{db: db},
		approvals: &approvalStore{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	plugin_id TEXT NOT NULL DEFAULT '',
	function  TEXT NOT NULL DEFAULT '',
	decision  TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_plugin    ON audit_log(plugin_id, function);

-- audit_log is append-only.
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TABLE IF NOT EXISTS approvals (
	plugin            TEXT PRIMARY KEY,
	version           TEXT NOT NULL,
	permission_digest TEXT NOT NULL,
	network           TEXT NOT NULL DEFAULT '[]',
	filesystem        TEXT NOT NULL DEFAULT '[]',
	env               TEXT NOT NULL DEFAULT '[]',
	sensitive_env     TEXT NOT NULL DEFAULT '[]',
	elevated          INTEGER NOT NULL DEFAULT 0,
	decided_by        TEXT NOT NULL DEFAULT '',
	decided_at        TEXT NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// AuditLog returns the AuditStore sub-store.
func (s *Store) AuditLog() store.AuditStore { return s.audit }

// Approvals returns the ApprovalStore sub-store.
func (s *Store) Approvals() store.ApprovalStore { return s.approvals }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
