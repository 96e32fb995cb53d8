// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/sigil-dev/bastion/internal/store"
)

type auditStore struct {
	db *sql.DB
}

func (s *auditStore) Append(ctx context.Context, entry *store.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return invalidInput(nil, "audit entry requires an id")
	}

	details := "{}"
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return invalidInput(err, "marshalling audit details")
		}
		details = string(b)
	}

	const q = `INSERT INTO audit_log (id, timestamp, plugin_id, function, decision, reason, details)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		entry.ID, formatTime(entry.Timestamp), entry.PluginID, entry.Function,
		string(entry.Decision), entry.Reason, details,
	)
	if err != nil {
		return dbError(err, "appending audit entry %s", entry.ID)
	}
	return nil
}

// Query returns matching entries, newest first.
func (s *auditStore) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT id, timestamp, plugin_id, function, decision, reason, details FROM audit_log`)

	var conditions []string
	var args []any

	if filter.PluginID != "" {
		conditions = append(conditions, "plugin_id = ?")
		args = append(args, filter.PluginID)
	}
	if filter.Function != "" {
		conditions = append(conditions, "function = ?")
		args = append(args, filter.Function)
	}
	if filter.Decision != "" {
		conditions = append(conditions, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, formatTime(filter.To))
	}

	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}

	qb.WriteString(" ORDER BY timestamp DESC, rowid DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	qb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, dbError(err, "querying audit log")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var entries []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var ts, decision, detailsJSON string
		if err := rows.Scan(&e.ID, &ts, &e.PluginID, &e.Function, &decision, &e.Reason, &detailsJSON); err != nil {
			return nil, dbError(err, "scanning audit row")
		}
		e.Decision = store.Decision(decision)
		e.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, dbError(err, "parsing audit entry %s timestamp", e.ID)
		}
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
				return nil, dbError(err, "unmarshalling audit details")
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "iterating audit entries")
	}
	return entries, nil
}
