// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/sigil-dev/bastion/internal/store"
)

type approvalStore struct {
	db *sql.DB
}

const approvalColumns = `plugin, version, permission_digest, network, filesystem, env, sensitive_env, elevated, decided_by, decided_at`

func (s *approvalStore) Get(ctx context.Context, plugin string) (*store.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE plugin = ?`, plugin)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("approval for plugin %s", plugin)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Put inserts or replaces the approval for a plugin.
func (s *approvalStore) Put(ctx context.Context, a *store.Approval) error {
	if a == nil || a.Plugin == "" {
		return invalidInput(nil, "approval requires a plugin name")
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{a.Network, a.Filesystem, a.Env, a.SensitiveEnv} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return invalidInput(err, "marshalling approval permissions")
		}
		lists = append(lists, string(b))
	}

	const q = `INSERT INTO approvals (` + approvalColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(plugin) DO UPDATE SET
	version = excluded.version,
	permission_digest = excluded.permission_digest,
	network = excluded.network,
	filesystem = excluded.filesystem,
	env = excluded.env,
	sensitive_env = excluded.sensitive_env,
	elevated = excluded.elevated,
	decided_by = excluded.decided_by,
	decided_at = excluded.decided_at`

	_, err := s.db.ExecContext(ctx, q,
		a.Plugin, a.Version, a.PermissionDigest,
		lists[0], lists[1], lists[2], lists[3],
		a.Elevated, a.DecidedBy, formatTime(a.DecidedAt),
	)
	if err != nil {
		return dbError(err, "storing approval for plugin %s", a.Plugin)
	}
	return nil
}

func (s *approvalStore) Delete(ctx context.Context, plugin string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE plugin = ?`, plugin)
	if err != nil {
		return dbError(err, "deleting approval for plugin %s", plugin)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return dbError(err, "checking rows affected")
	}
	if rows == 0 {
		return notFound("approval for plugin %s", plugin)
	}
	return nil
}

func (s *approvalStore) List(ctx context.Context) ([]*store.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY plugin`)
	if err != nil {
		return nil, dbError(err, "listing approvals")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var out []*store.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "iterating approvals")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(sc scanner) (*store.Approval, error) {
	var a store.Approval
	var network, filesystem, env, sensitive, decidedAt string
	if err := sc.Scan(
		&a.Plugin, &a.Version, &a.PermissionDigest,
		&network, &filesystem, &env, &sensitive,
		&a.Elevated, &a.DecidedBy, &decidedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbError(err, "scanning approval row")
	}

	targets := []*[]string{&a.Network, &a.Filesystem, &a.Env, &a.SensitiveEnv}
	for i, raw := range []string{network, filesystem, env, sensitive} {
		if err := json.Unmarshal([]byte(raw), targets[i]); err != nil {
			return nil, dbError(err, "decoding approval %s", a.Plugin)
		}
	}

	var err error
	a.DecidedAt, err = parseTime(decidedAt)
	if err != nil {
		return nil, dbError(err, "parsing approval %s timestamp", a.Plugin)
	}
	return &a, nil
}
