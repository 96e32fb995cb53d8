// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

func newAuditCmd(a *app) *cobra.Command {
	var (
		filter   store.AuditFilter
		decision string
		since    time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded host-function decisions",
		Long:  "Query the local audit log, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch store.Decision(decision) {
			case "", store.DecisionAllow, store.DecisionDeny:
				filter.Decision = store.Decision(decision)
			default:
				return bastionerr.Errorf(bastionerr.CodeCLIInputInvalid, "--decision must be allow or deny, got %q", decision)
			}
			if since > 0 {
				filter.From = time.Now().Add(-since)
			}
			if filter.Limit <= 0 {
				return bastionerr.New(bastionerr.CodeCLIInputInvalid, "--limit must be positive")
			}

			st, err := store.Open(&store.StorageConfig{Backend: a.cfg.Storage.Backend}, a.cfg.DataDir)
			if err != nil {
				return bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "opening store")
			}
			defer func() { _ = st.Close() }()

			entries, err := st.AuditLog().Query(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if entries == nil {
					entries = []*store.AuditEntry{}
				}
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				_, err := fmt.Fprintln(out, "No audit entries")
				return err
			}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				d := string(e.Decision)
				if e.Decision == store.DecisionDeny {
					d = warnStyle.Render(d)
				}
				rows[i] = []string{e.Timestamp.Local().Format(time.DateTime), e.PluginID, e.Function, d, e.Reason}
			}
			table(out, []string{"TIME", "PLUGIN", "FUNCTION", "DECISION", "REASON"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.PluginID, "plugin", "", "only entries for this plugin")
	cmd.Flags().StringVar(&filter.Function, "function", "", "only entries for this host function")
	cmd.Flags().StringVar(&decision, "decision", "", "only allow or deny entries")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
