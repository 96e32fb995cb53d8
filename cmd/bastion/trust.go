// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

func newTrustCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage keys trusted to sign plugins",
	}
	cmd.AddCommand(newTrustAddCmd(a), newTrustListCmd(a))
	return cmd
}

func newTrustAddCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <public-key.pem>",
		Short: "Trust a PEM public key for plugin signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := os.ReadFile(args[0])
			if err != nil {
				return bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "reading %s", args[0])
			}
			if err := lifecycle.NewTrustStore().Add(args[0], pemBytes); err != nil {
				return err
			}

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
				return bastionerr.Errorf(bastionerr.CodeCLIInputInvalid, "invalid key name %q", name)
			}

			dir := a.cfg.TrustDir()
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "creating trust directory")
			}
			dst := filepath.Join(dir, name+".pem")
			if _, err := os.Stat(dst); err == nil {
				return bastionerr.Errorf(bastionerr.CodeCLIInputInvalid, "a key named %q is already trusted", name)
			}
			if err := os.WriteFile(dst, pemBytes, 0o600); err != nil {
				return bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "writing trusted key")
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Trusted"), dst)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name for the key (default: file name)")
	return cmd
}

func newTrustListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := lifecycle.LoadTrustStore(a.cfg.Trust.Keys, a.cfg.TrustDir())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ts.Len() == 0 {
				_, err := fmt.Fprintln(out, "No trusted keys")
				return err
			}
			for _, s := range ts.Sources() {
				fmt.Fprintln(out, s)
			}
			return nil
		},
	}
}
