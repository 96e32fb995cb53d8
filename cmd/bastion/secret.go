// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// secretService is the keyring service config references use by default.
const secretService = "bastion"

func newSecretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets referenced from config as keyring://bastion/<key>",
	}
	cmd.AddCommand(newSecretSetCmd(a), newSecretListCmd(a), newSecretDeleteCmd(a))
	return cmd
}

func newSecretSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "set <key>",
		Short:       "Store a secret (value read from a prompt or stdin)",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if a.interactive() {
				err := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("Value for " + args[0]).
						EchoMode(huh.EchoModePassword).
						Value(&value),
				)).RunWithContext(cmd.Context())
				if err != nil {
					return bastionerr.Wrap(err, bastionerr.CodeCLIInputInvalid, "reading secret")
				}
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return bastionerr.Wrap(err, bastionerr.CodeCLIInputInvalid, "reading secret from stdin")
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return bastionerr.New(bastionerr.CodeSecretInvalidInput, "secret value is empty")
			}

			if err := a.secretStore().Store(secretService, args[0], value); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stored keyring://%s/%s\n", secretService, args[0])
			return err
		},
	}
}

func newSecretListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "list",
		Short:       "List stored secret keys",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := a.secretStore().List(secretService)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				_, err := fmt.Fprintln(out, "No secrets stored")
				return err
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "keyring://%s/%s\n", secretService, k)
			}
			return nil
		},
	}
}

func newSecretDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "delete <key>",
		Short:       "Delete a stored secret",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.secretStore().Delete(secretService, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return err
		},
	}
}
