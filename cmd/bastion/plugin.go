// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	"github.com/sigil-dev/bastion/internal/sandbox"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

func newPluginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
		Long:  "Install, approve, inspect, run and remove sandboxed plugins.",
	}

	cmd.AddCommand(
		newPluginInstallCmd(a),
		newPluginApproveCmd(a),
		newPluginRevokeCmd(a),
		newPluginListCmd(a),
		newPluginInspectCmd(a),
		newPluginRunCmd(a),
		newPluginRemoveCmd(a),
		newPluginSchemaCmd(),
	)

	return cmd
}

// withHost wires a host for one command and closes it afterwards.
func (a *app) withHost(cmd *cobra.Command, assumeYes bool, fn func(ctx context.Context, h *Host) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := WireHost(ctx, a.cfg, a.prompterFor(assumeYes, cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sandbox.DrainTimeout+5*time.Second)
		defer cancel()
		_ = h.Close(closeCtx)
	}()
	return fn(ctx, h)
}

func newPluginInstallCmd(a *app) *cobra.Command {
	var (
		opts      lifecycle.InstallOptions
		assumeYes bool
	)
	cmd := &cobra.Command{
		Use:   "install <path|url|registry:ns/name[@version]>",
		Short: "Install or upgrade a plugin",
		Long: "Install a plugin package (plugin.yaml, plugin.wasm[.gz], optional plugin.sig).\n" +
			"Registry installs must carry a signature from a trusted key. Approval happens on first run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := plugin.ParseSource(args[0])
			if err != nil {
				return err
			}
			return a.withHost(cmd, assumeYes, func(ctx context.Context, h *Host) error {
				pkg, err := h.Fetcher.Fetch(ctx, src)
				if err != nil {
					return err
				}
				res, err := h.Validator.Install(ctx, pkg, opts)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				verb := "Installed"
				if res.Previous != "" {
					verb = fmt.Sprintf("Upgraded from %s to", res.Previous)
				}
				fmt.Fprintf(out, "%s %s %s\n", okStyle.Render(verb), res.Name, res.Version)
				if res.SignedBy != "" {
					field(out, "signed by", res.SignedBy)
				} else {
					fmt.Fprintln(out, warnStyle.Render("  unsigned"))
				}
				if res.ApprovalCleared {
					fmt.Fprintln(out, warnStyle.Render("  permissions changed; approval required again"))
				}
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("  approve with: bastion plugin approve %s", res.Name)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.AllowUnsigned, "allow-unsigned", false, "accept an unsigned local or URL package without asking")
	cmd.Flags().BoolVar(&opts.AllowDowngrade, "allow-downgrade", false, "allow installing an older version")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to every prompt")
	return cmd
}

func newPluginApproveCmd(a *app) *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "approve <name>",
		Short: "Review and approve a plugin's permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd, assumeYes, func(ctx context.Context, h *Host) error {
				g, err := h.Validator.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s\n", okStyle.Render("Approved"), args[0])
				printGrant(out, g)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "approve without prompting (elevated plugins get the minimal grant)")
	return cmd
}

func newPluginRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Drop a plugin's approval so the next run asks again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd, false, func(ctx context.Context, h *Host) error {
				if err := h.Validator.Revoke(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Revoked approval for %s\n", args[0])
				return err
			})
		},
	}
}

type pluginRow struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	State    string `json:"state"`
	Source   string `json:"source"`
	Elevated bool   `json:"elevated"`
}

func newPluginListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHost(cmd, false, func(ctx context.Context, h *Host) error {
				pkgs, err := h.Validator.Catalog().Discover(ctx)
				if err != nil {
					return err
				}
				rows := make([]pluginRow, 0, len(pkgs))
				for _, p := range pkgs {
					state, err := h.Validator.State(ctx, p.Name())
					if err != nil {
						return err
					}
					rows = append(rows, pluginRow{
						Name:     p.Name(),
						Version:  p.Manifest.Version,
						State:    state.String(),
						Source:   p.Source.String(),
						Elevated: p.Manifest.RequiresElevation(),
					})
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, rows)
				}
				if len(rows) == 0 {
					_, err := fmt.Fprintln(out, "No plugins installed")
					return err
				}
				cells := make([][]string, len(rows))
				for i, r := range rows {
					cells[i] = []string{r.Name, r.Version, r.State, r.Source}
				}
				table(out, []string{"NAME", "VERSION", "STATE", "SOURCE"}, cells)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show a plugin's manifest, approval and effective limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd, false, func(ctx context.Context, h *Host) error {
				pkg, err := h.Validator.Catalog().Load(args[0])
				if err != nil {
					return err
				}
				m := pkg.Manifest
				out := cmd.OutOrStdout()

				fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s %s", m.Name, m.Version)))
				if m.Description != "" {
					field(out, "description", m.Description)
				}
				if m.Author != "" {
					field(out, "author", m.Author)
				}
				field(out, "source", pkg.Source.String())
				field(out, "exports", m.Exports)
				field(out, "elevated", m.RequiresElevation())

				fmt.Fprintln(out, headerStyle.Render("requested"))
				field(out, "network", m.Permissions.Network)
				field(out, "filesystem", m.Permissions.Filesystem)
				field(out, "env", m.Permissions.Env)
				field(out, "digest", m.Permissions.Digest())

				fmt.Fprintln(out, headerStyle.Render("approval"))
				approval, err := h.Store.Approvals().Get(ctx, m.Name)
				switch {
				case bastionerr.IsNotFound(err):
					fmt.Fprintln(out, warnStyle.Render("  not approved"))
				case err != nil:
					return err
				default:
					if approval.PermissionDigest != m.Permissions.Digest() {
						fmt.Fprintln(out, warnStyle.Render("  stale: permissions changed since approval"))
					}
					field(out, "version", approval.Version)
					field(out, "decided by", approval.DecidedBy)
					field(out, "decided at", approval.DecidedAt.Format(time.RFC3339))
					field(out, "network", approval.Network)
					field(out, "filesystem", approval.Filesystem)
					field(out, "env", approval.Env)
					field(out, "sensitive env", approval.SensitiveEnv)
				}

				l := sandbox.ResolveLimits(h.Limits, m.Resources)
				fmt.Fprintln(out, headerStyle.Render("limits"))
				field(out, "fuel", l.Fuel)
				field(out, "memory", fmt.Sprintf("%d MiB", l.MemoryBytes>>20))
				field(out, "table elements", l.TableElements)
				field(out, "wall clock", l.WallClock)
				return nil
			})
		},
	}
}

func newPluginRunCmd(a *app) *cobra.Command {
	var (
		input     string
		inputFile string
		args      []string
		assumeYes bool
	)
	cmd := &cobra.Command{
		Use:   "run <name> <export>",
		Short: "Load a plugin and call one export",
		Long: "Load a plugin in its sandbox and call an export. JSON input is passed with --input\n" +
			"or --input-file; numeric exports take repeated --arg values.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			name, export := pos[0], pos[1]
			if input != "" && inputFile != "" {
				return bastionerr.New(bastionerr.CodeCLIInputInvalid, "use either --input or --input-file")
			}
			if inputFile != "" {
				b, err := os.ReadFile(inputFile)
				if err != nil {
					return bastionerr.Wrap(err, bastionerr.CodeCLIInputInvalid, "reading input file")
				}
				input = string(b)
			}
			params := make([]uint64, len(args))
			for i, s := range args {
				n, err := strconv.ParseInt(s, 0, 64)
				if err != nil {
					return bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "--arg %q is not an integer", s)
				}
				params[i] = uint64(n)
			}

			return a.withHost(cmd, assumeYes, func(ctx context.Context, h *Host) error {
				// First run asks for approval when someone can answer.
				if _, err := h.Validator.Approve(ctx, name); err != nil {
					return err
				}
				if _, err := h.Manager.Load(ctx, name); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(params) > 0 {
					res, err := h.Manager.Call(ctx, name, export, params...)
					if err != nil {
						return err
					}
					for _, r := range res {
						fmt.Fprintln(out, int64(r))
					}
					return nil
				}

				res, err := h.Manager.Invoke(ctx, name, export, []byte(input))
				if err != nil {
					return err
				}
				if len(res) > 0 {
					_, err = fmt.Fprintln(out, string(res))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input passed to the export")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file holding the export input")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "integer argument for numeric exports (repeatable)")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "approve on first run without prompting")
	return cmd
}

func newPluginRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Uninstall a plugin and drop its approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd, false, func(ctx context.Context, h *Host) error {
				if err := h.Validator.Uninstall(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return err
			})
		},
	}
}

func newPluginSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "schema",
		Short:       "Print the plugin manifest JSON schema",
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := plugin.ManifestSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

func printGrant(w io.Writer, g plugin.Grant) {
	field(w, "network", g.Permissions.Network)
	field(w, "filesystem", g.Permissions.Filesystem)
	field(w, "env", g.Permissions.Env)
	if len(g.SensitiveEnv) > 0 {
		field(w, "sensitive env", g.SensitiveEnv)
	}
	if g.Elevated {
		field(w, "elevated", true)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
