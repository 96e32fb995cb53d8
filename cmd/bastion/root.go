// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/bastion/internal/config"
	"github.com/sigil-dev/bastion/internal/secrets"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	cfgPath string
	dataDir string
	verbose bool

	cfg *config.Config

	// interactive reports whether a human can answer prompts.
	interactive func() bool
	// secretStore is replaced in tests with a mock keyring.
	secretStore func() secrets.Store
}

// NewRootCmd creates the root bastion command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{
		interactive: stdinIsTerminal,
		secretStore: func() secrets.Store { return secrets.NewKeyringStore() },
	})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bastion",
		Short:         "Bastion: a permission-enforcing sandbox for WASM plugins",
		Long:          "Bastion installs, approves and runs untrusted WASM plugins under explicit network, filesystem, environment and resource limits.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["config"] == "none" {
				return nil
			}
			return a.loadConfig(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "path to data directory")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newVersionCmd(),
		newPluginCmd(a),
		newAuditCmd(a),
		newTrustCmd(a),
		newSecretCmd(a),
		newServeCmd(a),
	)

	return root
}

// loadConfig resolves the config file (flag > ./bastion.yaml >
// ~/.config/bastion > /etc/bastion > bootstrapped default), applies
// overrides, resolves secret references and installs the logger.
func (a *app) loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	config.SetDefaults(v)
	config.SetupEnv(v)

	if a.cfgPath != "" {
		v.SetConfigFile(a.cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return bastionerr.Wrapf(err, bastionerr.CodeConfigLoadReadFailure, "reading config file %s", a.cfgPath)
		}
	} else {
		// SetConfigType is omitted so viper never matches the bare binary
		// name in the working directory.
		v.SetConfigName("bastion")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/bastion")
		v.AddConfigPath("/etc/bastion")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return bastionerr.Wrap(err, bastionerr.CodeConfigLoadReadFailure, "reading config")
			}
			if def, err := config.DefaultConfigPath(); err == nil {
				if path := config.BootstrapConfig(def); path != "" {
					v.SetConfigFile(path)
					if err := v.ReadInConfig(); err != nil {
						return bastionerr.Wrap(err, bastionerr.CodeConfigLoadReadFailure, "reading bootstrapped config")
					}
				}
			}
		}
	}

	if a.dataDir != "" {
		v.Set("data_dir", a.dataDir)
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	config.WarnInsecurePermissions(v.ConfigFileUsed())

	if err := secrets.NewResolver(a.secretStore()).ResolveAll(cfg.SecretRefs()...); err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "resolving secret references")
	}

	slog.SetDefault(newLogger(cfg.Log, a.verbose, cmd.ErrOrStderr()))
	a.cfg = cfg
	return nil
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
