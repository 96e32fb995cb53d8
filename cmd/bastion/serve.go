// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/bastion/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load approved plugins and serve the admin API",
		Long: "Load every installed plugin with a current approval and serve the admin API.\n" +
			"Plugins awaiting approval are skipped; approve them with `bastion plugin approve`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Serving never prompts.
			h, err := WireHost(ctx, a.cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sandbox.DrainTimeout+5*time.Second)
				defer cancel()
				if err := h.Close(closeCtx); err != nil {
					slog.Warn("shutdown", "error", err)
				}
			}()

			loadedNames, err := h.Manager.LoadAll(ctx)
			if err != nil {
				slog.Warn("some plugins failed to load", "error", err)
			}
			slog.Info("plugins loaded", "count", len(loadedNames), "plugins", loadedNames)

			addr := a.cfg.Server.Listen
			if listen != "" {
				addr = listen
			}
			srv, err := server.New(server.Config{
				ListenAddr:  addr,
				CORSOrigins: a.cfg.Server.CORSOrigins,
				Token:       a.cfg.Server.Token,
				RateLimit: server.RateLimitConfig{
					Spec:    a.cfg.Server.RateLimit,
					Factory: h.Rates,
				},
			}, &server.Services{
				Plugins: h.Manager,
				Audit:   h.Store.AuditLog(),
				Health:  h.Health,
			})
			if err != nil {
				return err
			}

			slog.Info("serving admin api", "addr", addr, "version", server.Version)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	return cmd
}
