// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sigil-dev/bastion/internal/audit"
	"github.com/sigil-dev/bastion/internal/config"
	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/ratelimit"
	"github.com/sigil-dev/bastion/internal/sandbox"
	"github.com/sigil-dev/bastion/internal/store"
	_ "github.com/sigil-dev/bastion/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/bastion/internal/telemetry"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/sigil-dev/bastion/pkg/health"
)

// Host holds every wired subsystem of one bastion process.
type Host struct {
	Config    *config.Config
	Store     store.Store
	Audit     *audit.Log
	Trust     *lifecycle.TrustStore
	Validator *lifecycle.Validator
	Fetcher   *lifecycle.Fetcher
	Manager   *loader.Manager
	Limits    sandbox.Limits
	Rates     ratelimit.Factory
	Health    []health.Check

	redis         *redis.Client
	closers       []io.Closer
	shutdownSpans telemetry.ShutdownFunc
}

// WireHost opens storage and sinks and builds the plugin manager. A nil
// prompter makes every approval non-interactive.
func WireHost(ctx context.Context, cfg *config.Config, prompter lifecycle.Prompter) (_ *Host, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "creating data directory")
	}

	h := &Host{Config: cfg}
	defer func() {
		if err != nil {
			_ = h.Close(context.Background())
		}
	}()

	h.shutdownSpans, err = telemetry.Setup(ctx, telemetry.Config{
		Endpoint:     cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  cfg.Tracing.ServiceName,
		Version:      version,
	})
	if err != nil {
		return nil, err
	}

	h.Store, err = store.Open(&store.StorageConfig{Backend: cfg.Storage.Backend}, cfg.DataDir)
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "opening store")
	}

	sink, err := h.auditSink()
	if err != nil {
		return nil, err
	}
	h.Audit = audit.NewLog(sink, audit.WithFailClosed(cfg.Audit.FailClosed))
	h.Health = append(h.Health, health.FromFailures("audit", h.Audit, audit.EscalationThreshold))

	h.Rates, err = h.rateFactory(ctx)
	if err != nil {
		return nil, err
	}

	specs := make(map[sandbox.HostFunction]ratelimit.Spec, len(cfg.RateLimit.Functions))
	for name, spec := range cfg.RateLimit.Functions {
		fn, ok := sandbox.ParseHostFunction(name)
		if !ok {
			return nil, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue, "unknown host function %q", name)
		}
		specs[fn] = spec
	}

	h.Trust, err = lifecycle.LoadTrustStore(cfg.Trust.Keys, cfg.TrustDir())
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "loading trusted keys")
	}

	var opts []lifecycle.Option
	if prompter != nil {
		opts = append(opts, lifecycle.WithPrompter(prompter))
	}
	catalog := plugin.NewCatalog(cfg.PluginsDir(), cfg.WorkspacesDir())
	h.Validator = lifecycle.NewValidator(catalog, h.Store.Approvals(), h.Trust, opts...)
	h.Fetcher = lifecycle.NewFetcher(cfg.Registry.URL)

	h.Limits = sandbox.Limits{
		Fuel:          cfg.Sandbox.MaxFuel,
		MemoryBytes:   cfg.MemoryBytes(),
		TableElements: cfg.Sandbox.TableElements,
		WallClock:     cfg.Sandbox.WallClock,
	}.Clamp()
	h.Manager = loader.NewManager(h.Validator, sandbox.Deps{
		Audit:     h.Audit,
		Rates:     h.Rates,
		RateSpecs: specs,
		Defaults:  h.Limits,
	}, loader.WithDrainTimeout(cfg.Sandbox.DrainTimeout))

	return h, nil
}

func (h *Host) auditSink() (audit.Sink, error) {
	cfg := h.Config.Audit
	var sinks audit.MultiSink
	for _, name := range cfg.Sinks {
		switch name {
		case "sqlite":
			sinks = append(sinks, h.Store.AuditLog())
		case "jsonl":
			f, err := os.OpenFile(h.Config.AuditJSONLPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "opening jsonl audit file")
			}
			h.closers = append(h.closers, f)
			sinks = append(sinks, audit.NewJSONLSink(f))
		case "kafka":
			k, err := audit.NewKafkaSink(audit.KafkaConfig{
				Brokers:  cfg.Kafka.Brokers,
				Topic:    cfg.Kafka.Topic,
				Username: cfg.Kafka.Username,
				Password: cfg.Kafka.Password,
			})
			if err != nil {
				return nil, err
			}
			h.closers = append(h.closers, k)
			sinks = append(sinks, k)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (h *Host) rateFactory(ctx context.Context) (ratelimit.Factory, error) {
	cfg := h.Config.RateLimit
	if cfg.Backend != "redis" {
		return ratelimit.MemoryFactory(), nil
	}

	h.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := ratelimit.Ping(ctx, h.redis, 2*time.Second); err != nil {
		return nil, err
	}
	client := h.redis
	h.Health = append(h.Health, health.FromPing("rate-limit", func(ctx context.Context) error {
		return ratelimit.Ping(ctx, client, time.Second)
	}))
	return ratelimit.RedisFactory(h.redis, cfg.Redis.Prefix), nil
}

// Close drains loaded plugins, then releases sinks and storage and flushes
// buffered spans.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.Manager != nil {
		if err := h.Manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.Store != nil {
		if err := h.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.shutdownSpans != nil {
		if err := h.shutdownSpans(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		slog.Warn("closing host", "errors", len(errs))
	}
	return errors.Join(errs...)
}
