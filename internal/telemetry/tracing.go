// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package telemetry installs the process-wide OpenTelemetry tracer provider
// that sandbox decision spans are recorded on.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// Config selects where spans go.
type Config struct {
	// Endpoint is an OTLP/gRPC collector host:port. Empty disables export.
	Endpoint string
	Insecure bool
	// SamplingRate is the fraction of root spans kept, 0 to 1.
	SamplingRate float64
	ServiceName  string
	Version      string
}

// ShutdownFunc flushes buffered spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// Setup exports spans to cfg.Endpoint through a batching SDK provider and
// installs it as the global provider. With no endpoint the global provider
// is left alone and the returned shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, bastionerr.Wrapf(err, bastionerr.CodeCLISetupFailure, "creating trace exporter for %s", cfg.Endpoint)
	}

	tp, err := NewProvider(ctx, exp, cfg)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// NewProvider builds a provider that batches sampled spans into exp.
func NewProvider(ctx context.Context, exp sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "bastion"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			attribute.String("version", cfg.Version),
		),
	)
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "building trace resource")
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}
