// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"

	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/store"
	"github.com/sigil-dev/bastion/pkg/health"
)

// PluginService is the subset of the plugin manager the API drives.
type PluginService interface {
	List() []loader.Status
	Get(name string) (loader.Status, error)
	Reload(ctx context.Context, name string) (loader.Status, error)
	Invoke(ctx context.Context, name, export string, input []byte) ([]byte, error)
}

// Services holds the dependencies injected into route handlers.
type Services struct {
	Plugins PluginService
	// Audit is optional; without it the audit route answers 501.
	Audit store.AuditStore
	// Health checks are run on every /health request.
	Health []health.Check
}
