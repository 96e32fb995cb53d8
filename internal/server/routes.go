// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/sigil-dev/bastion/pkg/health"
)

const (
	defaultAuditLimit = 100
	maxInvokeBody     = 4 << 20
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-plugins",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins",
		Summary:     "List loaded plugins",
		Tags:        []string{"plugins"},
	}, s.handleListPlugins)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-plugin",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins/{name}",
		Summary:     "Get plugin status, grants and limits",
		Tags:        []string{"plugins"},
	}, s.handleGetPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "reload-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/reload",
		Summary:     "Reload a plugin from the install store",
		Description: "The running instance drains in-flight calls before it is closed.",
		Tags:        []string{"plugins"},
	}, s.handleReloadPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID:  "invoke-plugin",
		Method:       http.MethodPost,
		Path:         "/api/v1/plugins/{name}/invoke/{export}",
		Summary:      "Invoke a plugin export",
		Description:  "The request body is passed to the export verbatim and its output is returned verbatim.",
		Tags:         []string{"plugins"},
		MaxBodyBytes: maxInvokeBody,
	}, s.handleInvoke)

	huma.Register(s.api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit",
		Summary:     "Query the audit log, newest first",
		Tags:        []string{"audit"},
	}, s.handleQueryAudit)
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body health.Report
}

type listPluginsOutput struct {
	Body struct {
		Plugins []loader.Status `json:"plugins"`
	}
}

type pluginNameInput struct {
	Name string `path:"name" doc:"Plugin name"`
}

type pluginOutput struct {
	Body loader.Status
}

type invokeInput struct {
	Name    string `path:"name" doc:"Plugin name"`
	Export  string `path:"export" doc:"Exported function"`
	RawBody []byte `contentType:"application/json"`
}

type invokeOutput struct {
	ContentType string `header:"Content-Type"`
	Elapsed     string `header:"X-Bastion-Elapsed"`
	Body        []byte
}

type auditInput struct {
	Plugin   string `query:"plugin" doc:"Filter by plugin name"`
	Function string `query:"function" doc:"Filter by host function"`
	Decision string `query:"decision" doc:"allow or deny"`
	Since    string `query:"since" doc:"RFC 3339 lower bound"`
	Until    string `query:"until" doc:"RFC 3339 upper bound"`
	Limit    int    `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum entries (default 100)"`
	Offset   int    `query:"offset" minimum:"0"`
}

type auditOutput struct {
	Body struct {
		Entries []*store.AuditEntry `json:"entries"`
	}
}

// --- Handlers ---

func (s *Server) handleHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	return &healthOutput{Body: health.Run(ctx, s.services.Health...)}, nil
}

func (s *Server) handleListPlugins(_ context.Context, _ *struct{}) (*listPluginsOutput, error) {
	out := &listPluginsOutput{}
	out.Body.Plugins = s.services.Plugins.List()
	return out, nil
}

func (s *Server) handleGetPlugin(_ context.Context, input *pluginNameInput) (*pluginOutput, error) {
	st, err := s.services.Plugins.Get(input.Name)
	if err != nil {
		return nil, apiError(err)
	}
	return &pluginOutput{Body: st}, nil
}

func (s *Server) handleReloadPlugin(ctx context.Context, input *pluginNameInput) (*pluginOutput, error) {
	st, err := s.services.Plugins.Reload(ctx, input.Name)
	if err != nil {
		return nil, apiError(err)
	}
	slog.Info("plugin reloaded via api", "plugin", input.Name, "version", st.Version)
	return &pluginOutput{Body: st}, nil
}

func (s *Server) handleInvoke(ctx context.Context, input *invokeInput) (*invokeOutput, error) {
	start := time.Now()
	out, err := s.services.Plugins.Invoke(ctx, input.Name, input.Export, input.RawBody)
	if err != nil {
		return nil, apiError(err)
	}
	ct := "application/octet-stream"
	if len(out) > 0 && json.Valid(out) {
		ct = "application/json"
	}
	return &invokeOutput{ContentType: ct, Elapsed: time.Since(start).String(), Body: out}, nil
}

func (s *Server) handleQueryAudit(ctx context.Context, input *auditInput) (*auditOutput, error) {
	if s.services.Audit == nil {
		return nil, huma.Error501NotImplemented("audit store not configured")
	}

	filter := store.AuditFilter{
		PluginID: input.Plugin,
		Function: input.Function,
		Limit:    input.Limit,
		Offset:   input.Offset,
	}
	if filter.Limit == 0 {
		filter.Limit = defaultAuditLimit
	}
	switch store.Decision(input.Decision) {
	case "", store.DecisionAllow, store.DecisionDeny:
		filter.Decision = store.Decision(input.Decision)
	default:
		return nil, apiError(bastionerr.Errorf(bastionerr.CodeServerRequestInvalid,
			"decision must be allow or deny, got %q", input.Decision))
	}
	var err error
	if filter.From, err = parseTime(input.Since); err != nil {
		return nil, apiError(bastionerr.Wrap(err, bastionerr.CodeServerRequestInvalid, "since must be RFC 3339"))
	}
	if filter.To, err = parseTime(input.Until); err != nil {
		return nil, apiError(bastionerr.Wrap(err, bastionerr.CodeServerRequestInvalid, "until must be RFC 3339"))
	}

	entries, err := s.services.Audit.Query(ctx, filter)
	if err != nil {
		return nil, apiError(err)
	}
	out := &auditOutput{}
	out.Body.Entries = entries
	if out.Body.Entries == nil {
		out.Body.Entries = []*store.AuditEntry{}
	}
	return out, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// apiError maps a coded error to its HTTP status. Internal failures do not
// leak their message.
func apiError(err error) error {
	status := bastionerr.HTTPStatus(err)
	switch {
	case bastionerr.HasCode(err, bastionerr.CodePluginUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable &&
		status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		slog.Error("api request failed", "code", bastionerr.CodeOf(err), "error", err)
		return huma.NewError(status, "internal error")
	}
	return huma.NewError(status, err.Error())
}
