// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/server"
	"github.com/sigil-dev/bastion/internal/store"
)

func TestRoutes_ListAndGetPlugins(t *testing.T) {
	srv := newTestServer(t, server.Config{}, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/plugins", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Plugins []loader.Status `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Plugins, 1)
	assert.Equal(t, "weather", list.Plugins[0].Name)
	assert.Equal(t, []string{"api.weather.example"}, list.Plugins[0].Network)

	w = do(t, srv, http.MethodGet, "/api/v1/plugins/weather", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"1.2.0"`)

	w = do(t, srv, http.MethodGet, "/api/v1/plugins/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Reload(t *testing.T) {
	plugins := &mockPlugins{}
	srv := newTestServer(t, server.Config{}, &server.Services{Plugins: plugins})

	w := do(t, srv, http.MethodPost, "/api/v1/plugins/weather/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"weather"}, plugins.reloaded)

	w = do(t, srv, http.MethodPost, "/api/v1/plugins/ghost/reload", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Invoke(t *testing.T) {
	plugins := &mockPlugins{}
	srv := newTestServer(t, server.Config{}, &server.Services{Plugins: plugins})

	w := do(t, srv, http.MethodPost, "/api/v1/plugins/weather/invoke/forecast", `{"city":"Oslo"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"temp":21}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Bastion-Elapsed"))
	require.Len(t, plugins.inputs, 1)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(plugins.inputs[0]))

	tests := []struct {
		export string
		want   int
	}{
		{"spin", http.StatusUnprocessableEntity},
		{"slow", http.StatusGatewayTimeout},
		{"draining", http.StatusServiceUnavailable},
		{"missing", http.StatusNotFound},
		{"broken", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.export, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, "/api/v1/plugins/weather/invoke/"+tt.export, `{}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w = do(t, srv, http.MethodPost, "/api/v1/plugins/weather/invoke/broken", `{}`)
	assert.NotContains(t, w.Body.String(), "unreachable", "internal failures are not echoed")
}

func TestRoutes_Audit(t *testing.T) {
	audit := &mockAudit{}
	srv := newTestServer(t, server.Config{}, &server.Services{Plugins: &mockPlugins{}, Audit: audit})

	w := do(t, srv, http.MethodGet, "/api/v1/audit?plugin=weather&decision=deny&since=2026-01-02T03:04:05Z", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, store.DecisionDeny, out.Entries[0].Decision)

	assert.Equal(t, "weather", audit.filter.PluginID)
	assert.Equal(t, store.DecisionDeny, audit.filter.Decision)
	assert.Equal(t, 100, audit.filter.Limit)
	assert.True(t, audit.filter.From.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	bad := do(t, srv, http.MethodGet, "/api/v1/audit?decision=maybe", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "decision must be allow or deny")
	bad = do(t, srv, http.MethodGet, "/api/v1/audit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "since must be RFC 3339")
}

func TestRoutes_AuditNotConfigured(t *testing.T) {
	srv := newTestServer(t, server.Config{}, &server.Services{Plugins: &mockPlugins{}})

	w := do(t, srv, http.MethodGet, "/api/v1/audit", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
