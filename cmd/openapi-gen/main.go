// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Command openapi-gen writes the admin API OpenAPI document and the plugin
// manifest JSON schema.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/loader"
	"github.com/sigil-dev/bastion/internal/server"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

func main() {
	specPath := "api/openapi/spec.json"
	schemaPath := "api/schema/plugin-manifest.json"
	if len(os.Args) > 1 {
		specPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		schemaPath = os.Args[2]
	}

	spec, err := generateSpec()
	if err != nil {
		fail(err)
	}
	schema, err := plugin.ManifestSchema()
	if err != nil {
		fail(err)
	}

	for path, data := range map[string][]byte{specPath: spec, schemaPath: schema} {
		if err := write(path, data); err != nil {
			fail(err)
		}
		fmt.Printf("wrote %s\n", path)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodeCLISetupFailure, "creating %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodeCLISetupFailure, "writing %s", path)
	}
	return nil
}

// generateSpec builds a server over no-op services and returns the OpenAPI
// document huma derives from the route types.
func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, &server.Services{Plugins: stubPlugins{}})
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeCLISetupFailure, "creating server")
	}
	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

// stubPlugins is never called during spec generation.
type stubPlugins struct{}

func (stubPlugins) List() []loader.Status { return nil }
func (stubPlugins) Get(string) (loader.Status, error) { return loader.Status{}, nil }
func (stubPlugins) Reload(context.Context, string) (loader.Status, error) {
	return loader.Status{}, nil
}
func (stubPlugins) Invoke(context.Context, string, string, []byte) ([]byte, error) {
	return nil, nil
}
