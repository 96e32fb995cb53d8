// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/bastion/internal/secrets"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// mockSecretStore is an in-memory secrets.Store for testing.
type mockSecretStore struct {
	data map[string]string // key -> value; the service is always "bastion"
}

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{data: make(map[string]string)}
}

func (m *mockSecretStore) Store(_, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockSecretStore) Retrieve(_, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", bastionerr.Errorf(bastionerr.CodeSecretNotFound, "not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(_, key string) error {
	if _, ok := m.data[key]; !ok {
		return bastionerr.Errorf(bastionerr.CodeSecretNotFound, "not found")
	}
	delete(m.data, key)
	return nil
}

func (m *mockSecretStore) List(string) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// testEnv is a data directory plus config file shared by several command
// invocations.
type testEnv struct {
	dir     string
	cfgPath string
	secrets *mockSecretStore
}

func newTestEnv(t *testing.T, extraConfig ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bastion.yaml")
	cfg := fmt.Sprintf("data_dir: %s\nlog:\n  level: error\n%s\n", filepath.Join(dir, "data"), strings.Join(extraConfig, "\n"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return &testEnv{dir: dir, cfgPath: cfgPath, secrets: newMockSecretStore()}
}

// run executes one bastion invocation and returns stdout.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&app{
		interactive: func() bool { return false },
		secretStore: func() secrets.Store { return e.secrets },
	})
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	for _, sub := range []string{"plugin", "audit", "trust", "secret", "serve", "version"} {
		assert.Contains(t, buf.String(), sub)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"version", "--config", "/nonexistent/bastion.yaml"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "bastion dev")
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	env := newTestEnv(t)
	env.cfgPath = filepath.Join(env.dir, "missing.yaml")

	_, err := env.run(t, "", "plugin", "list")
	require.Error(t, err)
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodeConfigLoadReadFailure))
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	env := newTestEnv(t, "sandbox:\n  max_memory: 1Gi")

	_, err := env.run(t, "", "plugin", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox.max_memory")
}

func TestRootCommand_ResolvesSecretReferences(t *testing.T) {
	env := newTestEnv(t, "server:\n  listen: 127.0.0.1:0\n  token: keyring://bastion/admin-token")

	_, err := env.run(t, "", "plugin", "list")
	require.Error(t, err, "unresolvable token reference must fail startup")
	assert.Contains(t, err.Error(), "resolving secret references")

	env.secrets.data["admin-token"] = "s3cret"
	out, err := env.run(t, "", "plugin", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins installed")
}

func TestRootCommand_DataDirFlag(t *testing.T) {
	env := newTestEnv(t)
	other := filepath.Join(env.dir, "other")

	_, err := env.run(t, "", "--data-dir", other, "plugin", "list")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(other, "bastion.db"))
}
