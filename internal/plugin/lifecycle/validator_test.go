// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

func assertNotInstalled(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.catalog.Load("weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginNotFound), "got %v", err)
}

func TestInstall_UnsignedLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("refused without confirmation", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.validator.Install(ctx, newPackage(plugin.SourceLocal, manifestYAML("1.0.0")), lifecycle.InstallOptions{})
		assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginInstallSourceDenied), "got %v", err)
		assertNotInstalled(t, f)
	})

	t.Run("declined at the prompt", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.validator.Install(ctx, newPackage(plugin.SourceURL, manifestYAML("1.0.0")), lifecycle.InstallOptions{})
		assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginInstallSourceDenied))
		assert.Equal(t, 1, f.prompter.confirms)
		assertNotInstalled(t, f)
	})

	t.Run("confirmed at the prompt", func(t *testing.T) {
		f := newFixture(t, true)
		f.prompter.confirm = true
		res, err := f.validator.Install(ctx, newPackage(plugin.SourceLocal, manifestYAML("1.0.0")), lifecycle.InstallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "weather", res.Name)
		assert.Empty(t, res.SignedBy)
	})

	t.Run("override flag", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.validator.Install(ctx, newPackage(plugin.SourceLocal, manifestYAML("1.0.0")),
			lifecycle.InstallOptions{AllowUnsigned: true})
		require.NoError(t, err)
	})
}

func TestInstall_RegistrySignature(t *testing.T) {
	ctx := context.Background()
	trusted := newKeyPair(t)
	stranger := newKeyPair(t)

	tests := []struct {
		name    string
		prepare func(t *testing.T, pkg *plugin.Package)
		wantErr bool
	}{
		{name: "unsigned", prepare: func(*testing.T, *plugin.Package) {}, wantErr: true},
		{name: "untrusted key", prepare: func(t *testing.T, pkg *plugin.Package) { stranger.sign(t, pkg) }, wantErr: true},
		{name: "tampered module", prepare: func(t *testing.T, pkg *plugin.Package) {
			trusted.sign(t, pkg)
			pkg.Module = append([]byte{}, tinyModule...)
			pkg.Module = append(pkg.Module, 0x00, 0x00)
		}, wantErr: true},
		{name: "garbage signature", prepare: func(_ *testing.T, pkg *plugin.Package) { pkg.Signature = []byte("%%%") }, wantErr: true},
		{name: "trusted key", prepare: func(t *testing.T, pkg *plugin.Package) { trusted.sign(t, pkg) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.prompter.confirm = true
			require.NoError(t, f.trust.Add("publisher.pem", trusted.pem))

			pkg := newPackage(plugin.SourceRegistry, manifestYAML("1.0.0"))
			tt.prepare(t, pkg)
			res, err := f.validator.Install(ctx, pkg, lifecycle.InstallOptions{AllowUnsigned: true})
			if tt.wantErr {
				assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginSignatureInvalid), "got %v", err)
				assert.Zero(t, f.prompter.confirms, "registry installs never fall back to a prompt")
				assertNotInstalled(t, f)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "publisher.pem", res.SignedBy)
		})
	}
}

func TestInstall_SignedLocalMustVerify(t *testing.T) {
	f := newFixture(t, false)
	pkg := newPackage(plugin.SourceLocal, manifestYAML("1.0.0"))
	newKeyPair(t).sign(t, pkg)

	_, err := f.validator.Install(context.Background(), pkg, lifecycle.InstallOptions{AllowUnsigned: true})
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginSignatureInvalid))
}

func TestInstall_SchemaInvalid(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.validator.Install(context.Background(),
		newPackage(plugin.SourceLocal, []byte("name: weather\nversion: 1.0.0\nshell: true\n")),
		lifecycle.InstallOptions{AllowUnsigned: true})
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginManifestSchemaInvalid), "got %v", err)
	assertNotInstalled(t, f)
}

func TestInstall_Downgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.install(t, manifestYAML("1.2.0"))

	_, err := f.validator.Install(ctx, newPackage(plugin.SourceLocal, manifestYAML("1.1.0")),
		lifecycle.InstallOptions{AllowUnsigned: true})
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginInstallDowngradeDenied))

	res, err := f.validator.Install(ctx, newPackage(plugin.SourceLocal, manifestYAML("1.1.0")),
		lifecycle.InstallOptions{AllowUnsigned: true, AllowDowngrade: true})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", res.Previous)
	assert.Equal(t, "1.1.0", res.Version)
}

func TestApprove_FirstRunPromptsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.install(t, manifestYAML("1.0.0", "permissions:", "  network: [api.example.com]"))

	state, err := f.validator.State(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateInstalled, state)

	_, err = f.validator.Grant(ctx, "weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired))

	g, err := f.validator.Approve(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com"}, g.Permissions.Network)
	require.Len(t, f.prompter.requests, 1)
	assert.Nil(t, f.prompter.requests[0].Previous)

	_, err = f.validator.Approve(ctx, "weather")
	require.NoError(t, err)
	assert.Len(t, f.prompter.requests, 1, "a current approval is not asked again")

	stored, err := f.validator.Grant(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, g, stored)

	state, err = f.validator.State(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateApproved, state)
}

func TestApprove_UpgradeReprompt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.install(t, manifestYAML("1.0.0", "permissions:", "  network: [api.example.com]"))
	_, err := f.validator.Approve(ctx, "weather")
	require.NoError(t, err)

	res := f.install(t, manifestYAML("1.1.0", "permissions:", "  network: [api.example.com]"))
	assert.False(t, res.ApprovalCleared)
	_, err = f.validator.Grant(ctx, "weather")
	require.NoError(t, err, "same permissions keep the approval")

	res = f.install(t, manifestYAML("1.2.0", "permissions:", "  network: [api.example.com, cdn.example.com]"))
	assert.True(t, res.ApprovalCleared)
	_, err = f.validator.Grant(ctx, "weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired))

	g, err := f.validator.Approve(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "cdn.example.com"}, g.Permissions.Network)
	assert.Len(t, f.prompter.requests, 2)
}

func TestApprove_ElevatedDefaultsToMinimal(t *testing.T) {
	ctx := context.Background()
	manifest := manifestYAML("1.0.0",
		"permissions:",
		"  network: [api.example.com]",
		"  env: [REGION]",
		"flags:",
		"  shell: true")

	t.Run("minimal", func(t *testing.T) {
		f := newFixture(t, true)
		f.install(t, manifest)

		g, err := f.validator.Approve(ctx, "weather")
		require.NoError(t, err)
		assert.True(t, g.Elevated)
		assert.Empty(t, g.Permissions.Network)
		assert.Empty(t, g.Permissions.Env)
		assert.Equal(t, []string{f.catalog.Workspace("weather")}, g.Permissions.Filesystem)
		require.Len(t, f.prompter.requests, 1)
		assert.True(t, f.prompter.requests[0].Elevated)
		assert.DirExists(t, f.catalog.Workspace("weather"))
	})

	t.Run("broadened", func(t *testing.T) {
		f := newFixture(t, true)
		f.prompter.decision.Broaden = true
		f.install(t, manifest)

		g, err := f.validator.Approve(ctx, "weather")
		require.NoError(t, err)
		assert.Equal(t, []string{"api.example.com"}, g.Permissions.Network)
		assert.Equal(t, []string{"REGION"}, g.Permissions.Env)
	})
}

func TestApprove_SensitiveEnvRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.prompter.decision.SensitiveEnv = []string{"API_TOKEN", "NOT_REQUESTED_SECRET"}
	f.install(t, manifestYAML("1.0.0", "permissions:", "  env: [REGION, API_TOKEN]"))

	g, err := f.validator.Approve(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_TOKEN"}, g.SensitiveEnv)
	assert.Equal(t, []string{"API_TOKEN"}, f.prompter.requests[0].SensitiveEnv)
}

func TestApprove_DeclinedOrUnavailable(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, true)
	f.prompter.decision.Approved = false
	f.install(t, manifestYAML("1.0.0"))
	_, err := f.validator.Approve(ctx, "weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalDenied))

	f = newFixture(t, false)
	f.install(t, manifestYAML("1.0.0"))
	_, err = f.validator.Approve(ctx, "weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired))
}

func TestUninstallAndRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.install(t, manifestYAML("1.0.0"))
	_, err := f.validator.Approve(ctx, "weather")
	require.NoError(t, err)

	require.NoError(t, f.validator.Revoke(ctx, "weather"))
	_, err = f.validator.Grant(ctx, "weather")
	assert.True(t, bastionerr.HasCode(err, bastionerr.CodePluginApprovalRequired))

	require.NoError(t, f.validator.Uninstall(ctx, "weather"))
	assertNotInstalled(t, f)
	assert.True(t, bastionerr.IsNotFound(f.validator.Uninstall(ctx, "weather")))
}
