// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle_test

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
	"github.com/sigil-dev/bastion/internal/store"
	"github.com/sigil-dev/bastion/internal/store/sqlite"
)

// tinyModule is an empty but valid wasm binary.
var tinyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func manifestYAML(version string, extra ...string) []byte {
	return fmt.Appendf(nil, "name: weather\nversion: %s\n%s", version, strings.Join(extra, "\n"))
}

func newPackage(kind plugin.SourceKind, manifest []byte) *plugin.Package {
	return &plugin.Package{
		ManifestRaw: manifest,
		Module:      tinyModule,
		Source:      plugin.Source{Kind: kind, Ref: "/tmp/weather"},
	}
}

type keyPair struct {
	signer signature.Signer
	pem    []byte
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signature.LoadSigner(priv, crypto.SHA256)
	require.NoError(t, err)
	pemBytes, err := cryptoutils.MarshalPublicKeyToPEM(pub)
	require.NoError(t, err)
	return keyPair{signer: signer, pem: pemBytes}
}

func (k keyPair) sign(t *testing.T, pkg *plugin.Package) {
	t.Helper()
	sig, err := lifecycle.Sign(k.signer, pkg.ManifestRaw, pkg.Module)
	require.NoError(t, err)
	pkg.Signature = sig
}

type fakePrompter struct {
	confirm  bool
	decision lifecycle.ApprovalDecision
	requests []lifecycle.ApprovalRequest
	confirms int
}

func (p *fakePrompter) ConfirmUnsigned(context.Context, string, plugin.Source) (bool, error) {
	p.confirms++
	return p.confirm, nil
}

func (p *fakePrompter) Approve(_ context.Context, req lifecycle.ApprovalRequest) (lifecycle.ApprovalDecision, error) {
	p.requests = append(p.requests, req)
	return p.decision, nil
}

type fixture struct {
	catalog   *plugin.Catalog
	approvals store.ApprovalStore
	trust     *lifecycle.TrustStore
	prompter  *fakePrompter
	validator *lifecycle.Validator
	dir       string
}

func newFixture(t *testing.T, withPrompter bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlite.NewStore(filepath.Join(dir, "bastion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		catalog:   plugin.NewCatalog(filepath.Join(dir, "plugins"), filepath.Join(dir, "workspaces")),
		approvals: st.Approvals(),
		trust:     lifecycle.NewTrustStore(),
		prompter:  &fakePrompter{decision: lifecycle.ApprovalDecision{Approved: true, DecidedBy: "tester"}},
		dir:       dir,
	}
	var opts []lifecycle.Option
	if withPrompter {
		opts = append(opts, lifecycle.WithPrompter(f.prompter))
	}
	f.validator = lifecycle.NewValidator(f.catalog, f.approvals, f.trust, opts...)
	return f
}

func (f *fixture) install(t *testing.T, manifest []byte) *lifecycle.InstallResult {
	t.Helper()
	res, err := f.validator.Install(context.Background(), newPackage(plugin.SourceLocal, manifest),
		lifecycle.InstallOptions{AllowUnsigned: true})
	require.NoError(t, err)
	return res
}
