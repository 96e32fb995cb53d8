// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/sigil-dev/bastion/internal/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// signedPayloadVersion prefixes the signed message so signatures cannot be
// replayed against another format.
const signedPayloadVersion = "bastion-plugin-v1"

// SignedPayload is the message a publisher signs: the manifest and module
// digests under a version prefix.
func SignedPayload(manifestRaw, module []byte) []byte {
	m := sha256.Sum256(manifestRaw)
	w := sha256.Sum256(module)
	return fmt.Appendf(nil, "%s\nmanifest sha256:%s\nmodule sha256:%s\n",
		signedPayloadVersion, hex.EncodeToString(m[:]), hex.EncodeToString(w[:]))
}

// Sign produces a detached base64 signature for a package.
func Sign(signer signature.Signer, manifestRaw, module []byte) ([]byte, error) {
	sig, err := signer.SignMessage(bytes.NewReader(SignedPayload(manifestRaw, module)))
	if err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodePluginSignatureInvalid, "signing package")
	}
	return []byte(base64.StdEncoding.EncodeToString(sig)), nil
}

type trustedKey struct {
	source   string
	verifier signature.Verifier
}

// TrustStore holds the publisher keys registry installs are verified against.
type TrustStore struct {
	mu   sync.RWMutex
	keys []trustedKey
}

// NewTrustStore returns an empty store.
func NewTrustStore() *TrustStore {
	return &TrustStore{}
}

// LoadTrustStore reads PEM public keys from files and *.pem in dirs.
// Unreadable keys are skipped with a warning; a missing directory is empty.
func LoadTrustStore(files []string, dirs ...string) (*TrustStore, error) {
	ts := NewTrustStore()
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodeConfigLoadReadFailure, "listing trust directory %s", dir)
		}
		files = append(files, matches...)
	}
	for _, f := range files {
		pemBytes, err := os.ReadFile(f)
		if err != nil {
			slog.Warn("skipping trusted key", "path", f, "error", err)
			continue
		}
		if err := ts.Add(f, pemBytes); err != nil {
			slog.Warn("skipping trusted key", "path", f, "error", err)
		}
	}
	return ts, nil
}

// Add trusts a PEM-encoded public key. source names it in listings.
func (ts *TrustStore) Add(source string, pemBytes []byte) error {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(pemBytes)
	if err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "parsing public key %s", source)
	}
	v, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "loading verifier for %s", source)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.keys = append(ts.keys, trustedKey{source: source, verifier: v})
	return nil
}

// Sources lists where the trusted keys came from.
func (ts *TrustStore) Sources() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.keys))
	for _, k := range ts.keys {
		out = append(out, k.source)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of trusted keys.
func (ts *TrustStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.keys)
}

// Verify checks a detached base64 signature over the package against every
// trusted key and returns the source of the key that matched.
func (ts *TrustStore) Verify(pkg *plugin.Package) (string, error) {
	if len(pkg.Signature) == 0 {
		return "", bastionerr.SignatureInvalid("package is not signed")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pkg.Signature)))
	if err != nil {
		return "", bastionerr.SignatureInvalid("signature is not base64")
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if len(ts.keys) == 0 {
		return "", bastionerr.SignatureInvalid("no trusted keys configured")
	}
	payload := SignedPayload(pkg.ManifestRaw, pkg.Module)
	for _, k := range ts.keys {
		if k.verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload)) == nil {
			return k.source, nil
		}
	}
	return "", bastionerr.SignatureInvalid("no trusted key matches")
}
