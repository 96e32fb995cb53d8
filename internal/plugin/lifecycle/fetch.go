// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sigil-dev/bastion/internal/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// maxFetchBytes bounds every downloaded package file. Modules are checked
// against the tighter install caps afterwards.
const maxFetchBytes = 2 << 20

// Fetcher reads package files from a local directory, a base URL or the
// configured registry.
type Fetcher struct {
	Client *http.Client
	// RegistryURL is the base of registry references: a reference
	// ns/name@version resolves to <RegistryURL>/ns/name/version/.
	RegistryURL string
}

// NewFetcher returns a fetcher with a 60s HTTP timeout.
func NewFetcher(registryURL string) *Fetcher {
	return &Fetcher{
		Client:      &http.Client{Timeout: 60 * time.Second},
		RegistryURL: strings.TrimSuffix(registryURL, "/"),
	}
}

// Fetch loads the package at src. The manifest is parsed; signature and
// size policy are left to the Validator.
func (f *Fetcher) Fetch(ctx context.Context, src plugin.Source) (*plugin.Package, error) {
	var (
		get func(ctx context.Context, name string) ([]byte, error)
		err error
	)
	switch src.Kind {
	case plugin.SourceLocal:
		get = localGetter(src.Ref)
	case plugin.SourceURL:
		get = f.httpGetter(src.Ref)
	case plugin.SourceRegistry:
		base, rerr := f.registryBase(src.Ref)
		if rerr != nil {
			return nil, rerr
		}
		get = f.httpGetter(base)
	default:
		return nil, bastionerr.Errorf(bastionerr.CodePluginInstallSourceDenied, "unknown source kind %q", src.Kind)
	}

	pkg := &plugin.Package{Source: src}
	if pkg.ManifestRaw, err = get(ctx, plugin.ManifestFile); err != nil {
		return nil, err
	}
	if pkg.ManifestRaw == nil {
		return nil, bastionerr.Errorf(bastionerr.CodePluginNotFound, "%s has no %s", src, plugin.ManifestFile)
	}
	if pkg.Manifest, err = plugin.ParseManifest(pkg.ManifestRaw); err != nil {
		return nil, err
	}

	if pkg.Module, err = get(ctx, plugin.ModuleFile); err != nil {
		return nil, err
	}
	if pkg.Module == nil {
		if pkg.Module, err = get(ctx, plugin.ModuleFile+".gz"); err != nil {
			return nil, err
		}
	}
	if pkg.Module == nil {
		return nil, bastionerr.Errorf(bastionerr.CodePluginNotFound, "%s has no %s", src, plugin.ModuleFile)
	}

	if pkg.Signature, err = get(ctx, plugin.SignatureFile); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (f *Fetcher) registryBase(ref string) (string, error) {
	if f.RegistryURL == "" {
		return "", bastionerr.New(bastionerr.CodePluginInstallSourceDenied, "no plugin registry configured")
	}
	path, version, _ := strings.Cut(ref, "@")
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/%s/%s", f.RegistryURL, path, url.PathEscape(version)), nil
}

// localGetter reads files from dir. Missing files return nil data.
func localGetter(dir string) func(context.Context, string) ([]byte, error) {
	return func(_ context.Context, name string) ([]byte, error) {
		fi, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "reading %s", name)
		}
		if fi.Size() > maxFetchBytes {
			return nil, bastionerr.Errorf(bastionerr.CodePluginInstallSizeExceeded,
				"%s is %d bytes, limit is %d", name, fi.Size(), maxFetchBytes)
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodePluginDiscoveryFailure, "reading %s", name)
		}
		return data, nil
	}
}

// httpGetter downloads files relative to base. 404 returns nil data.
func (f *Fetcher) httpGetter(base string) func(context.Context, string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	base = strings.TrimSuffix(base, "/")
	return func(ctx context.Context, name string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+name, nil)
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "building request for %s", name)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodeCLIRequestFailure, "fetching %s", name)
		}
		defer resp.Body.Close() //nolint:errcheck // read-only

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode != http.StatusOK:
			return nil, bastionerr.Errorf(bastionerr.CodeCLIRequestFailure,
				"fetching %s: unexpected status %s", name, resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
		if err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodeCLIRequestFailure, "reading %s", name)
		}
		if len(data) > maxFetchBytes {
			return nil, bastionerr.Errorf(bastionerr.CodePluginInstallSizeExceeded,
				"%s exceeds %d bytes", name, maxFetchBytes)
		}
		return data, nil
	}
}
