// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"os"
	"strings"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const (
	keyringScheme = "keyring://"
	envScheme     = "env://"
)

// IsRef reports whether value is a keyring:// or env:// reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, keyringScheme) || strings.HasPrefix(value, envScheme)
}

// ParseKeyringRef splits keyring://service/key. The key may contain slashes.
func ParseKeyringRef(ref string) (service, key string, err error) {
	rest, ok := strings.CutPrefix(ref, keyringScheme)
	if !ok {
		return "", "", bastionerr.Errorf(bastionerr.CodeSecretInvalidInput, "not a keyring reference: %q", ref)
	}
	service, key, ok = strings.Cut(rest, "/")
	if !ok || service == "" || key == "" {
		return "", "", bastionerr.Errorf(bastionerr.CodeSecretInvalidInput,
			"invalid keyring reference %q: expected keyring://service/key", ref)
	}
	return service, key, nil
}

// Resolver turns references into secret values. Plain values pass through.
type Resolver struct {
	store  Store
	lookup func(string) (string, bool)
}

// NewResolver resolves keyring:// against store and env:// against the
// process environment. A nil store rejects keyring references.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, lookup: os.LookupEnv}
}

// Resolve returns the secret behind value, or value itself when it is not a
// reference.
func (r *Resolver) Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		if name == "" {
			return "", bastionerr.Errorf(bastionerr.CodeSecretInvalidInput, "invalid env reference %q", value)
		}
		v, ok := r.lookup(name)
		if !ok {
			return "", bastionerr.Errorf(bastionerr.CodeSecretNotFound, "environment variable %s is not set", name)
		}
		return v, nil

	case strings.HasPrefix(value, keyringScheme):
		service, key, err := ParseKeyringRef(value)
		if err != nil {
			return "", err
		}
		if r.store == nil {
			return "", bastionerr.Errorf(bastionerr.CodeSecretResolveFailure, "no secret store for %q", value)
		}
		secret, err := r.store.Retrieve(service, key)
		if err != nil {
			return "", bastionerr.Wrapf(err, bastionerr.CodeSecretResolveFailure, "resolving %q", value)
		}
		return secret, nil
	}
	return value, nil
}

// ResolveAll resolves each pointer in place and reports every failure. Empty
// values are skipped.
func (r *Resolver) ResolveAll(values ...*string) error {
	var errs []error
	for _, p := range values {
		if p == nil || *p == "" {
			continue
		}
		v, err := r.Resolve(*p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*p = v
	}
	if len(errs) == 0 {
		return nil
	}
	return bastionerr.Join(errs...)
}
