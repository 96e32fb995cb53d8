// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// Normalize returns a copy with lowercase network patterns and every list
// sorted and de-duplicated. Nil lists become empty lists.
func (p Permissions) Normalize() Permissions {
	net := make([]string, 0, len(p.Network))
	for _, n := range p.Network {
		net = append(net, strings.ToLower(strings.TrimSuffix(n, ".")))
	}
	return Permissions{
		Network:    sortedUnique(net),
		Filesystem: sortedUnique(slices.Clone(p.Filesystem)),
		Env:        sortedUnique(slices.Clone(p.Env)),
	}
}

// Digest fingerprints the permission set. Two manifests requesting the same
// permissions in a different order share a digest.
func (p Permissions) Digest() string {
	n := p.Normalize()
	h := sha256.New()
	for _, section := range []struct {
		name  string
		items []string
	}{{"network", n.Network}, {"filesystem", n.Filesystem}, {"env", n.Env}} {
		h.Write([]byte(section.name))
		h.Write([]byte{0})
		for _, item := range section.items {
			h.Write([]byte(item))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// IsEmpty reports whether no permission is requested.
func (p Permissions) IsEmpty() bool {
	return len(p.Network) == 0 && len(p.Filesystem) == 0 && len(p.Env) == 0
}

// MinimalPermissions is the set granted to elevated plugins until a human
// broadens it: no network, no env, filesystem limited to the plugin workspace.
func MinimalPermissions(workspace string) Permissions {
	p := Permissions{}
	if workspace != "" {
		p.Filesystem = []string{workspace}
	}
	return p
}

// Grant is the effective permission set a sandbox is built from after
// approval.
type Grant struct {
	Permissions Permissions
	// SensitiveEnv lists implicitly denied variable names the user released.
	SensitiveEnv []string
	Elevated     bool
}

// DefaultGrant grants exactly what the manifest requests, with no implicitly
// denied env variables released.
func DefaultGrant(m *Manifest) Grant {
	return Grant{Permissions: m.Permissions.Normalize()}
}

func sortedUnique(in []string) []string {
	slices.Sort(in)
	out := slices.Compact(in)
	if out == nil {
		return []string{}
	}
	return out
}
