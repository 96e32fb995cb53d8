// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox_test

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/sigil-dev/bastion/internal/audit"
	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/sandbox"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// redirectDialer records the pinned address and connects to a local test
// server instead.
type redirectDialer struct {
	target string
	mu     sync.Mutex
	dialed []string
}

func (d *redirectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, addr)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.target)
}

func (d *redirectDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func testManifest(perms plugin.Permissions) *plugin.Manifest {
	return &plugin.Manifest{Name: "weather", Version: "1.0.0", Permissions: perms}
}

// newSandbox builds a sandbox for perms with an in-memory audit sink.
func newSandbox(t *testing.T, perms plugin.Permissions, mutate ...func(*sandbox.Deps)) (*sandbox.Sandbox, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	deps := sandbox.Deps{
		Audit:     audit.NewLog(sink),
		Resolver:  fakeResolver{},
		LookupEnv: func(string) (string, bool) { return "", false },
	}
	for _, m := range mutate {
		m(&deps)
	}
	m := testManifest(perms)
	sb, err := sandbox.FromManifest(m, plugin.DefaultGrant(m), deps)
	require.NoError(t, err)
	return sb, sink
}
