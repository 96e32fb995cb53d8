// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"net/netip"
	"strings"
)

// blockedPrefixes are address ranges no plugin may reach, whatever its
// allowlist says.
var blockedPrefixes = mustPrefixes(
	// IPv4
	"0.0.0.0/8",          // null route / "this network"
	"10.0.0.0/8",         // private
	"100.64.0.0/10",      // carrier-grade NAT
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local, cloud metadata
	"172.16.0.0/12",      // private
	"192.0.0.0/24",       // IETF protocol assignments
	"192.168.0.0/16",     // private
	"198.18.0.0/15",      // benchmarking
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
	// IPv6
	"::/128",        // unspecified
	"::1/128",       // loopback
	"::/96",         // IPv4-compatible
	"64:ff9b::/96",  // NAT64
	"100::/64",      // discard
	"2001::/32",     // Teredo
	"2001:db8::/32", // documentation
	"fc00::/7",      // unique local
	"fe80::/10",     // link-local
	"ff00::/8",      // multicast
)

// blockedHosts are names that resolve to metadata or loopback services on
// common platforms.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata":                 {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"instance-data":            {},
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// sixToFour holds 6to4 addresses, which carry an IPv4 address in bits 16-48.
var sixToFour = netip.MustParsePrefix("2002::/16")

// IsBlockedAddr reports whether addr is in a private, loopback, link-local,
// null-route or otherwise non-public range. IPv4-mapped and 6to4 addresses
// are judged as the IPv4 address they carry.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("").Unmap()
	if sixToFour.Contains(addr) {
		b := addr.As16()
		addr = netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]})
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isBlockedHost reports whether a hostname is denied before resolution.
func isBlockedHost(host string) bool {
	if _, ok := blockedHosts[host]; ok {
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}
