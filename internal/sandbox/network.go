// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/bastion/pkg/plugin"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// HTTP size caps.
const (
	MaxRequestBody  = 1 << 20
	MaxResponseBody = 4 << 20
)

const httpTimeout = 30 * time.Second

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// Headers a guest may not set.
var strippedHeaders = []string{"Host", "Connection", "Proxy-Authorization", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

type networkGuard struct {
	exact     map[string]struct{}
	wildcards []string // ".example.com"
	resolver  Resolver
	dialer    Dialer
}

func newNetworkGuard(patterns []string, resolver Resolver, dialer Dialer) *networkGuard {
	g := &networkGuard{
		exact:    make(map[string]struct{}),
		resolver: resolver,
		dialer:   dialer,
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSuffix(p, "."))
		if suffix, ok := strings.CutPrefix(p, "*"); ok && strings.HasPrefix(suffix, ".") {
			g.wildcards = append(g.wildcards, suffix)
			continue
		}
		g.exact[strings.Trim(p, "[]")] = struct{}{}
	}
	slices.Sort(g.wildcards)
	return g
}

// allows reports whether host matches the allow-set. "*.example.com" matches
// every subdomain at any depth but not example.com itself.
func (g *networkGuard) allows(host string) bool {
	if _, ok := g.exact[host]; ok {
		return true
	}
	for _, suffix := range g.wildcards {
		if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (g *networkGuard) patterns() []string {
	out := make([]string, 0, len(g.exact)+len(g.wildcards))
	for h := range g.exact {
		out = append(out, h)
	}
	for _, w := range g.wildcards {
		out = append(out, "*"+w)
	}
	slices.Sort(out)
	return out
}

// HTTPOperation is a validated outbound request bound to one resolved address.
type HTTPOperation struct {
	sandbox *Sandbox
	method  string
	target  *url.URL
	host    string
	pinned  netip.AddrPort
	headers http.Header
	body    []byte
}

// PinnedAddr returns the address the request will connect to.
func (op *HTTPOperation) PinnedAddr() netip.AddrPort { return op.pinned }

// ValidateHTTPRequest runs the network policy in order: URL shape, scheme,
// always-blocked targets, allowlist, resolution with address checks, rate
// window and body cap. No I/O other than DNS happens before it returns.
func (s *Sandbox) ValidateHTTPRequest(ctx context.Context, req plugin.HTTPRequest) (*HTTPOperation, error) {
	op, err := s.validateHTTPRequest(ctx, req)
	if err != nil {
		return nil, s.deny(ctx, HTTPRequest, err, map[string]any{"url": redactURL(req.URL), "method": req.Method})
	}
	return op, nil
}

func (s *Sandbox) validateHTTPRequest(ctx context.Context, req plugin.HTTPRequest) (*HTTPOperation, error) {
	fn := HTTPRequest.String()
	if err := req.Validate(); err != nil {
		return nil, bastionerr.NetworkPolicyViolation(req.URL, err.Error())
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return nil, bastionerr.NetworkPolicyViolation(redactURL(req.URL), "malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, bastionerr.NetworkPolicyViolation(redactURL(req.URL), fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
	if u.User != nil {
		return nil, bastionerr.NetworkPolicyViolation(redactURL(req.URL), "credentials in url are not allowed")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, bastionerr.NetworkPolicyViolation(req.URL, "missing host")
	}
	port, err := portOf(u, scheme)
	if err != nil {
		return nil, bastionerr.NetworkPolicyViolation(req.URL, err.Error())
	}

	literal, isLiteral := parseHostAddr(host)
	if isLiteral && IsBlockedAddr(literal) {
		return nil, bastionerr.NetworkPolicyViolation(req.URL, fmt.Sprintf("address %s is in a blocked range", literal))
	}
	if !isLiteral && isBlockedHost(host) {
		return nil, bastionerr.NetworkPolicyViolation(req.URL, fmt.Sprintf("host %q is blocked", host))
	}

	if !s.network.allows(host) {
		if len(s.network.exact) == 0 && len(s.network.wildcards) == 0 {
			return nil, bastionerr.PermissionDenied(fn, "no network access granted")
		}
		return nil, bastionerr.PermissionDenied(fn, fmt.Sprintf("host %q is not in the network allowlist", host))
	}

	method := req.NormalizedMethod()
	if _, ok := allowedMethods[method]; !ok {
		return nil, bastionerr.PermissionDenied(fn, fmt.Sprintf("method %q is not allowed", method))
	}

	addr := literal
	if !isLiteral {
		addr, err = s.network.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	if err := s.checkRate(ctx, HTTPRequest); err != nil {
		return nil, err
	}

	if len(req.Body) > MaxRequestBody {
		return nil, bastionerr.PermissionDenied(fn,
			fmt.Sprintf("request body of %d bytes exceeds the %d byte cap", len(req.Body), MaxRequestBody))
	}

	headers := make(http.Header, len(req.Headers))
	for k, vs := range req.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	for _, h := range strippedHeaders {
		headers.Del(h)
	}

	return &HTTPOperation{
		sandbox: s,
		method:  method,
		target:  u,
		host:    host,
		pinned:  netip.AddrPortFrom(addr.Unmap(), port),
		headers: headers,
		body:    req.Body,
	}, nil
}

// resolve looks up host and returns the address to pin. Every returned
// address must be public, otherwise the whole lookup is rejected.
func (g *networkGuard) resolve(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, bastionerr.Wrapf(err, bastionerr.CodeSandboxUpstreamFailure, "resolving %s", host)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, bastionerr.Errorf(bastionerr.CodeSandboxUpstreamFailure, "resolving %s: no addresses", host)
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return netip.Addr{}, bastionerr.NetworkPolicyViolation(host,
				fmt.Sprintf("host resolves to blocked address %s", a.Unmap()))
		}
	}
	return addrs[0], nil
}

// Execute sends the request to the pinned address. Redirects are returned to
// the guest unfollowed and the response body is truncated at the cap.
func (op *HTTPOperation) Execute(ctx context.Context) (*plugin.HTTPResponse, error) {
	s := op.sandbox
	details := map[string]any{
		"url":    redactURL(op.target.String()),
		"method": op.method,
		"addr":   op.pinned.String(),
	}

	client := op.client()
	defer client.CloseIdleConnections()

	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	var body io.Reader
	if len(op.body) > 0 {
		body = bytes.NewReader(op.body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, op.method, op.target.String(), body)
	if err != nil {
		return nil, s.failed(ctx, HTTPRequest,
			bastionerr.Wrap(err, bastionerr.CodeSandboxRequestInvalid, "building request"), details)
	}
	httpReq.Header = op.headers

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.failed(ctx, HTTPRequest, context.Cause(ctx), details)
		}
		return nil, s.failed(ctx, HTTPRequest,
			bastionerr.Wrapf(err, bastionerr.CodeSandboxUpstreamFailure, "requesting %s", op.host), details)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody+1))
	if err != nil {
		return nil, s.failed(ctx, HTTPRequest,
			bastionerr.Wrapf(err, bastionerr.CodeSandboxUpstreamFailure, "reading response from %s", op.host), details)
	}
	truncated := len(data) > MaxResponseBody
	if truncated {
		data = data[:MaxResponseBody]
	}

	details["status"] = resp.StatusCode
	details["truncated"] = truncated
	if err := s.allow(ctx, HTTPRequest, "request sent", details); err != nil {
		return nil, err
	}
	return &plugin.HTTPResponse{
		Status:        resp.StatusCode,
		Headers:       resp.Header,
		Body:          data,
		BodyTruncated: truncated,
	}, nil
}

// client returns an HTTP client whose every connection goes to the pinned
// address, without proxies or redirect following.
func (op *HTTPOperation) client() *http.Client {
	pinned := op.pinned.String()
	dialer := op.sandbox.network.dialer
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:        &tls.Config{ServerName: op.host, MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:      true,
		DisableKeepAlives:      true,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  httpTimeout,
		MaxResponseHeaderBytes: 64 << 10,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func portOf(u *url.URL, scheme string) (uint16, error) {
	p := u.Port()
	if p == "" {
		if scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return uint16(n), nil
}

func parseHostAddr(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// redactURL drops userinfo and the query string before a URL is audited.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(malformed)"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
