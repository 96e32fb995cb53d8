// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// SourceKind identifies where an install came from. It decides the signature
// policy applied at install time.
type SourceKind string

const (
	SourceRegistry SourceKind = "registry"
	SourceURL      SourceKind = "url"
	SourceLocal    SourceKind = "local"
)

// Source is a parsed install origin.
type Source struct {
	Kind SourceKind `json:"kind"`
	// Ref is the registry reference, URL or absolute local path.
	Ref string `json:"ref"`
}

func (s Source) String() string {
	if s.Kind == SourceRegistry {
		return "registry:" + s.Ref
	}
	return s.Ref
}

// validRegistryRefPattern matches "<namespace>/<name>[@<version>]".
var validRegistryRefPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*/[a-z0-9][a-z0-9._-]*(?:@[0-9A-Za-z.+-]+)?$`)

// ParseSource classifies an install origin: "registry:ns/name[@version]",
// an http(s) URL, or a local path.
func ParseSource(ref string) (Source, error) {
	clean := strings.TrimSpace(ref)
	if clean == "" {
		return Source{}, bastionerr.New(bastionerr.CodeCLIInputInvalid, "install source must not be empty")
	}
	if strings.ContainsAny(clean, " \t\r\n") {
		return Source{}, bastionerr.Errorf(bastionerr.CodeCLIInputInvalid,
			"install source %q must not contain whitespace", ref)
	}

	if rest, ok := strings.CutPrefix(clean, "registry:"); ok {
		if strings.Contains(rest, "..") || !validRegistryRefPattern.MatchString(rest) {
			return Source{}, bastionerr.Errorf(bastionerr.CodeCLIInputInvalid,
				"registry reference %q must look like namespace/name[@version]", rest)
		}
		return Source{Kind: SourceRegistry, Ref: rest}, nil
	}

	if strings.HasPrefix(clean, "http://") || strings.HasPrefix(clean, "https://") {
		u, err := url.Parse(clean)
		if err != nil || u.Host == "" {
			return Source{}, bastionerr.Errorf(bastionerr.CodeCLIInputInvalid, "install URL %q is malformed", ref)
		}
		return Source{Kind: SourceURL, Ref: u.String()}, nil
	}

	if strings.Contains(clean, "://") {
		return Source{}, bastionerr.Errorf(bastionerr.CodeCLIInputInvalid,
			"install source %q uses an unsupported scheme", ref)
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return Source{}, bastionerr.Wrapf(err, bastionerr.CodeCLIInputInvalid, "resolving local path %q", ref)
	}
	return Source{Kind: SourceLocal, Ref: abs}, nil
}
