// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"bytes"
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// Manifest declares a plugin's identity, the permissions it requests and
// optional resource overrides. It is immutable once parsed.
type Manifest struct {
	Name        string      `yaml:"name" json:"name" jsonschema:"minLength=1,maxLength=64,pattern=^[a-z0-9][a-z0-9-]*$"`
	Version     string      `yaml:"version" json:"version" jsonschema:"minLength=5"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"maxLength=512"`
	Author      string      `yaml:"author,omitempty" json:"author,omitempty"`
	Permissions Permissions `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Resources   Resources   `yaml:"resources,omitempty" json:"resources,omitempty"`
	Flags       Flags       `yaml:"flags,omitempty" json:"flags,omitempty"`
	Exports     []string    `yaml:"exports,omitempty" json:"exports,omitempty" jsonschema:"uniqueItems=true"`
}

// Permissions lists what a plugin may touch. Every list is deny-by-default:
// an empty list grants nothing.
type Permissions struct {
	Network    []string `yaml:"network,omitempty" json:"network,omitempty" jsonschema:"uniqueItems=true"`
	Filesystem []string `yaml:"filesystem,omitempty" json:"filesystem,omitempty" jsonschema:"uniqueItems=true"`
	Env        []string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"uniqueItems=true"`
}

// Resources overrides the host's default execution budget. Zero values keep
// the host default.
type Resources struct {
	MaxFuel          uint64 `yaml:"max_fuel,omitempty" json:"max_fuel,omitempty" jsonschema:"minimum=1000000,maximum=10000000000"`
	MaxMemoryMB      uint32 `yaml:"max_memory_mb,omitempty" json:"max_memory_mb,omitempty" jsonschema:"minimum=1,maximum=256"`
	MaxWallClockSecs uint32 `yaml:"max_wall_clock_secs,omitempty" json:"max_wall_clock_secs,omitempty" jsonschema:"minimum=1,maximum=3600"`
}

// Flags mark plugins that need an elevated approval step.
type Flags struct {
	// Shell marks plugins that execute shell commands.
	Shell bool `yaml:"shell,omitempty" json:"shell,omitempty"`
	// Generated marks plugins written autonomously by an agent.
	Generated bool `yaml:"generated,omitempty" json:"generated,omitempty"`
}

var (
	envNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	exportRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	hostnameRe = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)
)

// ParseManifest validates YAML data against the manifest schema, decodes it
// and runs semantic validation. Schema failures are SchemaInvalid errors.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, bastionerr.SchemaInvalid(fmt.Sprintf("manifest is not valid YAML: %s", err))
	}
	if doc == nil {
		return nil, bastionerr.SchemaInvalid("manifest is empty")
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, bastionerr.SchemaInvalid(fmt.Sprintf("decoding manifest: %s", err))
	}

	if errs := m.Validate(); len(errs) > 0 {
		// Return the first validation error for simplicity.
		return nil, errs[0]
	}

	return &m, nil
}

// Validate checks semantic rules the schema cannot express. It returns all
// validation errors found rather than stopping at the first one.
func (m *Manifest) Validate() []error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, bastionerr.Errorf(bastionerr.CodePluginManifestValidateInvalid,
			"manifest validation: "+format, args...))
	}

	if strings.TrimSpace(m.Name) == "" {
		invalid("name must not be empty")
	}

	if strings.TrimSpace(m.Version) == "" {
		invalid("version must not be empty")
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		invalid("version must be valid semver (MAJOR.MINOR.PATCH), got %q", m.Version)
	}

	for i, pattern := range m.Permissions.Network {
		if err := validateNetworkPattern(pattern); err != nil {
			invalid("permissions.network[%d]: %s", i, err)
		}
	}

	for i, p := range m.Permissions.Filesystem {
		if !filepath.IsAbs(p) {
			invalid("permissions.filesystem[%d]: path %q must be absolute", i, p)
		}
	}

	for i, name := range m.Permissions.Env {
		if !envNameRe.MatchString(name) {
			invalid("permissions.env[%d]: %q is not a valid variable name", i, name)
		}
	}

	for i, name := range m.Exports {
		if !exportRe.MatchString(name) {
			invalid("exports[%d]: %q is not a valid export name", i, name)
		}
	}

	return errs
}

// RequiresElevation reports whether installing the plugin needs the elevated
// approval step.
func (m *Manifest) RequiresElevation() bool {
	return m.Flags.Shell || m.Flags.Generated
}

// SemVer returns the parsed manifest version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(m.Version)
	if err != nil {
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginManifestValidateInvalid, "parsing version %q", m.Version)
	}
	return v, nil
}

// validateNetworkPattern accepts "host", "*.domain" and IP literals. Schemes,
// ports and paths are rejected.
func validateNetworkPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if strings.ContainsAny(pattern, "/:@ ") {
		if _, err := netip.ParseAddr(strings.Trim(pattern, "[]")); err == nil {
			return nil
		}
		return fmt.Errorf("pattern %q must be a bare hostname without scheme, port or path", pattern)
	}
	if _, err := netip.ParseAddr(pattern); err == nil {
		return nil
	}
	host := strings.ToLower(pattern)
	if rest, ok := strings.CutPrefix(host, "*."); ok {
		if !strings.Contains(rest, ".") {
			return fmt.Errorf("wildcard %q must name a registrable domain", pattern)
		}
		host = rest
	}
	if strings.Contains(host, "*") {
		return fmt.Errorf("pattern %q may only use a leading \"*.\" wildcard", pattern)
	}
	if !hostnameRe.MatchString(host) {
		return fmt.Errorf("pattern %q is not a valid hostname", pattern)
	}
	return nil
}
