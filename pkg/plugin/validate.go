// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"fmt"
	"strings"
)

// Validate checks the request shape before any policy is applied.
func (r *HTTPRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("http_request: url must not be empty")
	}
	if r.Method == "" {
		return nil
	}
	if strings.ToUpper(r.Method) != r.Method {
		return fmt.Errorf("http_request: method %q must be upper case", r.Method)
	}
	return nil
}

// NormalizedMethod returns the method, defaulting to GET.
func (r *HTTPRequest) NormalizedMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

// Validate checks the request shape before any policy is applied.
func (r *ReadFileRequest) Validate() error {
	return validatePath("read_file", r.Path)
}

// Validate checks the request shape before any policy is applied.
func (r *WriteFileRequest) Validate() error {
	return validatePath("write_file", r.Path)
}

// Validate checks the request shape before any policy is applied.
func (r *GetEnvRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("get_env: name must not be empty")
	}
	if strings.ContainsAny(r.Name, "=\x00") {
		return fmt.Errorf("get_env: name %q contains invalid characters", r.Name)
	}
	return nil
}

// Severity returns the level, mapping unknown values to info.
func (r *LogRequest) Severity() LogLevel {
	switch LogLevel(strings.ToLower(string(r.Level))) {
	case LogDebug:
		return LogDebug
	case LogWarn, "warning":
		return LogWarn
	case LogError:
		return LogError
	default:
		return LogInfo
	}
}

func validatePath(fn, path string) error {
	if path == "" {
		return fmt.Errorf("%s: path must not be empty", fn)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return fmt.Errorf("%s: path contains a NUL byte", fn)
	}
	return nil
}
