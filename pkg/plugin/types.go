// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package plugin provides the wire types plugin authors exchange with the
// bastion host. Every host function takes one JSON request and returns one
// JSON response; both travel through guest linear memory as a packed
// (pointer << 32 | length) i64.
package plugin

// HostModule is the import module name guests use for host functions.
const HostModule = "bastion"

// AllocateExport is the guest export the host calls to obtain memory for
// responses. Its signature is allocate(size i32) i32.
const AllocateExport = "allocate"

// Host function names as imported by guests.
const (
	FuncHTTPRequest = "http_request"
	FuncReadFile    = "read_file"
	FuncWriteFile   = "write_file"
	FuncGetEnv      = "get_env"
	FuncLog         = "log"
)

// HTTPRequest is the http_request argument.
type HTTPRequest struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTPResponse is the http_request result. BodyTruncated is set when the
// upstream body exceeded the response cap.
type HTTPResponse struct {
	Status        int                 `json:"status"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          []byte              `json:"body,omitempty"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
}

// ReadFileRequest is the read_file argument.
type ReadFileRequest struct {
	Path string `json:"path"`
}

// ReadFileResponse is the read_file result.
type ReadFileResponse struct {
	Data []byte `json:"data"`
}

// WriteFileRequest is the write_file argument.
type WriteFileRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// WriteFileResponse is the write_file result.
type WriteFileResponse struct {
	Written int `json:"written"`
}

// GetEnvRequest is the get_env argument.
type GetEnvRequest struct {
	Name string `json:"name"`
}

// GetEnvResponse is the get_env result. Value is nil when the variable is
// unset or not visible to the plugin; the two cases are indistinguishable.
type GetEnvResponse struct {
	Value *string `json:"value"`
}

// LogLevel is a guest log severity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogRequest is the log argument. log has no result.
type LogRequest struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Error is the failure payload returned to guests in place of a result.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Result wraps a host function response: exactly one of OK or Err is set.
type Result[T any] struct {
	OK  *T     `json:"ok,omitempty"`
	Err *Error `json:"error,omitempty"`
}
