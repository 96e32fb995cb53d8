// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sandbox

import (
	"time"

	"github.com/sigil-dev/bastion/internal/ratelimit"
	"github.com/sigil-dev/bastion/pkg/plugin"
)

// HostFunction identifies one host import a guest may call.
type HostFunction int

const (
	HTTPRequest HostFunction = iota
	ReadFile
	WriteFile
	GetEnv
	Log

	hostFunctionCount
)

var hostFunctionNames = [hostFunctionCount]string{
	HTTPRequest: "http-request",
	ReadFile:    "read-file",
	WriteFile:   "write-file",
	GetEnv:      "get-env",
	Log:         "log",
}

var hostFunctionImports = [hostFunctionCount]string{
	HTTPRequest: plugin.FuncHTTPRequest,
	ReadFile:    plugin.FuncReadFile,
	WriteFile:   plugin.FuncWriteFile,
	GetEnv:      plugin.FuncGetEnv,
	Log:         plugin.FuncLog,
}

// String returns the name used in audit entries and spans.
func (f HostFunction) String() string {
	if f < 0 || f >= hostFunctionCount {
		return "unknown"
	}
	return hostFunctionNames[f]
}

// ImportName returns the name the guest imports the function under.
func (f HostFunction) ImportName() string {
	if f < 0 || f >= hostFunctionCount {
		return ""
	}
	return hostFunctionImports[f]
}

// HostFunctions returns every host function in dispatch order.
func HostFunctions() []HostFunction {
	fns := make([]HostFunction, 0, hostFunctionCount)
	for f := HostFunction(0); f < hostFunctionCount; f++ {
		fns = append(fns, f)
	}
	return fns
}

// ParseHostFunction accepts either the audit name or the import name.
func ParseHostFunction(name string) (HostFunction, bool) {
	for f := HostFunction(0); f < hostFunctionCount; f++ {
		if hostFunctionNames[f] == name || hostFunctionImports[f] == name {
			return f, true
		}
	}
	return 0, false
}

// DefaultRateSpecs returns the per-plugin call budget of each host function.
func DefaultRateSpecs() map[HostFunction]ratelimit.Spec {
	return map[HostFunction]ratelimit.Spec{
		HTTPRequest: {Limit: 10, Window: time.Minute},
		ReadFile:    {Limit: 120, Window: time.Minute},
		WriteFile:   {Limit: 60, Window: time.Minute},
		GetEnv:      {Limit: 60, Window: time.Minute},
		Log:         {Limit: 20, Window: time.Second},
	}
}
