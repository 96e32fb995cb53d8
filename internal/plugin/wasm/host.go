// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package wasm executes plugin modules under wazero with the execution
// budget and host functions of a sandbox.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sigil-dev/bastion/internal/sandbox"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
	"github.com/sigil-dev/bastion/pkg/plugin"
)

// sharedCache lets every Host reuse compiled machine code for identical
// module bytes.
var sharedCache = wazero.NewCompilationCache()

// Host runs one plugin module in a single guest instance that keeps its
// globals and memory between invocations. Invocations are serialized and each
// gets a full budget. An invocation that fails discards the instance, and the
// next one starts from a fresh instantiation.
type Host struct {
	name     string
	sandbox  *sandbox.Sandbox
	limits   sandbox.Limits
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
	wasi     bool

	mu       sync.Mutex
	mod      api.Module
	lastFuel uint64
}

// Option configures a Host.
type Option func(*Host)

// WithCompilationCache replaces the process-wide compilation cache.
func WithCompilationCache(c wazero.CompilationCache) Option {
	return func(h *Host) {
		h.cache = c
	}
}

// WithWASI controls whether wasi_snapshot_preview1 is linked. It is on by
// default with no filesystem, no environment and no arguments.
func WithWASI(enabled bool) Option {
	return func(h *Host) {
		h.wasi = enabled
	}
}

// NewHost compiles module for sb. Modules that declare more memory or table
// space than the sandbox allows are rejected before compilation, and every
// table is given a maximum no larger than the table element limit.
func NewHost(ctx context.Context, sb *sandbox.Sandbox, module []byte, opts ...Option) (*Host, error) {
	if sb == nil {
		return nil, bastionerr.New(bastionerr.CodePluginRuntimeStartFailure, "sandbox is required")
	}
	h := &Host{
		name:    sb.PluginID(),
		sandbox: sb,
		limits:  sb.Limits(),
		cache:   sharedCache,
		wasi:    true,
	}
	for _, o := range opts {
		o(h)
	}

	bounds, err := scanBounds(module)
	if err != nil {
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeStartFailure,
			"reading wasm module %s", h.name)
	}
	if pages := uint64(h.limits.MemoryPages()); bounds.MemoryPages > pages {
		return nil, bastionerr.ResourceExhausted(bastionerr.ResourceMemory,
			fmt.Sprintf("module declares %d initial pages, limit is %d", bounds.MemoryPages, pages))
	}
	if bounds.TableElements > uint64(h.limits.TableElements) {
		return nil, bastionerr.ResourceExhausted(bastionerr.ResourceMemory,
			fmt.Sprintf("module declares %d table elements, limit is %d", bounds.TableElements, h.limits.TableElements))
	}
	module, err = capTables(module, uint64(h.limits.TableElements))
	if err != nil {
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeStartFailure,
			"bounding tables of %s", h.name)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(h.limits.MemoryPages()).
		WithCompilationCache(h.cache)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := h.linkImports(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, err
	}

	h.compiled, err = h.runtime.CompileModule(ctx, module)
	if err != nil {
		_ = h.runtime.Close(ctx)
		return nil, bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeStartFailure,
			"compiling wasm module %s", h.name)
	}
	return h, nil
}

// linkImports registers the host functions and, when enabled, WASI.
func (h *Host) linkImports(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder(plugin.HostModule)
	for _, fn := range sandbox.HostFunctions() {
		results := []api.ValueType{api.ValueTypeI64}
		if fn == sandbox.Log {
			results = nil
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(h.hostCall(fn), []api.ValueType{api.ValueTypeI64}, results).
			WithParameterNames("request").
			Export(fn.ImportName())
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeStartFailure,
			"registering host module for %s", h.name)
	}

	if h.wasi {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
			return bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeStartFailure,
				"registering wasi for %s", h.name)
		}
	}
	return nil
}

// hostCall adapts a sandbox host function to the guest ABI: the argument is
// a packed (ptr, len) JSON request and the result a packed JSON response.
// Guest time is not charged while the sandbox handles the call.
func (h *Host) hostCall(fn sandbox.HostFunction) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		payload, err := readGuest(mod, stack[0])
		if err != nil {
			err = h.sandbox.RejectMalformed(ctx, fn, err)
			if fn == sandbox.Log {
				return
			}
			stack[0] = h.respond(ctx, mod, guestErrorEnvelope(err))
			return
		}

		meter := meterFrom(ctx)
		if meter != nil {
			meter.pause()
		}
		out, err := h.sandbox.Dispatch(ctx, fn, payload)
		if meter != nil {
			meter.resume()
		}
		if err != nil {
			// The invocation is over; unwind the guest.
			panic(err)
		}
		if fn == sandbox.Log {
			return
		}
		stack[0] = h.respond(ctx, mod, out)
	}
}

func (h *Host) respond(ctx context.Context, mod api.Module, out []byte) uint64 {
	packed, err := writeGuest(ctx, mod, out)
	if err != nil {
		panic(err)
	}
	return packed
}

func guestErrorEnvelope(err error) []byte {
	out, encErr := sandbox.EncodeGuestError(err)
	if encErr != nil {
		panic(encErr)
	}
	return out
}

// Name returns the plugin the module belongs to.
func (h *Host) Name() string {
	return h.name
}

// Limits returns the per-invocation budget.
func (h *Host) Limits() sandbox.Limits {
	return h.limits
}

// Exports returns the sorted names of the functions the module exports.
func (h *Host) Exports() []string {
	return slices.Sorted(maps.Keys(h.compiled.ExportedFunctions()))
}

// HasExport reports whether the module exports a function called name.
func (h *Host) HasExport(name string) bool {
	_, ok := h.compiled.ExportedFunctions()[name]
	return ok
}

// LastFuel returns the fuel consumed by the most recent invocation.
func (h *Host) LastFuel() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFuel
}

// Call invokes a numeric export.
func (h *Host) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	var results []uint64
	err := h.invoke(ctx, export, func(ctx context.Context, _ api.Module, fn api.Function) error {
		var err error
		results, err = fn.Call(ctx, params...)
		return err
	})
	return results, err
}

// Invoke calls an export that follows the JSON calling convention: an
// optional packed (ptr, len) input and a packed (ptr, len) result. Exports
// without an i64 result return nil output.
func (h *Host) Invoke(ctx context.Context, export string, input []byte) ([]byte, error) {
	var output []byte
	err := h.invoke(ctx, export, func(ctx context.Context, mod api.Module, fn api.Function) error {
		def := fn.Definition()
		var params []uint64
		switch pt := def.ParamTypes(); {
		case len(pt) == 0:
		case len(pt) == 1 && pt[0] == api.ValueTypeI64:
			packed, err := writeGuest(ctx, mod, input)
			if err != nil {
				return err
			}
			params = append(params, packed)
		default:
			return bastionerr.Errorf(bastionerr.CodePluginRuntimeCallFailure,
				"export %q does not take a packed request", export)
		}

		results, err := fn.Call(ctx, params...)
		if err != nil {
			return err
		}
		if rt := def.ResultTypes(); len(rt) == 1 && rt[0] == api.ValueTypeI64 && results[0] != 0 {
			output, err = readGuest(mod, results[0])
			return err
		}
		return nil
	})
	return output, err
}

type callFunc func(ctx context.Context, mod api.Module, fn api.Function) error

// invoke runs call against the live instance under the fuel and wall clock
// budget, and maps budget exhaustion to resource errors.
func (h *Host) invoke(ctx context.Context, export string, call callFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.compiled.ExportedFunctions()[export]; !ok {
		return bastionerr.Errorf(bastionerr.CodePluginRuntimeExportNotFound,
			"function %q not exported by module %s", export, h.name)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stopClock := context.WithTimeoutCause(runCtx, h.limits.WallClock,
		bastionerr.ResourceExhausted(bastionerr.ResourceTimeout,
			fmt.Sprintf("exceeded wall clock of %s", h.limits.WallClock)))
	defer stopClock()

	meter := newFuelMeter(h.limits.Fuel, func() {
		cancel(bastionerr.ResourceExhausted(bastionerr.ResourceFuel,
			fmt.Sprintf("consumed all %d fuel", h.limits.Fuel)))
	})
	runCtx = withMeter(runCtx, meter)

	// A new instance runs _initialize, which is charged like the call.
	meter.resume()
	mod, err := h.instance(runCtx)
	if err != nil {
		h.lastFuel = meter.stop()
		return h.callError(runCtx, nil, err, "instantiating module")
	}

	err = call(runCtx, mod, mod.ExportedFunction(export))
	h.lastFuel = meter.stop()
	if err != nil {
		err = h.callError(runCtx, mod, err, fmt.Sprintf("calling %q", export))
		h.discard(ctx)
		return err
	}
	return nil
}

// instance returns the live guest instance, instantiating the module when
// there is none.
func (h *Host) instance(ctx context.Context) (api.Module, error) {
	if h.mod != nil && !h.mod.IsClosed() {
		return h.mod, nil
	}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(&guestWriter{sb: h.sandbox, level: plugin.LogInfo}).
		WithStderr(&guestWriter{sb: h.sandbox, level: plugin.LogWarn})

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, cfg)
	if err != nil {
		return nil, err
	}
	h.mod = mod
	return mod, nil
}

// discard closes the instance after a failed invocation. Its state may be
// partially updated.
func (h *Host) discard(ctx context.Context) {
	if h.mod == nil {
		return
	}
	_ = h.mod.Close(context.WithoutCancel(ctx))
	h.mod = nil
}

// callError prefers the budget or cancellation cause over the trap wazero
// reports, and recognizes traps raised at the memory cap.
func (h *Host) callError(ctx context.Context, mod api.Module, err error, what string) error {
	if cause := context.Cause(ctx); cause != nil {
		if bastionerr.HasCode(cause, bastionerr.CodeSandboxResourceExhausted) {
			return cause
		}
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			return bastionerr.Wrapf(cause, bastionerr.CodePluginRuntimeCallFailure,
				"%s in module %s", what, h.name)
		}
		return cause
	}
	if code := bastionerr.CodeOf(err); code != "" {
		return err
	}
	if mod != nil && h.atMemoryCap(mod) {
		return bastionerr.ResourceExhausted(bastionerr.ResourceMemory,
			fmt.Sprintf("trapped at the %d byte memory cap: %v", h.limits.MemoryBytes, err))
	}
	return bastionerr.Wrapf(err, bastionerr.CodePluginRuntimeCallFailure,
		"%s in module %s", what, h.name)
}

func (h *Host) atMemoryCap(mod api.Module) bool {
	mem := mod.Memory()
	if mem == nil {
		return false
	}
	return uint64(mem.Size())+sandbox.WasmPageSize > h.limits.MemoryBytes
}

// Close releases the runtime and every compiled artifact it owns.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// guestWriter forwards WASI stdout and stderr into the plugin log.
type guestWriter struct {
	sb    *sandbox.Sandbox
	level plugin.LogLevel
}

func (w *guestWriter) Write(p []byte) (int, error) {
	w.sb.Log(context.Background(), w.level, string(p))
	return len(p), nil
}
