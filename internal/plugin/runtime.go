package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v30"

	"github.com/meridianhq/meridian/internal/event"
)

// RuntimeConfig bounds user-supplied transform code.
type RuntimeConfig struct {
	MaxMemoryMB int `yaml:"max_memory_mb"`
	MaxCPUMs    int `yaml:"max_cpu_ms"`
	CacheSize   int `yaml:"cache_size"`
}

// DefaultRuntimeConfig returns the limits applied when none are configured.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{MaxMemoryMB: 64, MaxCPUMs: 1000, CacheSize: 32}
}

// CompiledModule is a pre-compiled transform module.
type CompiledModule struct {
	Module     *wasmtime.Module
	CompiledAt time.Time
}

// Runtime compiles and executes transform modules under epoch-based CPU
// interruption.
type Runtime struct {
	cfg    RuntimeConfig
	engine *wasmtime.Engine
	logger *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*CompiledModule
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	engineCfg := wasmtime.NewConfig()
	engineCfg.SetEpochInterruption(true)

	return &Runtime{
		cfg:    cfg,
		engine: wasmtime.NewEngineWithConfig(engineCfg),
		logger: logger,
		cache:  make(map[string]*CompiledModule),
	}
}

// Compile compiles a transform module, serving repeats from the cache.
func (r *Runtime) Compile(moduleID string, wasmBytes []byte) (*CompiledModule, error) {
	r.cacheMu.RLock()
	if cached, ok := r.cache[moduleID]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	module, err := wasmtime.NewModule(r.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", moduleID, err)
	}

	compiled := &CompiledModule{Module: module, CompiledAt: time.Now()}

	r.cacheMu.Lock()
	if len(r.cache) >= r.cfg.CacheSize && r.cfg.CacheSize > 0 {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range r.cache {
			if oldestKey == "" || v.CompiledAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.CompiledAt
			}
		}
		delete(r.cache, oldestKey)
	}
	r.cache[moduleID] = compiled
	r.cacheMu.Unlock()

	return compiled, nil
}

// Invalidate drops a compiled module from the cache.
func (r *Runtime) Invalidate(moduleID string) {
	r.cacheMu.Lock()
	delete(r.cache, moduleID)
	r.cacheMu.Unlock()
}

// Execute runs one transform invocation: input bytes in, output bytes out.
// The module signals a drop by writing no output. logFn receives plugin
// log lines; it may be nil.
func (r *Runtime) Execute(ctx context.Context, module *CompiledModule, input []byte, logFn func(level int, msg string)) ([]byte, error) {
	store := wasmtime.NewStore(r.engine)
	defer store.Close()

	store.Limiter(
		int64(r.cfg.MaxMemoryMB)*1024*1024,
		-1, // no table element limit
		1, 1, 1,
	)
	store.SetEpochDeadline(10)

	io := &hostIO{input: input, logFn: logFn}

	linker := wasmtime.NewLinker(r.engine)
	wasiConfig := wasmtime.NewWasiConfig()
	store.SetWasi(wasiConfig)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("define wasi: %w", err)
	}
	if err := defineHostFunctions(linker, store, io); err != nil {
		return nil, fmt.Errorf("define host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, module.Module)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	mainFunc := instance.GetFunc(store, "_start")
	if mainFunc == nil {
		mainFunc = instance.GetFunc(store, "main")
	}
	if mainFunc == nil {
		return nil, fmt.Errorf("%w: module exports no _start or main", ErrPlugin)
	}

	done := make(chan struct{})
	go r.epochIncrementer(ctx, done)

	_, err = mainFunc.Call(store)
	close(done)

	if err != nil {
		if trap, ok := err.(*wasmtime.Trap); ok {
			if code := trap.Code(); code != nil && *code == wasmtime.Interrupt {
				return nil, fmt.Errorf("%w: cpu budget of %dms exceeded", ErrPlugin, r.cfg.MaxCPUMs)
			}
		}
		// WASI programs end with proc_exit(0), which surfaces as a trap.
		if !strings.Contains(err.Error(), "exit status 0") {
			return nil, fmt.Errorf("%w: %v", ErrPlugin, err)
		}
	}

	return io.output, nil
}

// epochIncrementer ticks the engine epoch so a runaway transform traps
// once the CPU budget is spent. The epoch belongs to the engine, so
// concurrent executions also advance one another's deadlines.
func (r *Runtime) epochIncrementer(ctx context.Context, done <-chan struct{}) {
	budget := time.Duration(r.cfg.MaxCPUMs) * time.Millisecond
	tick := budget / 10
	if tick < time.Millisecond {
		tick = time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
			r.engine.IncrementEpoch()
			if ticks >= 10 {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			for i := 0; i < 10; i++ {
				r.engine.IncrementEpoch()
			}
			return
		}
	}
}

// Close drops all cached modules.
func (r *Runtime) Close() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*CompiledModule)
	r.cacheMu.Unlock()
}

// WasmTransformer runs a compiled module as the worker's Transformer.
// Each worker holds its own instance; executions never share a store.
type WasmTransformer struct {
	runtime *Runtime
	module  *CompiledModule
	logFn   func(level int, msg string)
}

// NewWasmTransformer creates a transformer over a compiled module.
func NewWasmTransformer(runtime *Runtime, module *CompiledModule, logFn func(level int, msg string)) *WasmTransformer {
	return &WasmTransformer{runtime: runtime, module: module, logFn: logFn}
}

// Transform marshals the event through the module. Empty output means the
// plugin dropped the event.
func (t *WasmTransformer) Transform(ctx context.Context, ev *event.PluginEvent) (*event.PluginEvent, error) {
	input, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event for plugin: %w", err)
	}

	output, err := t.runtime.Execute(ctx, t.module, input, t.logFn)
	if err != nil {
		return nil, err
	}
	if len(output) == 0 {
		return nil, nil
	}

	var transformed event.PluginEvent
	if err := json.Unmarshal(output, &transformed); err != nil {
		return nil, fmt.Errorf("%w: malformed transform output: %v", ErrPlugin, err)
	}
	return &transformed, nil
}

// Close releases nothing; stores are per-execution.
func (t *WasmTransformer) Close() {}
