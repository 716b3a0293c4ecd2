package sdk

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

// WasmEngine runs the FHE engine module under WASI. Each call instantiates
// the compiled module with a JSON request on stdin and reads the JSON
// response from stdout. The module gets no filesystem, network or
// environment access; only randomness and clocks are wired.
type WasmEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	timeout  time.Duration
}

var _ Engine = (*WasmEngine)(nil)

// NewWasmEngine compiles module once for repeated calls.
func NewWasmEngine(ctx context.Context, module []byte, memoryLimitBytes uint64, timeout time.Duration) (*WasmEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: failed to instantiate: %w", err)
	}

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime()

	return &WasmEngine{runtime: r, compiled: compiled, config: modCfg, timeout: timeout}, nil
}

func (e *WasmEngine) Call(ctx context.Context, op string, params any, result any) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	input, err := json.Marshal(engineRequest{Op: op, Params: params})
	if err != nil {
		return fmt.Errorf("engine %s: failed to encode request: %w", op, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := e.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("engine %s: execution timed out: %w", op, ctx.Err())
		}
		return fmt.Errorf("engine %s: instantiation failed: %w: %s", op, err, stderr.String())
	}
	defer func() { _ = mod.Close(ctx) }()

	return decodeEngineResponse(op, stdout.Bytes(), result)
}

func decodeEngineResponse(op string, out []byte, result any) error {
	var resp engineResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("engine %s: malformed response: %w", op, err)
	}
	if !resp.OK {
		return fmt.Errorf("engine %s: %s", op, resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("engine %s: malformed result: %w", op, err)
	}
	return nil
}

func (e *WasmEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// WasmDecoder compiles a fetched distribution into an EngineSDK.
type WasmDecoder struct {
	Networks         map[uint64]types.NetworkConfig
	MemoryLimitBytes uint64
	CallTimeout      time.Duration
	logger           logger.Logger
}

func NewWasmDecoder(networks map[uint64]types.NetworkConfig, l logger.Logger) *WasmDecoder {
	return &WasmDecoder{
		Networks:         networks,
		MemoryLimitBytes: 1 << 30,
		CallTimeout:      2 * time.Minute,
		logger:           logger.OrNoop(l),
	}
}

func (d *WasmDecoder) Decode(ctx context.Context, distribution []byte) (RelayerSDK, error) {
	engine, err := NewWasmEngine(ctx, distribution, d.MemoryLimitBytes, d.CallTimeout)
	if err != nil {
		return nil, err
	}
	return NewEngineSDK(engine, d.Networks, d.logger), nil
}
