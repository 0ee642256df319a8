package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/loader"
)

// wasmOutputMax caps stdout+stderr from a WASI unit.
const wasmOutputMax = 1 << 20 // 1 MiB

const wasmPageSize = 65536

// wasmInput is the JSON document a WASI unit reads from stdin.
type wasmInput struct {
	ParticipantID string         `json:"participant_id"`
	Target        string         `json:"target"`
	Params        map[string]any `json:"params,omitempty"`
}

// wasmResult is the JSON document a WASI unit writes to stdout.
type wasmResult struct {
	Implemented bool           `json:"implemented"`
	Details     map[string]any `json:"details,omitempty"`
}

// runWasm executes a WASI module under wazero. The module gets no
// filesystem, no network imports, no environment, a memory page ceiling, and
// the invocation deadline; it communicates over stdin/stdout only. A fresh
// runtime per invocation keeps units fully independent.
func (e *Executor) runWasm(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) outcome {
	pages := uint32(e.cfg.MemoryLimitBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}
	rCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rCfg)
	defer rt.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return outcome{err: fmt.Errorf("unit %s: wasi instantiate: %w", unit.UnitRef, err)}
	}

	input, err := json.Marshal(wasmInput{
		ParticipantID: inv.ParticipantID,
		Target:        inv.Target,
		Params:        unit.Manifest.Params,
	})
	if err != nil {
		return outcome{err: fmt.Errorf("unit %s: input encode: %w", unit.UnitRef, err)}
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&limitedWriter{w: &stdout, n: wasmOutputMax}).
		WithStderr(&limitedWriter{w: &stderr, n: wasmOutputMax}).
		WithName(inv.CriterionID)

	compiled, err := rt.CompileModule(ctx, unit.WasmModule)
	if err != nil {
		return outcome{err: fmt.Errorf("unit %s: wasm compile: %w: %v", unit.UnitRef, domain.ErrPolicyViolation, err)}
	}
	defer compiled.Close(context.Background())

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		if ctx.Err() != nil {
			return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrTimeout)}
		}
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			// _start exiting 0 surfaces as an ExitError; not a fault.
		} else if isWasmMemoryError(err) {
			return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrResourceExceeded)}
		} else {
			return outcome{err: fmt.Errorf("unit %s: wasm run: %w", unit.UnitRef, err)}
		}
	}

	var res wasmResult
	if jErr := json.Unmarshal(stdout.Bytes(), &res); jErr != nil {
		return outcome{err: fmt.Errorf("unit %s: malformed result: %w", unit.UnitRef, jErr)}
	}
	return outcome{implemented: res.Implemented, details: res.Details}
}

func isWasmMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

// limitedWriter silently drops bytes past n. Output past the cap cannot
// grow host memory; the JSON decode of a truncated document fails the unit.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if remaining := l.n - l.w.Len(); remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
