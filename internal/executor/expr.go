package executor

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/loader"
)

// celEnv is the restricted expression environment. It exposes only the
// invocation inputs and the probe observation; no custom functions, no
// macros beyond the CEL standard set, nothing that reaches the host.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("target", cel.StringType),
		cel.Variable("participant", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("probe", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return env
}()

// runExpr evaluates a CEL expression over the unit's probe observation.
// Compile failures fail closed as policy violations; programs are cached by
// unit content hash since validated units are immutable.
func (e *Executor) runExpr(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) outcome {
	prg, err := e.compileExpr(unit)
	if err != nil {
		return outcome{err: err}
	}

	probeData := map[string]any{}
	if aspect, _ := unit.Manifest.Params["probe_aspect"].(string); aspect != "" {
		probe := &gatedProbe{inner: e.probeFor(inv), manifest: unit.Manifest}
		probeData, err = probe.Describe(ctx, aspect, unit.Manifest.Params)
		if err != nil {
			return outcome{err: err}
		}
	}

	val, _, err := prg.ContextEval(ctx, map[string]any{
		"target":      inv.Target,
		"participant": inv.ParticipantID,
		"params":      paramsOrEmpty(unit.Manifest.Params),
		"probe":       probeData,
	})
	if err != nil {
		return outcome{err: fmt.Errorf("unit %s: expression eval: %w", unit.UnitRef, err)}
	}
	implemented, ok := val.Value().(bool)
	if !ok {
		return outcome{err: fmt.Errorf("unit %s: expression is not boolean: %w", unit.UnitRef, domain.ErrPolicyViolation)}
	}
	return outcome{implemented: implemented, details: probeData}
}

func (e *Executor) compileExpr(unit *loader.ExecutableUnit) (cel.Program, error) {
	e.celMu.RLock()
	prg, ok := e.celCache[unit.ContentHash]
	e.celMu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := celEnv.Compile(unit.Manifest.Expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("unit %s: expression rejected: %w: %v", unit.UnitRef, domain.ErrPolicyViolation, iss.Err())
	}
	prg, err := celEnv.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("unit %s: expression program: %w: %v", unit.UnitRef, domain.ErrPolicyViolation, err)
	}

	e.celMu.Lock()
	e.celCache[unit.ContentHash] = prg
	e.celMu.Unlock()
	return prg, nil
}

func paramsOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
