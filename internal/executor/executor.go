// Package executor runs validated check units in isolated, resource-bounded
// execution contexts. Each invocation gets its own context, its own probe,
// and a hard wall-clock timeout; a fault in one unit is converted into a
// negative criterion result and never reaches a sibling execution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opsgym/assessd/internal/broker"
	"github.com/opsgym/assessd/internal/checks"
	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/loader"
)

// Invocation carries the per-unit execution inputs. The credential handle is
// shared read-only with the owning attempt; the executor never releases it.
type Invocation struct {
	AttemptID     string
	CriterionID   string
	ParticipantID string
	Target        string
	Credential    *broker.Credential
	Timeout       time.Duration // challenge-level default; manifest may lower it
}

// Config bounds every execution context.
type Config struct {
	DefaultTimeout   time.Duration // per-unit wall clock, default 30s
	MaxTimeout       time.Duration // platform ceiling, default 120s
	MemoryLimitBytes int64         // per-unit memory ceiling
	NanoCPUs         int64         // container CPU ceiling
	Region           string        // region for cloud inspection calls
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = loader.MaxUnitTimeoutSeconds * time.Second
	}
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 256 << 20 // 256 MiB
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = 1e9 // 1 CPU
	}
	return c
}

// ProbeFactory builds the inspection probe for one invocation. Overridable
// in tests; the default wires a CloudProbe to the delegated credential.
type ProbeFactory func(inv Invocation) checks.Probe

// Executor dispatches units to their sandbox by manifest kind.
type Executor struct {
	cfg      Config
	registry *checks.Registry
	probeFor ProbeFactory
	log      *slog.Logger

	// Compiled CEL programs, keyed by unit content hash. Read-mostly.
	celMu    sync.RWMutex
	celCache map[string]cel.Program

	dockerOnce sync.Once
	docker     dockerAPI
	dockerErr  error
}

// New builds an executor over the compiled-in check registry.
func New(registry *checks.Registry, cfg Config) *Executor {
	e := &Executor{
		cfg:      cfg.withDefaults(),
		registry: registry,
		celCache: make(map[string]cel.Program),
		log:      slog.With("component", "executor"),
	}
	e.probeFor = func(inv Invocation) checks.Probe {
		return checks.NewCloudProbe(inv.Credential.Provider(), e.cfg.Region)
	}
	return e
}

// WithProbeFactory overrides probe construction, for tests and alternate
// control planes.
func (e *Executor) WithProbeFactory(f ProbeFactory) *Executor {
	e.probeFor = f
	return e
}

// outcome is the terminal state of one sandbox run.
type outcome struct {
	implemented bool
	details     map[string]any
	err         error
}

// Run executes one unit against one target. Unit faults, timeouts, and
// resource breaches are contained: they yield implemented:false with a
// classified reason, never an error. The returned error is reserved for
// invalid engine-side invocations.
func (e *Executor) Run(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) (domain.CriterionResult, error) {
	if unit == nil || unit.Manifest == nil {
		return domain.CriterionResult{}, errors.New("executor: nil unit")
	}
	res := domain.CriterionResult{CriterionID: inv.CriterionID}

	timeout := e.timeoutFor(unit, inv)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := e.dispatch(runCtx, unit, inv)
	elapsed := time.Since(start)

	if out.err != nil {
		code := domain.Classify(out.err)
		// A deadline hit inside the sandbox is a timeout regardless of how
		// the kind-specific runner surfaced it.
		if runCtx.Err() != nil && !errors.Is(out.err, domain.ErrResourceExceeded) {
			code = domain.CodeTimeout
		}
		e.log.Warn("check unit failed",
			"attempt", inv.AttemptID, "criterion", inv.CriterionID,
			"unit", unit.UnitRef, "kind", unit.Manifest.Kind,
			"code", code, "elapsed", elapsed, "error", out.err)
		res.Implemented = false
		res.Details = map[string]any{"error": code}
		return res, nil
	}

	res.Implemented = out.implemented
	res.Details = domain.SanitizeDetails(out.details)
	e.log.Info("check unit completed",
		"attempt", inv.AttemptID, "criterion", inv.CriterionID,
		"unit", unit.UnitRef, "kind", unit.Manifest.Kind,
		"implemented", out.implemented, "elapsed", elapsed)
	return res, nil
}

// dispatch selects the sandbox for the unit's kind and contains panics from
// the in-process kinds.
func (e *Executor) dispatch(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) outcome {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v: %w", r, domain.ErrCheckFault)}
			}
		}()
		switch unit.Manifest.Kind {
		case loader.KindInline:
			done <- e.runInline(ctx, unit, inv)
		case loader.KindExpr:
			done <- e.runExpr(ctx, unit, inv)
		case loader.KindWasm:
			done <- e.runWasm(ctx, unit, inv)
		case loader.KindContainer:
			done <- e.runContainer(ctx, unit, inv)
		default:
			// Unreachable for units admitted by the loader.
			done <- outcome{err: fmt.Errorf("kind %q: %w", unit.Manifest.Kind, domain.ErrPolicyViolation)}
		}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		// The sandbox goroutine keeps winding down on its own; the attempt
		// does not wait for it.
		return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrTimeout)}
	}
}

func (e *Executor) timeoutFor(unit *loader.ExecutableUnit, inv Invocation) time.Duration {
	t := e.cfg.DefaultTimeout
	if inv.Timeout > 0 {
		t = inv.Timeout
	}
	if s := unit.Manifest.TimeoutSeconds; s > 0 {
		t = time.Duration(s) * time.Second
	}
	if t > e.cfg.MaxTimeout {
		t = e.cfg.MaxTimeout
	}
	return t
}

// gatedProbe enforces manifest capabilities on every inspection call. Cloud
// aspects require cloud_inspect; HTTP probes require http_probe.
type gatedProbe struct {
	inner    checks.Probe
	manifest *loader.Manifest
}

func (g *gatedProbe) Describe(ctx context.Context, aspect string, params map[string]any) (map[string]any, error) {
	need := loader.CapCloudInspect
	if aspect == checks.AspectHTTPHealth {
		need = loader.CapHTTPProbe
	}
	if !g.manifest.Grants(need) {
		return nil, fmt.Errorf("aspect %q requires capability %q: %w", aspect, need, domain.ErrPolicyViolation)
	}
	return g.inner.Describe(ctx, aspect, params)
}
