package executor

import (
	"context"
	"fmt"

	"github.com/opsgym/assessd/internal/checks"
	"github.com/opsgym/assessd/internal/loader"
)

// runInline executes a compiled-in check selected by the manifest entry id.
// The check sees only the capability-gated probe and the invocation input.
func (e *Executor) runInline(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) outcome {
	fn, err := e.registry.Lookup(unit.Manifest.Entry)
	if err != nil {
		return outcome{err: err}
	}
	if inv.Credential != nil && inv.Credential.Expired() {
		return outcome{err: fmt.Errorf("unit %s: credential unusable", unit.UnitRef)}
	}

	probe := &gatedProbe{inner: e.probeFor(inv), manifest: unit.Manifest}
	implemented, details, err := fn(ctx, probe, checks.Input{
		ParticipantID: inv.ParticipantID,
		Target:        inv.Target,
		Params:        unit.Manifest.Params,
	})
	if err != nil {
		return outcome{err: err}
	}
	return outcome{implemented: implemented, details: details}
}
