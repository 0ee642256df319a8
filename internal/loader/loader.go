// Package loader materializes check units: it fetches manifest artifacts
// from the object store, verifies their recorded content hash, validates
// them against the static safety policy, and caches the result.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/opsgym/assessd/internal/backoff"
	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/objectstore"
)

// DefaultCacheBytes bounds the in-memory unit cache.
const DefaultCacheBytes = 64 << 20 // 64 MiB

// ExecutableUnit is a validated, immutable check unit admitted for
// execution. For wasm units the module bytes are carried alongside the
// manifest, both integrity-checked.
type ExecutableUnit struct {
	DefinitionID string
	UnitRef      string
	ContentHash  string
	Manifest     *Manifest
	WasmModule   []byte

	rawBytes int
}

// SizeBytes is the cache accounting weight of the unit.
func (u *ExecutableUnit) SizeBytes() int {
	return u.rawBytes + len(u.WasmModule)
}

// Loader fetches and validates check units. The cache is the only state
// shared across concurrent attempts: reads are lock-free after population
// and population is single-flight per key.
type Loader struct {
	store objectstore.Getter
	cache *byteLRU
	group singleflight.Group
	retry backoff.Policy
	log   *slog.Logger
}

// New builds a loader with the given cache budget; budget <= 0 uses the
// default.
func New(store objectstore.Getter, cacheBytes int) *Loader {
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	return &Loader{
		store: store,
		cache: newByteLRU(cacheBytes),
		retry: backoff.Default,
		log:   slog.With("component", "loader"),
	}
}

// Load returns the executable unit for one criterion of a definition.
// Integrity failures and policy violations fail closed; the unit is never
// admitted for execution. Successful loads are cached keyed by
// (definitionId, unitRef, contentHash).
func (l *Loader) Load(ctx context.Context, def *domain.ChallengeDefinition, crit domain.Criterion) (*ExecutableUnit, error) {
	key := def.ID + "|" + crit.CheckUnitRef + "|" + crit.CheckUnitHash
	if unit, ok := l.cache.get(key); ok {
		return unit, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent loader may have won.
		if unit, ok := l.cache.get(key); ok {
			return unit, nil
		}
		unit, err := l.fetchAndValidate(ctx, def, crit)
		if err != nil {
			return nil, err
		}
		l.cache.add(key, unit)
		return unit, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExecutableUnit), nil
}

// CachedUnits reports the current cache population, for observability.
func (l *Loader) CachedUnits() int { return l.cache.len() }

func (l *Loader) fetchAndValidate(ctx context.Context, def *domain.ChallengeDefinition, crit domain.Criterion) (*ExecutableUnit, error) {
	ref := resolveRef(def.CheckUnitsLocation, crit.CheckUnitRef)
	raw, err := l.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := verifyHash(raw, crit.CheckUnitHash); err != nil {
		l.log.Warn("unit integrity mismatch", "definition", def.ID, "unit", crit.CheckUnitRef)
		return nil, fmt.Errorf("unit %s: %w", crit.CheckUnitRef, err)
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		l.log.Warn("unit rejected by policy", "definition", def.ID, "unit", crit.CheckUnitRef, "error", err)
		return nil, fmt.Errorf("unit %s: %w", crit.CheckUnitRef, err)
	}

	unit := &ExecutableUnit{
		DefinitionID: def.ID,
		UnitRef:      crit.CheckUnitRef,
		ContentHash:  crit.CheckUnitHash,
		Manifest:     manifest,
		rawBytes:     len(raw),
	}

	if manifest.Kind == KindWasm {
		moduleRef := resolveRef(def.CheckUnitsLocation, manifest.ModuleRef)
		module, err := l.fetch(ctx, moduleRef)
		if err != nil {
			return nil, err
		}
		if err := verifyHash(module, manifest.ModuleHash); err != nil {
			return nil, fmt.Errorf("wasm module %s: %w", manifest.ModuleRef, err)
		}
		unit.WasmModule = module
	}

	l.log.Info("loaded check unit",
		"definition", def.ID, "unit", crit.CheckUnitRef, "kind", manifest.Kind, "bytes", unit.SizeBytes())
	return unit, nil
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	var raw []byte
	err := backoff.Do(ctx, l.retry, domain.Retryable, func(ctx context.Context) error {
		var err error
		raw, err = l.store.GetObject(ctx, ref)
		return err
	})
	return raw, err
}

// resolveRef treats absolute store:// refs as-is and joins relative refs
// under the definition's check-units location.
func resolveRef(location, ref string) string {
	if strings.HasPrefix(ref, "store://") {
		return ref
	}
	return objectstore.JoinRef(location, ref)
}

// Hash computes the canonical sha256:<hex> fingerprint of artifact bytes.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func verifyHash(b []byte, want string) error {
	got := Hash(b)
	if want == "" {
		return fmt.Errorf("%w: no recorded hash", domain.ErrIntegrity)
	}
	if got != want {
		return fmt.Errorf("%w: content hash %s does not match recorded %s", domain.ErrIntegrity, got, want)
	}
	return nil
}
