package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgym/assessd/internal/domain"
)

// fakeStore serves objects from memory and counts fetches per ref.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fetches map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, fetches: map[string]int{}}
}

func (s *fakeStore) put(ref string, b []byte) { s.objects[ref] = b }

func (s *fakeStore) GetObject(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[ref]++
	b, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	return b, nil
}

func (s *fakeStore) fetchCount(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[ref]
}

func inlineManifest(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"unit": "versioning", "version": 1, "kind": "inline",
		"entry":        "s3_bucket_versioning",
		"capabilities": []string{"cloud_inspect"},
	})
	require.NoError(t, err)
	return b
}

func defFor(ref, hash string) (*domain.ChallengeDefinition, domain.Criterion) {
	crit := domain.Criterion{
		ID: "c1", Name: "versioning", Points: 10,
		CheckUnitRef: ref, CheckUnitHash: hash,
	}
	return &domain.ChallengeDefinition{
		ID:                 "def-1",
		Criteria:           []domain.Criterion{crit},
		CheckUnitsLocation: "store://units-bucket",
	}, crit
}

func TestLoadValidUnit(t *testing.T) {
	store := newFakeStore()
	raw := inlineManifest(t)
	store.put("store://units-bucket/u.json", raw)

	def, crit := defFor("u.json", Hash(raw))
	l := New(store, 0)

	unit, err := l.Load(context.Background(), def, crit)
	require.NoError(t, err)
	assert.Equal(t, KindInline, unit.Manifest.Kind)
	assert.Equal(t, "s3_bucket_versioning", unit.Manifest.Entry)
	assert.Equal(t, crit.CheckUnitHash, unit.ContentHash)
}

func TestLoadIntegrityMismatch(t *testing.T) {
	store := newFakeStore()
	raw := inlineManifest(t)
	tampered := append([]byte(nil), raw...)
	tampered[0] = ' ' // same length, different bytes
	store.put("store://units-bucket/u.json", tampered)

	def, crit := defFor("u.json", Hash(raw))
	l := New(store, 0)

	_, err := l.Load(context.Background(), def, crit)
	require.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Equal(t, 0, l.CachedUnits(), "rejected units must not be cached")
}

func TestLoadMissingRecordedHash(t *testing.T) {
	store := newFakeStore()
	raw := inlineManifest(t)
	store.put("store://units-bucket/u.json", raw)

	def, crit := defFor("u.json", "")
	l := New(store, 0)

	_, err := l.Load(context.Background(), def, crit)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLoadPolicyViolations(t *testing.T) {
	cases := map[string]map[string]any{
		"denied capability": {
			"unit": "u", "version": 1, "kind": "inline", "entry": "e",
			"capabilities": []string{"process_spawn"},
		},
		"unknown capability": {
			"unit": "u", "version": 1, "kind": "inline", "entry": "e",
			"capabilities": []string{"raw_sockets"},
		},
		"env outside allowlist": {
			"unit": "u", "version": 1, "kind": "inline", "entry": "e",
			"env_allowlist": []string{"AWS_SECRET_ACCESS_KEY"},
		},
		"timeout over ceiling": {
			"unit": "u", "version": 1, "kind": "inline", "entry": "e",
			"timeout_seconds": 600,
		},
		"unknown kind": {
			"unit": "u", "version": 1, "kind": "shell",
		},
		"inline without entry": {
			"unit": "u", "version": 1, "kind": "inline",
		},
		"wasm without module hash": {
			"unit": "u", "version": 1, "kind": "wasm", "module_ref": "m.wasm",
		},
		"unknown field": {
			"unit": "u", "version": 1, "kind": "inline", "entry": "e",
			"shell": "rm -rf /",
		},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(m)
			require.NoError(t, err)

			store := newFakeStore()
			store.put("store://units-bucket/u.json", raw)
			def, crit := defFor("u.json", Hash(raw))

			_, err = New(store, 0).Load(context.Background(), def, crit)
			require.ErrorIs(t, err, domain.ErrPolicyViolation)
		})
	}
}

func TestLoadNotJSON(t *testing.T) {
	store := newFakeStore()
	raw := []byte("#!/bin/sh\nexit 0\n")
	store.put("store://units-bucket/u.json", raw)
	def, crit := defFor("u.json", Hash(raw))

	_, err := New(store, 0).Load(context.Background(), def, crit)
	require.ErrorIs(t, err, domain.ErrPolicyViolation)
}

func TestLoadCachesByContentHash(t *testing.T) {
	store := newFakeStore()
	raw := inlineManifest(t)
	store.put("store://units-bucket/u.json", raw)
	def, crit := defFor("u.json", Hash(raw))
	l := New(store, 0)

	first, err := l.Load(context.Background(), def, crit)
	require.NoError(t, err)
	second, err := l.Load(context.Background(), def, crit)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.fetchCount("store://units-bucket/u.json"))
}

func TestLoadWasmModuleFetchedAndVerified(t *testing.T) {
	module := []byte("\x00asm\x01\x00\x00\x00")
	manifest, err := json.Marshal(map[string]any{
		"unit": "w", "version": 1, "kind": "wasm",
		"module_ref": "w.wasm", "module_hash": Hash(module),
	})
	require.NoError(t, err)

	store := newFakeStore()
	store.put("store://units-bucket/u.json", manifest)
	store.put("store://units-bucket/w.wasm", module)
	def, crit := defFor("u.json", Hash(manifest))

	unit, err := New(store, 0).Load(context.Background(), def, crit)
	require.NoError(t, err)
	assert.Equal(t, module, unit.WasmModule)

	// Tamper with the module: next loader must refuse it.
	store.put("store://units-bucket/w.wasm", []byte("\x00asm\x01\x00\x00\x01"))
	_, err = New(store, 0).Load(context.Background(), def, crit)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLoadMissingObject(t *testing.T) {
	def, crit := defFor("absent.json", "sha256:"+fmt.Sprintf("%064d", 0))
	_, err := New(newFakeStore(), 0).Load(context.Background(), def, crit)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestByteLRUEvictsOldest(t *testing.T) {
	c := newByteLRU(100)
	mk := func(size int) *ExecutableUnit { return &ExecutableUnit{rawBytes: size} }

	c.add("a", mk(40))
	c.add("b", mk(40))
	_, ok := c.get("a") // refresh a
	require.True(t, ok)
	c.add("c", mk(40)) // over budget: b is the LRU entry

	_, ok = c.get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestByteLRURefusesOversizedEntry(t *testing.T) {
	c := newByteLRU(10)
	c.add("huge", &ExecutableUnit{rawBytes: 11})
	assert.Equal(t, 0, c.len())
}

func TestHashFormat(t *testing.T) {
	h := Hash([]byte("hello"))
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h)
	assert.Equal(t, h, Hash([]byte("hello")))
	assert.NotEqual(t, h, Hash([]byte("hello!")))
}
