package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opsgym/assessd/internal/domain"
)

// Check-unit kinds admitted by the static safety policy. Anything else is a
// policy violation, never executed.
const (
	KindInline    = "inline"    // compiled-in check selected by entry id
	KindExpr      = "expr"      // CEL expression over probe output
	KindWasm      = "wasm"      // WASI module under wazero
	KindContainer = "container" // one-shot container, network off by default
)

// Capabilities a unit may request. The deny list is fixed platform policy:
// requesting any denied capability fails validation outright.
const (
	CapCloudInspect = "cloud_inspect"
	CapHTTPProbe    = "http_probe"
)

var deniedCapabilities = map[string]string{
	"process_spawn": "arbitrary process spawning",
	"fs_write":      "unrestricted filesystem access",
	"net_egress":    "outbound network egress",
	"code_fetch":    "dynamic re-fetching of further code",
}

var allowedCapabilities = map[string]struct{}{
	CapCloudInspect: {},
	CapHTTPProbe:    {},
}

// Environment variables a unit may receive besides its scoped credentials.
var platformEnvAllowlist = map[string]struct{}{
	"ASSESS_TARGET":      {},
	"ASSESS_PARTICIPANT": {},
	"ASSESS_REGION":      {},
}

// MaxUnitTimeoutSeconds is the platform ceiling for a single unit execution.
const MaxUnitTimeoutSeconds = 120

// Manifest is the declarative form of one check unit. Raw code evaluation is
// never performed; the manifest selects an execution kind from a closed set.
type Manifest struct {
	Unit           string         `json:"unit"`
	Version        int            `json:"version"`
	Kind           string         `json:"kind"`
	Entry          string         `json:"entry,omitempty"`
	Expression     string         `json:"expression,omitempty"`
	ModuleRef      string         `json:"module_ref,omitempty"`
	ModuleHash     string         `json:"module_hash,omitempty"`
	Image          string         `json:"image,omitempty"`
	Command        []string       `json:"command,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	EnvAllowlist   []string       `json:"env_allowlist,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Grants reports whether the manifest requests a capability.
func (m *Manifest) Grants(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["unit", "version", "kind"],
  "properties": {
    "unit":            {"type": "string", "minLength": 1, "maxLength": 128},
    "version":         {"type": "integer", "minimum": 1},
    "kind":            {"type": "string", "enum": ["inline", "expr", "wasm", "container"]},
    "entry":           {"type": "string", "maxLength": 256},
    "expression":      {"type": "string", "maxLength": 4096},
    "module_ref":      {"type": "string", "maxLength": 1024},
    "module_hash":     {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "image":           {"type": "string", "maxLength": 256},
    "command":         {"type": "array", "items": {"type": "string"}, "maxItems": 32},
    "capabilities":    {"type": "array", "items": {"type": "string"}, "maxItems": 8},
    "env_allowlist":   {"type": "array", "items": {"type": "string"}, "maxItems": 16},
    "timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 120},
    "params":          {"type": "object"}
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// ParseManifest decodes and validates raw manifest bytes against the schema
// and the static safety policy. Any rejection is a PolicyViolationError; the
// unit is never executed.
func ParseManifest(raw []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: manifest is not valid JSON: %v", domain.ErrPolicyViolation, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: manifest schema: %v", domain.ErrPolicyViolation, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: manifest decode: %v", domain.ErrPolicyViolation, err)
	}
	if err := m.checkPolicy(); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkPolicy enforces the deny list and kind-specific requirements.
func (m *Manifest) checkPolicy() error {
	for _, c := range m.Capabilities {
		if why, denied := deniedCapabilities[c]; denied {
			return fmt.Errorf("%w: capability %q (%s)", domain.ErrPolicyViolation, c, why)
		}
		if _, ok := allowedCapabilities[c]; !ok {
			return fmt.Errorf("%w: unknown capability %q", domain.ErrPolicyViolation, c)
		}
	}
	for _, k := range m.EnvAllowlist {
		if _, ok := platformEnvAllowlist[k]; !ok {
			return fmt.Errorf("%w: env var %q not in platform allow-list", domain.ErrPolicyViolation, k)
		}
	}
	if m.TimeoutSeconds > MaxUnitTimeoutSeconds {
		return fmt.Errorf("%w: timeout %ds exceeds ceiling %ds", domain.ErrPolicyViolation, m.TimeoutSeconds, MaxUnitTimeoutSeconds)
	}

	switch m.Kind {
	case KindInline:
		if m.Entry == "" {
			return fmt.Errorf("%w: inline unit missing entry", domain.ErrPolicyViolation)
		}
	case KindExpr:
		if strings.TrimSpace(m.Expression) == "" {
			return fmt.Errorf("%w: expr unit missing expression", domain.ErrPolicyViolation)
		}
	case KindWasm:
		if m.ModuleRef == "" || m.ModuleHash == "" {
			return fmt.Errorf("%w: wasm unit requires module_ref and module_hash", domain.ErrPolicyViolation)
		}
	case KindContainer:
		if m.Image == "" {
			return fmt.Errorf("%w: container unit missing image", domain.ErrPolicyViolation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrPolicyViolation, m.Kind)
	}
	return nil
}
