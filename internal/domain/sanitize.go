package domain

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Check-unit details are third-party output. They are size-limited and
// flattened before persistence so a hostile unit cannot bloat result records
// or smuggle control characters into rendered feedback.
const (
	maxDetailKeys     = 32
	maxDetailValueLen = 4 << 10 // 4 KiB per value
	maxDetailKeyLen   = 128
)

// SanitizeDetails returns a bounded, printable copy of a unit-supplied
// details map. Nested values are flattened to their string form. Keys are
// processed in sorted order so truncation is deterministic.
func SanitizeDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, min(len(keys), maxDetailKeys))
	for _, k := range keys {
		if len(out) >= maxDetailKeys {
			out["_truncated"] = true
			break
		}
		ck := clampString(stripUnprintable(k), maxDetailKeyLen)
		if ck == "" {
			continue
		}
		out[ck] = sanitizeValue(in[k])
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return t
	case string:
		return clampString(stripUnprintable(t), maxDetailValueLen)
	default:
		// Nested maps, slices, and anything exotic flatten to a string.
		return clampString(stripUnprintable(fmt.Sprintf("%v", t)), maxDetailValueLen)
	}
}

func stripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, s)
}

// clampString truncates to at most n bytes without splitting a rune.
func clampString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
