package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeDetailsEmpty(t *testing.T) {
	assert.Nil(t, SanitizeDetails(nil))
	assert.Nil(t, SanitizeDetails(map[string]any{}))
}

func TestSanitizeDetailsPassesScalars(t *testing.T) {
	out := SanitizeDetails(map[string]any{
		"enabled": true,
		"count":   int64(3),
		"ratio":   0.5,
		"name":    "bucket-a",
	})
	assert.Equal(t, true, out["enabled"])
	assert.Equal(t, int64(3), out["count"])
	assert.Equal(t, 0.5, out["ratio"])
	assert.Equal(t, "bucket-a", out["name"])
}

func TestSanitizeDetailsCapsKeyCount(t *testing.T) {
	in := make(map[string]any, 50)
	for i := 0; i < 50; i++ {
		in[strings.Repeat("k", i+1)] = i
	}
	out := SanitizeDetails(in)
	assert.Len(t, out, maxDetailKeys+1)
	assert.Equal(t, true, out["_truncated"])
}

func TestSanitizeDetailsClampsValues(t *testing.T) {
	out := SanitizeDetails(map[string]any{
		"big": strings.Repeat("x", 10<<10),
	})
	assert.Len(t, out["big"], maxDetailValueLen)
}

func TestSanitizeDetailsClampsOnRuneBoundary(t *testing.T) {
	// A multi-byte rune straddling the byte limit must be dropped whole,
	// never split into invalid UTF-8.
	in := strings.Repeat("x", maxDetailValueLen-1) + "é"
	out := SanitizeDetails(map[string]any{"msg": in})

	got, ok := out["msg"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxDetailValueLen-1), got)
}

func TestSanitizeDetailsStripsControlCharacters(t *testing.T) {
	out := SanitizeDetails(map[string]any{
		"msg": "line1\nline2\x1b[31mred\x00",
	})
	assert.Equal(t, "line1 line2[31mred", out["msg"])
}

func TestSanitizeDetailsFlattensNested(t *testing.T) {
	out := SanitizeDetails(map[string]any{
		"nested": map[string]any{"a": 1},
		"list":   []string{"x", "y"},
	})
	_, isString := out["nested"].(string)
	assert.True(t, isString, "nested maps flatten to strings")
	_, isString = out["list"].(string)
	assert.True(t, isString)
}

func TestSanitizeDetailsDeterministicTruncation(t *testing.T) {
	in := make(map[string]any, 64)
	for i := 0; i < 64; i++ {
		in[string(rune('a'+i%26))+strings.Repeat("z", i/26)] = i
	}
	first := SanitizeDetails(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SanitizeDetails(in))
	}
}
