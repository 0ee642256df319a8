package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	bucket, key, err := ParseRef("store://units-bucket/path/to/unit.json")
	require.NoError(t, err)
	assert.Equal(t, "units-bucket", bucket)
	assert.Equal(t, "path/to/unit.json", key)

	for _, bad := range []string{
		"s3://bucket/key",
		"store://bucketonly",
		"store://bucket/",
		"store:///key",
		"",
	} {
		_, _, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestJoinRef(t *testing.T) {
	assert.Equal(t, "store://b/units/u.json", JoinRef("store://b", "units/u.json"))
	assert.Equal(t, "store://b/units/u.json", JoinRef("store://b/", "/units/u.json"))
	assert.Equal(t, "store://b/prefix/u.json", JoinRef("store://b/prefix", "u.json"))
}
