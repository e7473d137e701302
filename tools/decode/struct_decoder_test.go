package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Content  string `json:"content"`
	Limit    int    `json:"limit"`
	Offset   int64  `json:"offset"`
	Internal bool   `json:"internal"`
}

func TestMapDecodesJSONShapes(t *testing.T) {
	out, err := Map[samplePayload](map[string]any{
		"content":  "hi",
		"limit":    float64(20),
		"offset":   "5",
		"internal": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Content)
	assert.Equal(t, 20, out.Limit)
	assert.Equal(t, int64(5), out.Offset)
	assert.True(t, out.Internal)
}

func TestMapNil(t *testing.T) {
	out, err := Map[samplePayload](nil)
	require.NoError(t, err)
	assert.Equal(t, samplePayload{}, *out)
}

func TestMapStrictRejectsWrongType(t *testing.T) {
	_, err := Map[samplePayload](map[string]any{"limit": "many"}, Options{})
	assert.Error(t, err)
}

func TestReadString(t *testing.T) {
	m := map[string]any{"s": "x", "n": float64(3), "nil": nil}
	s, err := ReadString(m, "s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = ReadString(m, "missing")
	assert.Error(t, err)
	_, err = ReadString(m, "nil")
	assert.Error(t, err)
	_, err = ReadString(m, "n")
	assert.ErrorContains(t, err, "not string")
}
