package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))

	tok, exp, err := Generate(opts, "u-1", "alice", []string{"chat"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), exp, 5*time.Second)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"chat"}, claims.Scopes)
	assert.Equal(t, HashToken(tok), claims.TokenHash)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("a")), "u-1", "alice", nil)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("b")), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := Options{Secret: []byte("s"), TTL: time.Nanosecond}
	tok, _, err := Generate(opts, "u-1", "alice", nil)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(opts, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsAlgMismatch(t *testing.T) {
	tok, _, err := Generate(Options{Secret: []byte("s"), Alg: "HS512"}, "u-1", "alice", nil)
	require.NoError(t, err)

	_, err = Verify(Options{Secret: []byte("s"), Alg: "HS256"}, tok)
	assert.Error(t, err)
}

func TestUnsupportedAlg(t *testing.T) {
	_, _, err := Generate(Options{Secret: []byte("s"), Alg: "RS256"}, "u", "n", nil)
	assert.Error(t, err)
}
