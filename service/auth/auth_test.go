package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/service/chat"
	"PPRealtime/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type users map[string]chat.User

func (u users) LookupUser(_ context.Context, id string) (chat.User, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return chat.User{}, ErrUnknownUser
}

var testOpts = security.DefaultOptions([]byte("unit-secret"))

func token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := security.Generate(testOpts, userID, name, nil)
	require.NoError(t, err)
	return tok
}

func TestAuthenticateFromClaims(t *testing.T) {
	a := New(testOpts, nil, nil)
	u, err := a.Authenticate(context.Background(), "  "+token(t, "u1", "alice")+" ")
	require.NoError(t, err)
	assert.Equal(t, chat.User{ID: "u1", Username: "alice"}, u)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	a := New(testOpts, nil, nil)
	_, err := a.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, security.ErrInvalidToken)

	other, _, err := security.Generate(security.DefaultOptions([]byte("other")), "u1", "alice", nil)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), other)
	assert.ErrorIs(t, err, security.ErrInvalidToken)
}

func TestAuthenticateUserLookup(t *testing.T) {
	a := New(testOpts, nil, users{"u1": {ID: "u1", Username: "Alice Liddell"}})

	u, err := a.Authenticate(context.Background(), token(t, "u1", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", u.Username)

	_, err = a.Authenticate(context.Background(), token(t, "ghost", "boo"))
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestRevokeBlocksToken(t *testing.T) {
	bl := NewMemoryBlacklist()
	a := New(testOpts, bl, nil)
	tok := token(t, "u1", "alice")
	ctx := context.Background()

	_, err := a.Authenticate(ctx, tok)
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, tok))
	_, err = a.Authenticate(ctx, tok)
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = a.Authenticate(ctx, token(t, "u2", "bob"))
	assert.NoError(t, err)
}

func TestRevokeWithoutBlacklist(t *testing.T) {
	a := New(testOpts, nil, nil)
	assert.Error(t, a.Revoke(context.Background(), token(t, "u1", "alice")))
}

type failingBlacklist struct{}

func (failingBlacklist) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingBlacklist) Revoke(context.Context, string, time.Time) error { return nil }

func TestAuthenticateBlacklistFailure(t *testing.T) {
	a := New(testOpts, failingBlacklist{}, nil)
	_, err := a.Authenticate(context.Background(), token(t, "u1", "alice"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestMemoryBlacklistExpiry(t *testing.T) {
	bl := NewMemoryBlacklist()
	now := time.Now()
	bl.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, bl.Revoke(ctx, "h1", now.Add(time.Minute)))
	require.NoError(t, bl.Revoke(ctx, "h2", now.Add(time.Hour)))

	ok, err := bl.IsRevoked(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = bl.IsRevoked(ctx, "h1")
	assert.False(t, ok)

	assert.Equal(t, 1, bl.Cleanup(now.Add(2*time.Hour)))
	ok, _ = bl.IsRevoked(ctx, "h2")
	assert.False(t, ok)
}
