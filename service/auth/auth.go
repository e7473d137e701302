package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"
	"PPRealtime/tools/security"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrRevoked     = errors.New("token revoked")
	ErrUnknownUser = errors.New("unknown user")
)

// Blacklist records revoked tokens by hash until they would have expired anyway.
type Blacklist interface {
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
	Revoke(ctx context.Context, tokenHash string, until time.Time) error
}

// UserLookup resolves the account behind a token subject.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (chat.User, error)
}

// Authenticator verifies access tokens for the websocket handshake.
type Authenticator struct {
	opts      security.Options
	blacklist Blacklist
	users     UserLookup
}

// New builds an Authenticator. blacklist and users may be nil.
func New(opts security.Options, blacklist Blacklist, users UserLookup) *Authenticator {
	return &Authenticator{opts: opts, blacklist: blacklist, users: users}
}

var _ chat.Authenticator = (*Authenticator)(nil)

func (a *Authenticator) Authenticate(ctx context.Context, token string) (chat.User, error) {
	claims, err := security.Verify(a.opts, strings.TrimSpace(token))
	if err != nil {
		return chat.User{}, pkgerrors.Wrap(err, "verify token")
	}
	if a.blacklist != nil {
		revoked, err := a.blacklist.IsRevoked(ctx, claims.TokenHash)
		if err != nil {
			return chat.User{}, pkgerrors.Wrap(err, "blacklist lookup")
		}
		if revoked {
			return chat.User{}, ErrRevoked
		}
	}

	user := chat.User{ID: claims.UserID, Username: claims.Username}
	if a.users == nil {
		return user, nil
	}
	found, err := a.users.LookupUser(ctx, claims.UserID)
	if err != nil {
		return chat.User{}, pkgerrors.Wrapf(err, "lookup user %s", claims.UserID)
	}
	if found.Username != "" {
		user.Username = found.Username
	}
	return user, nil
}

// Revoke blacklists a still-valid token until its expiry.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	if a.blacklist == nil {
		return errors.New("auth: no blacklist configured")
	}
	claims, err := security.Verify(a.opts, strings.TrimSpace(token))
	if err != nil {
		return pkgerrors.Wrap(err, "verify token")
	}
	until := claims.ExpiresAt
	if until.IsZero() {
		until = time.Now().Add(a.opts.TTL)
	}
	if err := a.blacklist.Revoke(ctx, claims.TokenHash, until); err != nil {
		return pkgerrors.Wrap(err, "revoke token")
	}
	logger.Info("[Auth] token revoked", zap.String("user", claims.UserID), zap.Time("until", until))
	return nil
}
