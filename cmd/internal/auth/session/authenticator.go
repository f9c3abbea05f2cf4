package session

import (
	"context"
	"strings"
	"time"
)

// Authenticator turns a bearer credential into a Principal.
// Shared by the REST API and the realtime gateway.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// TokenAuthenticator verifies stateless access tokens.
type TokenAuthenticator struct {
	tokens AccessTokenManager
	now    func() time.Time
}

// NewTokenAuthenticator constructs a TokenAuthenticator.
func NewTokenAuthenticator(tokens AccessTokenManager) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens, now: time.Now}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := a.tokens.Verify(token, a.now().UTC())
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal, nil
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Principal, error) {
	return f(ctx, token)
}
