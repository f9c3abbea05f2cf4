package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	Principal
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(p Principal, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// With only a public key the manager is verify-only and Issue returns ErrCannotIssue.
// Clock skew is applied during verification via ValidAt to tolerate minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.canIssue = true
		m.public = secret.Public()
		if cfg.PasetoV4PublicKeyHex != "" && cfg.PasetoV4PublicKeyHex != m.public.ExportHex() {
			return nil, ErrConfig
		}
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrMissingKey
	}

	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}
	return m, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrCannotIssue
	}
	if p.UserID == "" || p.SessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", p.UserID)
	_ = tok.Set("sid", p.SessionID)
	if p.Permissions != nil {
		_ = tok.Set("perms", p.Permissions)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if token == "" {
		return AccessClaims{}, ErrMissingToken
	}

	// Validate slightly in the future so "nbf" tolerates clock drift.
	validNow := now.Add(m.clockSkew)

	// Fresh parser per call; rules accumulate otherwise.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	perms := DefaultPermissions
	if _, ok := parsed.Claims()["perms"]; ok {
		var got []string
		if err := parsed.Get("perms", &got); err != nil {
			return AccessClaims{}, ErrInvalidToken
		}
		perms = got
	}

	return AccessClaims{
		Principal: Principal{
			UserID:      uid,
			SessionID:   sid,
			Permissions: append([]string(nil), perms...),
		},
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
