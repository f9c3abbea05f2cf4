package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestManager(t *testing.T) (AccessTokenManager, Config) {
	t.Helper()

	cfg := WithEphemeralKey(DefaultConfig())
	m, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, cfg
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	now := time.Now().UTC()

	tok, exp, err := m.Issue(Principal{UserID: "u1", SessionID: "s1", Permissions: []string{PermChatSend}}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expiration not in the future: %v", exp)
	}

	claims, err := m.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.SessionID != "s1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !claims.Has(PermChatSend) || claims.Has(PermChatCreate) {
		t.Fatalf("permissions mismatch: %v", claims.Permissions)
	}
	if claims.Issuer != "tasklane" {
		t.Fatalf("issuer mismatch: %q", claims.Issuer)
	}
}

func TestPasetoV4_MissingPermsClaimGetsDefaults(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	now := time.Now().UTC()

	tok, _, err := m.Issue(Principal{UserID: "u1", SessionID: "s1"}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !slices.Equal(claims.Permissions, DefaultPermissions) {
		t.Fatalf("expected default permissions, got %v", claims.Permissions)
	}

	// An explicit empty list is authoritative.
	tok, _, err = m.Issue(Principal{UserID: "u1", SessionID: "s1", Permissions: []string{}}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err = m.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.Permissions) != 0 {
		t.Fatalf("expected no permissions, got %v", claims.Permissions)
	}
}

func TestPasetoV4_RejectsExpiredForeignAndGarbage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	other, _ := newTestManager(t)
	now := time.Now().UTC()

	tok, _, err := m.Issue(Principal{UserID: "u1", SessionID: "s1"}, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}

	foreign, _, err := other.Issue(Principal{UserID: "u1", SessionID: "s1"}, now)
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}
	if _, err := m.Verify(foreign, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign-key token to fail, got %v", err)
	}

	if _, err := m.Verify("v4.public.garbage", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected garbage to fail, got %v", err)
	}
	if _, err := m.Verify("", now); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestPasetoV4_VerifyOnlyManager(t *testing.T) {
	t.Parallel()

	signer, cfg := newTestManager(t)
	verifier, err := NewPasetoV4PublicManager(Config{
		Issuer:               cfg.Issuer,
		ClockSkew:            cfg.ClockSkew,
		PasetoV4PublicKeyHex: signer.PublicKeyHex(),
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now().UTC()
	tok, _, err := signer.Issue(Principal{UserID: "u1", SessionID: "s1"}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(tok, now); err != nil {
		t.Fatalf("verify with public key: %v", err)
	}
	if _, _, err := verifier.Issue(Principal{UserID: "u1", SessionID: "s1"}, now); !errors.Is(err, ErrCannotIssue) {
		t.Fatalf("expected ErrCannotIssue, got %v", err)
	}

	mismatched := cfg
	mismatched.PasetoV4PublicKeyHex = paseto.NewV4AsymmetricSecretKey().Public().ExportHex()
	if _, err := NewPasetoV4PublicManager(mismatched); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for mismatched keys, got %v", err)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	auth := NewTokenAuthenticator(m)

	tok, _, err := m.Issue(Principal{UserID: "u1", SessionID: "s1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p, err := auth.Authenticate(context.Background(), "  "+tok+" ")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "u1" || p.SessionID != "s1" {
		t.Fatalf("principal mismatch: %+v", p)
	}

	if _, err := auth.Authenticate(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
