package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
)

func TestTokenIssuerRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(context.Background(), roles.Actor{
		UserID: "r1",
		Name:   "Bob",
		Role:   roles.RoleClientReviewer,
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := newTestValidator(t, clockNow.Add(30*time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != "r1" || claims.UserRole != "client_reviewer" || claims.UserDisplayName != "Bob" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := newTestValidator(t, clockNow.Add(2*time.Hour)).ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected token to expire after ttl, got %v", err)
	}
}

func TestTokenIssuerRejectsMissingSecretAndInvalidActors(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), roles.Actor{Name: "x", Role: roles.RoleAdmin}); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), roles.Actor{UserID: "u", Name: "x", Role: "owner"}); !errors.Is(err, roles.ErrInvalidActor) {
		t.Fatalf("expected invalid actor error, got %v", err)
	}
}
