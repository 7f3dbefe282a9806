package auth_test

import (
	"errors"
	"testing"

	"round-engine/internal/config"
	pkgAuth "round-engine/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

func setup() {
	config.GlobalConfig = &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", Expire: 1},
	}
}

func TestParticipantTokenRoundTrip(t *testing.T) {
	setup()

	token, err := pkgAuth.GenerateToken(42)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	claims, err := pkgAuth.ParseParticipantToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.SubjectID != 42 || claims.Scope != pkgAuth.ScopeParticipant {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestScopesAreNotInterchangeable(t *testing.T) {
	setup()

	participant, err := pkgAuth.GenerateToken(7)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := pkgAuth.ParseOperatorToken(participant); !errors.Is(err, pkgAuth.ErrWrongScope) {
		t.Fatalf("expected scope error for participant token, got %v", err)
	}

	operator, err := pkgAuth.GenerateOperatorToken(1)
	if err != nil {
		t.Fatalf("generate operator token: %v", err)
	}
	if _, err := pkgAuth.ParseParticipantToken(operator); !errors.Is(err, pkgAuth.ErrWrongScope) {
		t.Fatalf("expected scope error for operator token, got %v", err)
	}
}

func TestTokenSignedWithOtherSecretIsRejected(t *testing.T) {
	setup()

	claims := pkgAuth.Claims{SubjectID: 9, Scope: pkgAuth.ScopeParticipant}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	if _, err := pkgAuth.ParseParticipantToken(forged); err == nil {
		t.Fatalf("expected forged token to be rejected")
	}
}
