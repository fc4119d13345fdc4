package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"
)

func newAuthService(t *testing.T) *service.AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	svc, err := service.NewAuthService(service.AuthConfig{
		Secret:   "test-signing-key",
		TokenTTL: time.Hour,
		Accounts: []service.GraderAccount{
			{Name: "alice", PasswordHash: string(hash)},
		},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return svc
}

func TestLoginAndValidate(t *testing.T) {
	svc := newAuthService(t)

	token, expiresAt, err := svc.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}
	if remaining := time.Until(expiresAt); remaining < 59*time.Minute || remaining > time.Hour {
		t.Fatalf("expiry off: %s", remaining)
	}

	name, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if name != "alice" {
		t.Fatalf("subject = %q, want alice", name)
	}
}

func TestLoginRejected(t *testing.T) {
	svc := newAuthService(t)

	if _, _, err := svc.Login(context.Background(), "alice", "wrong"); !appErr.Is(err, appErr.InvalidCredentials) {
		t.Fatalf("wrong password: expected InvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "mallory", "secret"); !appErr.Is(err, appErr.InvalidCredentials) {
		t.Fatalf("unknown grader: expected InvalidCredentials, got %v", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	svc := newAuthService(t)
	if _, err := svc.ValidateToken("not-a-token"); !appErr.Is(err, appErr.TokenInvalid) {
		t.Fatalf("expected TokenInvalid, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := newAuthService(t)

	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ValidateToken(expired); !appErr.Is(err, appErr.TokenExpired) {
		t.Fatalf("expected TokenExpired, got %v", err)
	}
}

func TestValidateTokenWrongAlgorithm(t *testing.T) {
	svc := newAuthService(t)

	// A token signed with "none" must be rejected regardless of claims.
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ValidateToken(unsigned); !appErr.Is(err, appErr.TokenInvalid) {
		t.Fatalf("expected TokenInvalid, got %v", err)
	}
}
