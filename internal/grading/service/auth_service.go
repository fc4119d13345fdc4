package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// GraderAccount is one configured grader login.
type GraderAccount struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"passwordHash"`
}

// AuthConfig controls grader authentication.
type AuthConfig struct {
	Secret   string          `yaml:"secret"`
	TokenTTL time.Duration   `yaml:"tokenTTL"`
	Accounts []GraderAccount `yaml:"accounts"`
}

// AuthService verifies grader credentials and issues JWTs.
type AuthService struct {
	secret   []byte
	tokenTTL time.Duration
	accounts map[string]string
}

// NewAuthService builds the auth service from configured accounts.
func NewAuthService(cfg AuthConfig) (*AuthService, error) {
	if cfg.Secret == "" {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("auth secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	accounts := make(map[string]string, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		if account.Name == "" || account.PasswordHash == "" {
			return nil, appErr.New(appErr.InternalServerError).WithMessage("grader account needs name and passwordHash")
		}
		accounts[account.Name] = account.PasswordHash
	}
	return &AuthService{
		secret:   []byte(cfg.Secret),
		tokenTTL: ttl,
		accounts: accounts,
	}, nil
}

// Login verifies a grader's password and returns a signed token.
func (s *AuthService) Login(ctx context.Context, name, password string) (string, time.Time, error) {
	hash, ok := s.accounts[name]
	if !ok {
		// Burn a bcrypt comparison so unknown names cost the same.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return "", time.Time{}, appErr.New(appErr.InvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		logger.Warn(ctx, "grader login rejected", zap.String("grader", name))
		return "", time.Time{}, appErr.New(appErr.InvalidCredentials)
	}

	expiresAt := time.Now().Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   name,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, appErr.Wrapf(err, appErr.TokenGenerationFailed, "sign token: %v", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses a token and returns the grader name.
func (s *AuthService) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, appErr.New(appErr.TokenInvalid).WithMessagef("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", appErr.New(appErr.TokenExpired)
		}
		return "", appErr.Wrap(err, appErr.TokenInvalid)
	}
	if !token.Valid || claims.Subject == "" {
		return "", appErr.New(appErr.TokenInvalid)
	}
	return claims.Subject, nil
}
