package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "otprelay-status-api"

// MinSecretLength is the shortest JWT secret the status API accepts.
const MinSecretLength = 32

var (
	ErrLoginDisabled      = errors.New("login disabled: secret or password hash not configured")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const SessionIDContextKey = ContextKey("sessionID")

// TokenService issues and validates status API bearer tokens.
type TokenService struct {
	secret       []byte
	expiry       time.Duration
	passwordHash []byte
	now          func() time.Time
}

func NewTokenService(secret string, expiryHours int, passwordHash string) *TokenService {
	return &TokenService{
		secret:       []byte(secret),
		expiry:       time.Duration(expiryHours) * time.Hour,
		passwordHash: []byte(passwordHash),
		now:          time.Now,
	}
}

// Enabled reports whether both a usable secret and a password hash are
// configured. A disabled service neither issues nor accepts tokens.
func (s *TokenService) Enabled() bool {
	return len(s.secret) >= MinSecretLength && len(s.passwordHash) > 0
}

// Login checks password against the configured bcrypt hash and returns a
// signed token.
func (s *TokenService) Login(password string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now()
	exp := now.Add(s.expiry)
	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token generation error: %w", err)
	}
	return token, exp, nil
}

// Validate parses a token and returns its id.
func (s *TokenService) Validate(tokenString string) (string, error) {
	if !s.Enabled() {
		return "", ErrLoginDisabled
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	return claims.ID, nil
}

// AuthMiddleware requires a valid Bearer token.
func AuthMiddleware(tokens *TokenService, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				jsonError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				jsonError(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			sessionID, err := tokens.Validate(parts[1])
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SessionIDContextKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
