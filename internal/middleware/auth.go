package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")
	ErrInvalidToken      = errors.New("invalid token")
)

type contextKey string

const SessionIDContextKey contextKey = "session_id"

// JWTConfig holds the JWT configuration
type JWTConfig struct {
	Secret        []byte
	SigningMethod jwt.SigningMethod
	Expiration    time.Duration
	Issuer        string
}

// Claims represents JWT claims. SessionID identifies one PIN-unlocked session.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewJWTConfig creates a new JWT configuration. A non-positive ttl means 30 minutes.
func NewJWTConfig(secret string, ttl time.Duration) *JWTConfig {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &JWTConfig{
		Secret:        []byte(secret),
		SigningMethod: jwt.SigningMethodHS256,
		Expiration:    ttl,
		Issuer:        "zerotrace",
	}
}

// GenerateToken generates a JWT token for an unlocked session
func (c *JWTConfig) GenerateToken(sessionID string) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(c.Expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    c.Issuer,
		},
	}

	token := jwt.NewWithClaims(c.SigningMethod, claims)
	return token.SignedString(c.Secret)
}

// ValidateToken validates a JWT token and returns the claims
func (c *JWTConfig) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if token.Method != c.SigningMethod {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method)
		}
		return c.Secret, nil
	}, jwt.WithIssuer(c.Issuer))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.SessionID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// AuthMiddleware creates a middleware that validates JWT tokens
func (c *JWTConfig) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := c.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SessionIDContextKey, claims.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on websocket upgrades, so the token query parameter is accepted
// for those requests.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return t, nil
		}
		return "", ErrMissingAuthHeader
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrInvalidAuthHeader
	}
	return parts[1], nil
}

// GetSessionIDFromContext extracts the session ID from the request context
func GetSessionIDFromContext(ctx context.Context) (string, error) {
	sid, ok := ctx.Value(SessionIDContextKey).(string)
	if !ok {
		return "", errors.New("session ID not found in context")
	}
	return sid, nil
}
