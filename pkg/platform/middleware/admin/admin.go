// Package admin guards administrative routes with HS256 bearer tokens.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nullifier/pkg/platform/httputil"
)

// Role is the claim value that grants access to admin routes.
const Role = "nullification_admin"

type contextKey struct{}

// Claims are the admin token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and validates admin tokens with a shared key.
type Tokens struct {
	signingKey []byte
	issuer     string
}

// NewTokens creates a token service. Issuer is optional; when set, Validate requires it.
func NewTokens(signingKey, issuer string) *Tokens {
	return &Tokens{signingKey: []byte(signingKey), issuer: issuer}
}

// Issue signs an admin token for subject.
func (t *Tokens) Issue(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(t.signingKey)
}

// Validate parses and checks a token. Only HMAC signatures are accepted.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return t.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, httputil.New(httputil.CodeUnauthorized, "token has expired")
		}
		return nil, httputil.New(httputil.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, httputil.New(httputil.CodeUnauthorized, "invalid token claims")
	}
	if claims.Role != Role {
		return nil, httputil.New(httputil.CodeForbidden, "admin role required")
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid admin bearer token.
func RequireAdmin(tokens *Tokens, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				httputil.WriteError(w, httputil.New(httputil.CodeUnauthorized, "admin token required"))
				return
			}
			claims, err := tokens.Validate(raw)
			if err != nil {
				logger.WarnContext(ctx, "admin token rejected", "path", r.URL.Path, "error", err)
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, contextKey{}, claims.Subject)))
		})
	}
}

// Subject returns the authenticated admin subject, if any.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
