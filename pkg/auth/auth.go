// Package auth verifies Supabase session tokens and carries the
// authenticated user through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dennj/agnomerchant/engine/domain"
)

// Audience is the aud claim Supabase issues to signed-in users.
const Audience = "authenticated"

// CookieName is checked when no Authorization header is present.
const CookieName = "sb-access-token"

// User is the authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with the project's JWT secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. An empty secret rejects every token.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (User, error) {
	if len(v.secret) == 0 {
		return User{}, fmt.Errorf("auth: no signing secret configured: %w", domain.ErrUnauthorized)
	}
	var c claims
	_, err := v.parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("auth: %v: %w", err, domain.ErrUnauthorized)
	}
	if c.Subject == "" {
		return User{}, fmt.Errorf("auth: token has no subject: %w", domain.ErrUnauthorized)
	}
	return User{ID: c.Subject, Email: c.Email}, nil
}

// TokenFromRequest returns the bearer token or the session cookie value.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the user stored by WithUser.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}

// ErrorWriter renders an auth failure; it matches the API's error helper.
type ErrorWriter func(w http.ResponseWriter, status int, msg string)

// Require rejects requests without a valid token and stores the user in
// the request context.
func (v *Verifier) Require(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				onError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			u, err := v.Verify(raw)
			if err != nil {
				if errors.Is(err, domain.ErrUnauthorized) {
					onError(w, http.StatusUnauthorized, "Unauthorized")
					return
				}
				onError(w, http.StatusInternalServerError, "internal error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}
