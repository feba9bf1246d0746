package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sodap/settlement-engine/ledger"
)

// PrincipalHeader names the caller when no signing secret is configured.
const PrincipalHeader = "X-Principal"

var errUnauthenticated = errors.New("unauthenticated")

type principalKey struct{}

// WithPrincipal attaches the authenticated user to ctx.
func WithPrincipal(ctx context.Context, user ledger.UserID) context.Context {
	return context.WithValue(ctx, principalKey{}, user)
}

// Principal returns the authenticated user, or "" outside the auth middleware.
func Principal(ctx context.Context) ledger.UserID {
	user, _ := ctx.Value(principalKey{}).(ledger.UserID)
	return user
}

// Authenticator verifies HS256 bearer tokens whose subject is the user id.
// With an empty secret it trusts PrincipalHeader instead.
type Authenticator struct {
	secret []byte
	clock  ledger.Clock
}

func NewAuthenticator(secret string, clock ledger.Clock) *Authenticator {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Authenticator{secret: []byte(secret), clock: clock}
}

func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// IssueToken signs a token for user valid for ttl.
func (a *Authenticator) IssueToken(user ledger.UserID, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("token signing is disabled")
	}
	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(user),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a signed token and returns its subject.
func (a *Authenticator) Verify(raw string) (ledger.UserID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return ledger.UserID(claims.Subject), nil
}

// Middleware rejects requests without a valid principal.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.principalFrom(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   "authentication required",
				Code:    "unauthenticated",
				Details: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), user)))
	})
}

func (a *Authenticator) principalFrom(r *http.Request) (ledger.UserID, error) {
	if !a.Enabled() {
		user := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if user == "" {
			return "", errUnauthenticated
		}
		return ledger.UserID(user), nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errUnauthenticated
	}
	return a.Verify(strings.TrimSpace(raw))
}
