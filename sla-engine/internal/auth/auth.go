// Package auth authenticates API callers and carries the caller's tenant
// and user through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "sla-engine.principal"

// Dev-mode headers, honoured only when no signing secret is configured.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	TenantID string
}

type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens. With an empty secret it runs in
// dev mode and trusts the X-Tenant-ID and X-User-ID headers instead.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) DevMode() bool { return len(v.secret) == 0 }

func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if v.DevMode() {
		p := Principal{Subject: r.Header.Get(HeaderUser), TenantID: r.Header.Get(HeaderTenant)}
		if p.TenantID == "" {
			return Principal{}, errors.New("authentication required: " + HeaderTenant + " header")
		}
		return p, nil
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return Principal{}, errors.New("authentication required: bearer token")
	}
	return v.VerifyToken(strings.TrimSpace(authz[len("bearer "):]))
}

func (v *Verifier) VerifyToken(tokenStr string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Principal{}, errors.New("invalid token: sub and tenant_id claims required")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID}, nil
}

// Sign issues a token for p. It exists for service-to-service callers and tests.
func (v *Verifier) Sign(p Principal, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = p.Subject
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: p.TenantID, RegisteredClaims: claims}).SignedString(v.secret)
}

func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.VerifyRequest(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}
