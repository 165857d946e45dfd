package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/auth"
)

func protected(v *auth.Verifier) (http.Handler, *auth.Principal) {
	seen := &auth.Principal{}
	return auth.Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if ok {
			*seen = p
		}
		w.WriteHeader(http.StatusNoContent)
	})), seen
}

func TestMiddlewareAcceptsSignedToken(t *testing.T) {
	v := auth.NewVerifier("s3cret", "portfolio")
	token, err := v.Sign(auth.Principal{Subject: "user-1", TenantID: "tenant-a"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	h, seen := protected(v)
	req := httptest.NewRequest(http.MethodGet, "/sla/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, auth.Principal{Subject: "user-1", TenantID: "tenant-a"}, *seen)
}

func TestMiddlewareRejects(t *testing.T) {
	v := auth.NewVerifier("s3cret", "portfolio")
	other := auth.NewVerifier("other", "portfolio")
	wrongIssuer := auth.NewVerifier("s3cret", "elsewhere")
	exp := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	forged, _ := other.Sign(auth.Principal{Subject: "u", TenantID: "t"}, exp)
	foreign, _ := wrongIssuer.Sign(auth.Principal{Subject: "u", TenantID: "t"}, exp)
	expired, _ := v.Sign(auth.Principal{Subject: "u", TenantID: "t"}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	noExpiry, _ := v.Sign(auth.Principal{Subject: "u", TenantID: "t"}, jwt.RegisteredClaims{})
	noTenant, _ := v.Sign(auth.Principal{Subject: "u"}, exp)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic dXNlcjpwYXNz",
		"bad signature":  "Bearer " + forged,
		"wrong issuer":   "Bearer " + foreign,
		"expired":        "Bearer " + expired,
		"no expiry":      "Bearer " + noExpiry,
		"no tenant":      "Bearer " + noTenant,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h, _ := protected(v)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestDevModeUsesHeaders(t *testing.T) {
	v := auth.NewVerifier("", "")
	require.True(t, v.DevMode())
	h, seen := protected(v)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set(auth.HeaderTenant, "tenant-a")
	req.Header.Set(auth.HeaderUser, "dev")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tenant-a", seen.TenantID)
	assert.Equal(t, "dev", seen.Subject)
}
