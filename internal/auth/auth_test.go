package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager("secret", time.Hour)

	token, err := m.IssueToken("alice", []string{ScopeRequestsRead})
	require.NoError(t, err)

	p, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, "jwt", p.Method)
	assert.True(t, p.HasScope(ScopeRequestsRead))
	assert.False(t, p.HasScope(ScopeRequestsWrite))
}

func TestTokenDefaultScopes(t *testing.T) {
	m := NewManager("secret", time.Hour)

	token, err := m.IssueToken("alice", nil)
	require.NoError(t, err)

	p, err := m.ValidateToken(token)
	require.NoError(t, err)
	for _, scope := range defaultScopes {
		assert.True(t, p.HasScope(scope), scope)
	}
}

func TestTokenRejections(t *testing.T) {
	m := NewManager("secret", time.Hour)

	t.Run("wrong_secret", func(t *testing.T) {
		token, err := NewManager("other", time.Hour).IssueToken("alice", nil)
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := NewManager("secret", time.Millisecond).IssueToken("alice", nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong_issuer", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none_algorithm", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"lowercase_scheme", "bearer abc123", "abc123", false},
		{"missing", "", "", true},
		{"wrong_scheme", "Basic abc123", "", true},
		{"no_token", "Bearer", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearerToken(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", UserFromContext(ctx))
	assert.NoError(t, Authorize(ctx, ScopeRequestsWrite))

	ctx = WithPrincipal(ctx, &Principal{Subject: "ci", Scopes: []string{ScopeRequestsRead}})
	assert.Equal(t, "ci", UserFromContext(ctx))
	assert.NoError(t, Authorize(ctx, ScopeRequestsRead))
	assert.Error(t, Authorize(ctx, ScopeRequestsWrite))
}

func TestConfigActive(t *testing.T) {
	assert.False(t, Config{}.Active())
	assert.False(t, Config{Enabled: true}.Active())
	assert.True(t, Config{Enabled: true, JWTSecret: "s"}.Active())
	assert.True(t, Config{Enabled: true, APIKeys: []APIKey{{Name: "k", Hash: "h"}}}.Active())
	assert.True(t, Config{Enabled: true, SkipAuth: true}.Active())
	assert.False(t, Config{JWTSecret: "s"}.Active())
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

// echoPrincipal records the principal the middleware attached.
func echoPrincipal(got **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFromContext(r.Context()); ok {
			*got = p
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	var got *Principal
	mw := NewMiddleware(Config{}, zaptest.NewLogger(t))
	h := mw.Wrap(echoPrincipal(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)
}

func TestMiddlewareSkipAuth(t *testing.T) {
	var got *Principal
	mw := NewMiddleware(Config{Enabled: true, SkipAuth: true}, zaptest.NewLogger(t))
	h := mw.Wrap(echoPrincipal(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "dev", got.Subject)
	assert.Equal(t, "dev", got.Method)
}

func TestMiddlewareAPIKey(t *testing.T) {
	cfg := Config{
		Enabled: true,
		APIKeys: []APIKey{
			{Name: "ci", Hash: hashKey(t, "sk_ci"), Scopes: []string{ScopeRequestsRead}},
			{Name: "ops", Hash: hashKey(t, "sk_ops")},
		},
	}
	var got *Principal
	mw := NewMiddleware(cfg, zaptest.NewLogger(t))
	h := mw.Wrap(echoPrincipal(&got))

	t.Run("header", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("X-API-Key", "sk_ci")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "ci", got.Subject)
		assert.Equal(t, "api_key", got.Method)
		assert.Equal(t, []string{ScopeRequestsRead}, got.Scopes)
	})

	t.Run("default_scopes", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("X-API-Key", "sk_ops")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.ElementsMatch(t, defaultScopes, got.Scopes)
	})

	t.Run("unknown_key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("X-API-Key", "sk_nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stream_query_param", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/sse?request_id=x&api_key=sk_ci", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "ci", got.Subject)
	})

	t.Run("query_param_rejected_elsewhere", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests?api_key=sk_ci", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing_credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestMiddlewareRateLimit(t *testing.T) {
	cfg := Config{
		Enabled:         true,
		APIKeys:         []APIKey{{Name: "ci", Hash: hashKey(t, "sk_ci")}},
		APIKeyRateLimit: 2,
	}
	mw := NewMiddleware(cfg, zaptest.NewLogger(t))
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("X-API-Key", "sk_ci")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMiddlewareBearer(t *testing.T) {
	cfg := Config{Enabled: true, JWTSecret: "secret", AccessTokenExpiry: time.Hour}
	var got *Principal
	mw := NewMiddleware(cfg, zaptest.NewLogger(t))
	h := mw.Wrap(echoPrincipal(&got))

	token, err := NewManager("secret", time.Hour).IssueToken("alice", nil)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.Subject)
	})

	t.Run("tampered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("Authorization", "Bearer "+token+"x")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed_header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		req.Header.Set("Authorization", "Token "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
