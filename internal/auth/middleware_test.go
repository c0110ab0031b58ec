package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Secret: testSecret}, nil)
	require.NoError(t, err)
	return v
}

func TestVerify(t *testing.T) {
	v := newTestVerifier(t)

	token := signToken(t, jwt.MapClaims{
		"sub":   "u1",
		"email": "artist@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "artist@example.com", id.Email)
	assert.False(t, id.Unmetered())

	// Second verification hits the cache and returns the same identity.
	again, err := v.Verify(token)
	require.NoError(t, err)
	assert.Same(t, id, again)
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Verify("not-a-token")
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
		signed, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)
		_, err = v.Verify(signed)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		signed := signToken(t, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		_, err := v.Verify(signed)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		signed := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
		_, err := v.Verify(signed)
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)

	var seen *Identity
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("no header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/panels", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/panels", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "u1", seen.UserID)
		assert.False(t, seen.Unmetered())
	})

	t.Run("provider key selects unmetered path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/panels", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}))
		req.Header.Set(ProviderKeyHeader, "sk-user-own-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.True(t, seen.Unmetered())
		assert.Equal(t, "sk-user-own-key", seen.ProviderKey)
	})
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(IPRateLimiterConfig{RequestsPerMinute: 60, Burst: 2})
	defer l.Close()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	// Other clients are unaffected.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestIPRateLimiterClose(t *testing.T) {
	l := NewIPRateLimiter(IPRateLimiterConfig{CleanupTTL: 10 * time.Millisecond})
	l.Close()
	l.Close() // idempotent

	// The limiter still answers after the cleanup loop has stopped.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
}
