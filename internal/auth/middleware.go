package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

// ProviderKeyHeader carries a self-supplied provider credential. Requests
// presenting it are not metered against the credit ledger.
const ProviderKeyHeader = "X-Provider-Key"

// Verifier validates bearer tokens and produces identities. Parsed tokens
// are cached briefly so hot clients do not pay signature verification on
// every request; the cache holds identities only, never lock or credit state.
type Verifier struct {
	secret []byte
	cache  *gocache.Cache
	logger *slog.Logger
}

// VerifierConfig contains verifier settings.
type VerifierConfig struct {
	// Secret is the HS256 signing secret shared with the web product.
	Secret string
	// CacheTTL bounds how long a verified token stays cached.
	CacheTTL time.Duration
}

// NewVerifier creates a bearer-token verifier.
func NewVerifier(cfg VerifierConfig, logger *slog.Logger) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secret: []byte(cfg.Secret),
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger: logger,
	}, nil
}

// Verify parses and validates a bearer token, returning the caller identity.
func (v *Verifier) Verify(token string) (*Identity, error) {
	if cached, ok := v.cache.Get(token); ok {
		return cached.(*Identity), nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	id := &Identity{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}

	v.cache.SetDefault(token, id)
	return id, nil
}

// Middleware authenticates requests and attaches the identity to the
// context. The provider-key header is captured per request and never cached.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeAuthError(w, "missing bearer token")
			return
		}

		id, err := v.Verify(token)
		if err != nil {
			v.logger.Debug("token rejected", "error", err)
			writeAuthError(w, "invalid bearer token")
			return
		}

		if providerKey := r.Header.Get(ProviderKeyHeader); providerKey != "" {
			// Copy so the per-request credential never lands in the cache.
			withKey := *id
			withKey.ProviderKey = providerKey
			id = &withKey
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":{"message":%q,"type":"authentication_error"}}`, message)
}
