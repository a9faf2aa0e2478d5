package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth checks bearer tokens against the operator key's bcrypt hash.
type Auth struct {
	hash []byte

	// verified remembers digests of tokens that already passed bcrypt, so
	// only the first request with a token pays for the comparison.
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]bool
}

// NewAuth creates a new Auth middleware.
func NewAuth(keyHash string) *Auth {
	return &Auth{hash: []byte(keyHash), verified: make(map[[sha256.Size]byte]bool)}
}

// Authenticate validates the Bearer token and sets the key prefix in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		if !a.check(rawKey) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		r = r.WithContext(setKeyPrefix(r.Context(), rawKey[:keyPrefixLen]))
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) check(rawKey string) bool {
	digest := sha256.Sum256([]byte(rawKey))
	a.mu.RLock()
	ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(rawKey)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = true
	a.mu.Unlock()
	return true
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
