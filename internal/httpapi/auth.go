package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenStore holds issued opaque API tokens. Tokens live for the process
// lifetime; export and device-registry endpoints require one.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]struct{})}
}

// Issue mints and remembers a new token.
func (s *TokenStore) Issue() string {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
	return token
}

func (s *TokenStore) Valid(token string) bool {
	if token == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}

// RequireToken accepts a bearer Authorization header or an api_key query
// parameter.
func (s *TokenStore) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !s.Valid(token) {
			token = strings.TrimSpace(r.URL.Query().Get("api_key"))
		}
		if !s.Valid(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
