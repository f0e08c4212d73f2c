package control

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/treesync/internal/config"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated operator from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

type keyHash struct {
	userID string
	sum    [sha256.Size]byte
}

// KeyStore validates control API keys. Only SHA-256 digests are kept.
type KeyStore struct {
	keys []keyHash
}

// NewKeyStore hashes the configured keys.
func NewKeyStore(entries []config.APIKeyEntry) *KeyStore {
	s := &KeyStore{keys: make([]keyHash, 0, len(entries))}
	for _, e := range entries {
		s.keys = append(s.keys, keyHash{userID: e.UserID, sum: sha256.Sum256([]byte(e.Key))})
	}

	return s
}

// Len returns the number of configured keys.
func (s *KeyStore) Len() int {
	return len(s.keys)
}

// Validate returns the operator owning key. Every stored digest is
// compared so the time taken does not depend on which key matched.
func (s *KeyStore) Validate(key string) (string, bool) {
	sum := sha256.Sum256([]byte(key))

	var (
		userID string
		found  bool
	)

	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(k.sum[:], sum[:]) == 1 {
			userID, found = k.userID, true
		}
	}

	return userID, found
}

// Middleware returns HTTP middleware that requires a valid Bearer API key.
func Middleware(keys *KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			userID, ok := keys.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
