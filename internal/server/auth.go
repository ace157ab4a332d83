package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// TokenCost is the bcrypt cost used when hashing API tokens.
const TokenCost = 12

// minTokenLength guards against trivially guessable tokens.
const minTokenLength = 16

// HashToken returns the bcrypt hash to place in api.token_hash.
func HashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if len(token) < minTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", minTokenLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), TokenCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// tokenAuth verifies bearer tokens against a bcrypt hash.
// The digest of the last accepted token is kept so repeat requests skip bcrypt.
type tokenAuth struct {
	hash     []byte
	accepted atomic.Pointer[[sha256.Size]byte]
}

func newTokenAuth(hash string) (*tokenAuth, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("api.token_hash is not a bcrypt hash: %w", err)
	}
	return &tokenAuth{hash: []byte(hash)}, nil
}

func (a *tokenAuth) verify(token string) bool {
	if token == "" {
		return false
	}

	digest := sha256.Sum256([]byte(token))
	if known := a.accepted.Load(); known != nil && subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			logger.Error("Token verification failed", "error", err)
		}
		return false
	}

	a.accepted.Store(&digest)
	return true
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// requireToken rejects requests without a valid token and locks out IPs
// that keep failing.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.proxies.clientIP(r)

		if locked, remaining := s.authLimiter.IsLocked(ip); locked {
			tooManyAttempts(w, remaining)
			return
		}

		if !s.auth.verify(bearerToken(r)) {
			locked, lockout := s.authLimiter.RecordFailure(ip)
			logger.Warning("API token rejected",
				"client_ip", ip,
				"path", r.URL.Path,
				"locked", locked,
				"request_id", requestIDFrom(r.Context()))
			if locked {
				tooManyAttempts(w, lockout)
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		s.authLimiter.RecordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func tooManyAttempts(w http.ResponseWriter, remaining time.Duration) {
	seconds := int(remaining.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "Too many failed attempts. Please try again later.")
}
