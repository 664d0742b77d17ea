// Package auth holds the access-token source the channels read from.
// Token issuance itself is an external collaborator; this only caches
// the current token, inspects its expiry and fans out refresh
// notifications so channels reconnect with fresh credentials.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no access token available")

// RefreshFunc asks the auth collaborator for a new token.
type RefreshFunc func(ctx context.Context) (string, error)

// expirySlack triggers a proactive refresh shortly before the token
// actually expires.
const expirySlack = 30 * time.Second

type Source struct {
	mu       sync.Mutex
	token    string
	refresh  RefreshFunc
	onUpdate []func(string)
}

func NewSource(token string, refresh RefreshFunc) *Source {
	return &Source{token: token, refresh: refresh}
}

// AccessToken returns the current token, refreshing first when the
// cached one is missing or about to expire. It must be called at every
// connect attempt rather than cached by the caller.
func (s *Source) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.token
	refresh := s.refresh
	s.mu.Unlock()

	if tok != "" && !expiringSoon(tok) {
		return tok, nil
	}
	if refresh == nil {
		if tok == "" {
			return "", ErrNoToken
		}
		return tok, nil
	}
	fresh, err := refresh(ctx)
	if err != nil {
		if tok != "" {
			return tok, nil // stale beats nothing; the server will reject if truly expired
		}
		return "", err
	}
	s.SetToken(fresh)
	return fresh, nil
}

// SetToken installs a refreshed token and notifies subscribers.
func (s *Source) SetToken(tok string) {
	s.mu.Lock()
	if tok == s.token {
		s.mu.Unlock()
		return
	}
	s.token = tok
	fns := make([]func(string), len(s.onUpdate))
	copy(fns, s.onUpdate)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(tok)
	}
}

// OnRefresh registers fn to run whenever the token changes.
func (s *Source) OnRefresh(fn func(token string)) {
	s.mu.Lock()
	s.onUpdate = append(s.onUpdate, fn)
	s.mu.Unlock()
}

func expiringSoon(tok string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tok, claims); err != nil {
		// opaque token; let the server decide
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < expirySlack
}
