package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestOpaqueTokenReturnedAsIs(t *testing.T) {
	s := NewSource("opaque-token", nil)
	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestFreshJWTNotRefreshed(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))
	refreshed := false
	s := NewSource(fresh, func(context.Context) (string, error) {
		refreshed = true
		return "new", nil
	})

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.False(t, refreshed)
}

func TestExpiringJWTTriggersRefresh(t *testing.T) {
	stale := signedToken(t, time.Now().Add(5*time.Second))
	fresh := signedToken(t, time.Now().Add(time.Hour))
	s := NewSource(stale, func(context.Context) (string, error) { return fresh, nil })

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)

	// the refreshed token is now cached
	again, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, again)
}

func TestRefreshFailureFallsBackToStale(t *testing.T) {
	stale := signedToken(t, time.Now().Add(5*time.Second))
	s := NewSource(stale, func(context.Context) (string, error) {
		return "", errors.New("auth service down")
	})

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stale, tok, "a stale token is still worth presenting")
}

func TestNoTokenNoRefreshErrors(t *testing.T) {
	s := NewSource("", nil)
	_, err := s.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestMissingTokenUsesRefresh(t *testing.T) {
	s := NewSource("", func(context.Context) (string, error) { return "minted", nil })
	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minted", tok)
}

func TestSetTokenNotifiesSubscribers(t *testing.T) {
	s := NewSource("a", nil)
	var got []string
	s.OnRefresh(func(tok string) { got = append(got, tok) })

	s.SetToken("b")
	s.SetToken("b") // unchanged, no second notification
	s.SetToken("c")

	assert.Equal(t, []string{"b", "c"}, got)
}
