package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestSetAndGetToken(t *testing.T) {
	s := NewStore()
	assert.Empty(t, s.Token())
	s.SetToken("abc")
	assert.Equal(t, "abc", s.Token())
}

func TestLogoutFiresListenersOnce(t *testing.T) {
	s := NewStore()
	s.SetToken("abc")

	var fired int
	s.OnLogout(func() { fired++ })

	s.Logout()
	assert.Equal(t, 1, fired)
	assert.Empty(t, s.Token())

	// Already logged out: no second fanout.
	s.Logout()
	assert.Equal(t, 1, fired)
}

func TestSetEmptyTokenIsLogout(t *testing.T) {
	s := NewStore()
	s.SetToken("abc")

	var fired int
	s.OnLogout(func() { fired++ })

	s.SetToken("")
	assert.Equal(t, 1, fired)
}

func TestOnLogoutUnsubscribe(t *testing.T) {
	s := NewStore()
	s.SetToken("abc")

	var fired int
	unsub := s.OnLogout(func() { fired++ })
	unsub()

	s.Logout()
	assert.Equal(t, 0, fired)
}

func TestExpiresWithin(t *testing.T) {
	s := NewStore()

	assert.False(t, s.ExpiresWithin(time.Hour), "no token")

	s.SetToken(signedToken(t, time.Now().Add(10*time.Minute)))
	assert.True(t, s.ExpiresWithin(time.Hour))
	assert.False(t, s.ExpiresWithin(time.Minute))

	s.SetToken("not-a-jwt")
	assert.False(t, s.ExpiresWithin(time.Hour))
}
