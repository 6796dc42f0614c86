package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	assert := require.New(t)

	auth := NewTokenAuthenticator("secret")
	token := auth.Token("alice")

	r := httptest.NewRequest("GET", "/request", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := auth.Authenticate(r)
	assert.NoError(err)
	assert.Equal("alice", id.User)
}

func TestTokenForgedSignature(t *testing.T) {
	assert := require.New(t)

	auth := NewTokenAuthenticator("secret")
	other := NewTokenAuthenticator("different-secret")

	r := httptest.NewRequest("GET", "/request", nil)
	r.Header.Set("Authorization", "Bearer "+other.Token("alice"))

	_, err := auth.Authenticate(r)
	assert.ErrorIs(err, ErrUnauthenticated)
}

func TestTokenTamperedUser(t *testing.T) {
	assert := require.New(t)

	auth := NewTokenAuthenticator("secret")
	token := auth.Token("alice")

	r := httptest.NewRequest("GET", "/request", nil)
	r.Header.Set("Authorization", "Bearer bob"+token[len("alice"):])

	_, err := auth.Authenticate(r)
	assert.ErrorIs(err, ErrUnauthenticated)
}

func TestTokenMissingHeader(t *testing.T) {
	assert := require.New(t)

	auth := NewTokenAuthenticator("secret")

	r := httptest.NewRequest("GET", "/request", nil)
	_, err := auth.Authenticate(r)
	assert.ErrorIs(err, ErrUnauthenticated)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.Authenticate(r)
	assert.ErrorIs(err, ErrUnauthenticated)
}
