package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller identity.
type Identity struct {
	User string
}

// Authenticator resolves a caller identity from a request. The identity
// layer itself lives outside this service; this is its boundary.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// TokenAuthenticator validates bearer tokens of the form "user:signature"
// where the signature is an HMAC-SHA256 of the user under a shared secret.
type TokenAuthenticator struct {
	secret []byte
}

// NewTokenAuthenticator creates an authenticator with the given secret.
func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

// Token mints a bearer token for the given user.
func (a *TokenAuthenticator) Token(user string) string {
	return user + ":" + a.sign(user)
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, ErrUnauthenticated
	}

	token := strings.TrimPrefix(auth, "Bearer ")
	user, sig, ok := strings.Cut(token, ":")
	if !ok || user == "" {
		return nil, ErrUnauthenticated
	}

	if !hmac.Equal([]byte(sig), []byte(a.sign(user))) {
		return nil, ErrUnauthenticated
	}

	return &Identity{User: user}, nil
}

func (a *TokenAuthenticator) sign(user string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(user))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkPeerToken validates the shared secret trusted on internal peer
// endpoints. An empty configured token disables the check.
func (s *Server) checkPeerToken(w http.ResponseWriter, r *http.Request) bool {
	if s.config.PeerToken == "" {
		return true
	}

	provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.config.PeerToken)) != 1 {
		unauthorizedResponse(w)
		return false
	}
	return true
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
