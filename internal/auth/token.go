// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken retrieves the API token from the request.
// 1. Authorization: Bearer <token>
// 2. Cookie: shiftcam_session
// 3. Query: ?token= (websocket clients cannot set headers)
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if c, err := r.Cookie("shiftcam_session"); err == nil && c.Value != "" {
		return c.Value
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

// Authenticator resolves a raw token to a Principal.
type Authenticator interface {
	Authenticate(token string) (*Principal, error)
}

// StaticUser is one configured identity.
type StaticUser struct {
	Token string   `yaml:"token"`
	ID    string   `yaml:"id"`
	Email string   `yaml:"email"`
	Roles []string `yaml:"roles"`
}

// StaticAuthenticator authenticates against a configured user list. It stands
// in for the external identity provider at this boundary.
type StaticAuthenticator struct {
	users []StaticUser
}

// NewStaticAuthenticator builds an authenticator from configured users.
func NewStaticAuthenticator(users []StaticUser) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

// Authenticate matches token against the configured users using
// constant-time comparison. Empty tokens are always unauthenticated.
func (a *StaticAuthenticator) Authenticate(token string) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}
	for _, u := range a.users {
		if u.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(u.Token)) == 1 {
			return NewPrincipal(token, u.ID, strings.ToLower(u.Email), u.Roles), nil
		}
	}
	return nil, ErrUnauthenticated
}
