// SPDX-License-Identifier: MIT

// Package auth carries the authenticated identity of a caller and the role
// checks delegated to it by the command and status paths.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Well-known roles.
const (
	RoleSupervisor = "supervisor"
	RoleEmployee   = "employee"
)

var (
	// ErrUnauthenticated means no valid credentials were presented.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrForbidden means the caller lacks the required role. The message
	// carries no information about any target.
	ErrForbidden = errors.New("auth: forbidden")
)

// Principal represents the authenticated identity of a caller.
type Principal struct {
	// ID is the stable, unique identifier for the user. It is either the
	// configured user id or a hash of the token.
	ID string

	// Email is the caller's primary email, lowercased.
	Email string

	// Roles are the roles granted to this principal.
	Roles []string
}

// NewPrincipal creates a Principal from a token and optional identity.
func NewPrincipal(token, id, email string, roles []string) *Principal {
	if id == "" {
		// Fallback: derive a stable ID from the token.
		hash := sha256.Sum256([]byte(token))
		id = "t_" + hex.EncodeToString(hash[:])[:16]
	}
	return &Principal{ID: id, Email: email, Roles: roles}
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns ErrForbidden unless the principal holds role.
func (p *Principal) RequireRole(role string) error {
	if !p.HasRole(role) {
		return ErrForbidden
	}
	return nil
}
