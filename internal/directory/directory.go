// SPDX-License-Identifier: MIT

// Package directory resolves target employees against the identity provider.
// The provider itself is an external collaborator; this package defines the
// boundary and a configured static implementation.
package directory

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound means the email resolves to no known employee.
	ErrNotFound = errors.New("directory: employee not found")

	// ErrUpstream means the identity provider could not be reached or
	// answered with an error. Surfaced with detail, never swallowed.
	ErrUpstream = errors.New("directory: upstream failure")
)

// Employee is the directory's view of a command target.
type Employee struct {
	Email  string `yaml:"email"`
	Role   string `yaml:"role"`
	Active bool   `yaml:"active"`
}

// Eligible reports whether the employee may be targeted by a command.
func (e *Employee) Eligible() bool {
	return e != nil && e.Active && e.Role == "employee"
}

// Directory looks up employees by email.
type Directory interface {
	Lookup(ctx context.Context, email string) (*Employee, error)
}

// Static is a Directory backed by configuration.
type Static struct {
	byEmail map[string]Employee
}

// NewStatic builds a static directory.
func NewStatic(employees []Employee) *Static {
	m := make(map[string]Employee, len(employees))
	for _, e := range employees {
		m[strings.ToLower(strings.TrimSpace(e.Email))] = e
	}
	return &Static{byEmail: m}
}

// Lookup resolves email, returning ErrNotFound for unknown addresses.
func (s *Static) Lookup(_ context.Context, email string) (*Employee, error) {
	e, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}
