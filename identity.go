// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"sync"
)

// AuthMaterial is the identity material resolved for a principal
type AuthMaterial struct {
	Principal  string
	Secret     []byte
	Attributes map[string]string
}

// Zero clears the secret
func (m *AuthMaterial) Zero() {
	clear(m.Secret)
	m.Secret = nil
}

// IdentityStore resolves principals to identity material.  It is consumed by packages
// during credential acquisition and, for acceptors, while verifying initiators.
type IdentityStore interface {
	// Resolve returns the material for principal.  An empty principal selects the
	// default identity.  Unknown principals return ErrNoSuchLogonSession.
	Resolve(principal string) (AuthMaterial, error)
}

// MemoryIdentityStore is an IdentityStore backed by a map
type MemoryIdentityStore struct {
	mu               sync.RWMutex
	entries          map[string]AuthMaterial
	defaultPrincipal string
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		entries: make(map[string]AuthMaterial),
	}
}

// Add stores a copy of secret for principal.  The first principal added becomes the default.
func (s *MemoryIdentityStore) Add(principal string, secret []byte, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[principal]; ok {
		old.Zero()
	}

	s.entries[principal] = AuthMaterial{
		Principal:  principal,
		Secret:     append([]byte(nil), secret...),
		Attributes: attrs,
	}

	if s.defaultPrincipal == "" {
		s.defaultPrincipal = principal
	}
}

// Remove drops principal from the store
func (s *MemoryIdentityStore) Remove(principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[principal]; ok {
		old.Zero()
		delete(s.entries, principal)
	}

	if s.defaultPrincipal == principal {
		s.defaultPrincipal = ""
	}
}

// SetDefault selects the principal returned for an empty name
func (s *MemoryIdentityStore) SetDefault(principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defaultPrincipal = principal
}

func (s *MemoryIdentityStore) Resolve(principal string) (AuthMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if principal == "" {
		principal = s.defaultPrincipal
	}

	m, ok := s.entries[principal]
	if !ok {
		return AuthMaterial{}, fmt.Errorf("%w: %q", ErrNoSuchLogonSession, principal)
	}

	return AuthMaterial{
		Principal:  m.Principal,
		Secret:     append([]byte(nil), m.Secret...),
		Attributes: m.Attributes,
	}, nil
}
