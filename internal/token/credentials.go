package token

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
)

// Credential is a subject's stored secret and the highest role it may request.
type Credential struct {
	Subject      string
	PasswordHash []byte
	Role         domain.Role
}

// CredentialStore looks up credentials by subject. Returns sentinel.ErrNotFound
// for unknown subjects.
type CredentialStore interface {
	FindBySubject(ctx context.Context, subject string) (Credential, error)
}

// MemoryCredentials is a read-mostly CredentialStore seeded from configuration.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryCredentials(creds ...Credential) *MemoryCredentials {
	m := &MemoryCredentials{creds: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		m.creds[c.Subject] = c
	}
	return m
}

func (m *MemoryCredentials) FindBySubject(_ context.Context, subject string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[subject]
	if !ok {
		return Credential{}, sentinel.ErrNotFound
	}
	return c, nil
}

// Put stores or replaces a credential, hashing password with bcrypt.
func (m *MemoryCredentials) Put(subject, password string, role domain.Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[subject] = Credential{Subject: subject, PasswordHash: hash, Role: role}
	return nil
}

// ParseCredentials reads "subject:bcrypt-hash:ROLE" entries.
func ParseCredentials(entries []string) ([]Credential, error) {
	out := make([]Credential, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("credential entry %q: want subject:hash:ROLE", e)
		}
		role, err := domain.ParseRole(parts[2])
		if err != nil {
			return nil, fmt.Errorf("credential entry for %s: %w", parts[0], err)
		}
		if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
			return nil, fmt.Errorf("credential entry for %s: not a bcrypt hash", parts[0])
		}
		out = append(out, Credential{Subject: parts[0], PasswordHash: []byte(parts[1]), Role: role})
	}
	return out, nil
}

func checkPassword(c Credential, password string) bool {
	return bcrypt.CompareHashAndPassword(c.PasswordHash, []byte(password)) == nil
}
