package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keyfall/keyfall/interfaces"
)

// MemoryStore is an in-process SecretStore guarded by a mutex. Suitable for
// development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[interfaces.SecretID]*interfaces.Secret
}

var _ interfaces.SecretStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[interfaces.SecretID]*interfaces.Secret)}
}

// Create implements interfaces.SecretStore.
func (s *MemoryStore) Create(ctx context.Context, secret *interfaces.Secret) error {
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("storage: invalid secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[secret.ID]; exists {
		return fmt.Errorf("storage: secret %s already exists", secret.ID)
	}
	stored := secret.Clone()
	stored.Version = 1
	s.secrets[secret.ID] = stored
	secret.Version = stored.Version
	return nil
}

// Get implements interfaces.SecretStore.
func (s *MemoryStore) Get(ctx context.Context, id interfaces.SecretID) (*interfaces.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.secrets[id]
	if !ok {
		return nil, interfaces.ErrSecretNotFound
	}
	return stored.Clone(), nil
}

// Update implements interfaces.SecretStore. The write succeeds only when the
// caller's Version matches the stored record.
func (s *MemoryStore) Update(ctx context.Context, secret *interfaces.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.secrets[secret.ID]
	if !ok {
		return interfaces.ErrSecretNotFound
	}
	if stored.Version != secret.Version {
		return interfaces.ErrVersionConflict
	}

	next := secret.Clone()
	next.Version = stored.Version + 1
	s.secrets[secret.ID] = next
	secret.Version = next.Version
	return nil
}

// ListActive implements interfaces.SecretStore.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*interfaces.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*interfaces.Secret
	for _, secret := range s.secrets {
		if secret.Status == interfaces.StatusActive {
			active = append(active, secret.Clone())
		}
	}
	return active, nil
}

// ListDue implements interfaces.SecretStore.
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time) ([]*interfaces.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*interfaces.Secret
	for _, secret := range s.secrets {
		if secret.Status == interfaces.StatusActive && !secret.NextCheckIn.After(now) {
			due = append(due, secret.Clone())
		}
	}
	return due, nil
}

// Close implements interfaces.SecretStore.
func (s *MemoryStore) Close() error {
	return nil
}
