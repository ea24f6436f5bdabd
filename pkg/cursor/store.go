// Package cursor persists stream cursors, one slot per trigger instance.
package cursor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store is the external key-value slot a stream consumer checkpoints into.
// Implementations must be safe for concurrent use across instances.
type Store interface {
	// Load returns the stored cursor, or "" when the instance has none.
	Load(ctx context.Context, instanceID string) (string, error)

	// Save replaces the stored cursor.
	Save(ctx context.Context, instanceID, cursor string) error

	// Reset forgets the cursor, e.g. after the instance was reconfigured or
	// deleted.
	Reset(ctx context.Context, instanceID string) error
}

// Closer is implemented by stores holding external connections.
type Closer interface {
	Close() error
}

func validateInstance(instanceID string) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("instance id is required")
	}
	return nil
}

// MemoryStore keeps cursors in process memory. Cursors do not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]string)}
}

func (s *MemoryStore) Load(_ context.Context, instanceID string) (string, error) {
	if err := validateInstance(instanceID); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[instanceID], nil
}

func (s *MemoryStore) Save(_ context.Context, instanceID, cursor string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[instanceID] = cursor
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, instanceID string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, instanceID)
	return nil
}
