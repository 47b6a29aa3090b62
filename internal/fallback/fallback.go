// Package fallback provides the secondary blob storage used when the primary
// store cannot accept a workflow summary.
package fallback

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/reentry/pkg/schema"
)

// ErrNotSupported is returned by blob stores that cannot hold fallbacks.
// Callers treat it as "no fallback available".
var ErrNotSupported = schema.NewError(schema.ErrCodeNotSupported, "fallback blob storage not supported")

// ErrNotFound is returned by Read when no blob exists for the instance.
var ErrNotFound = schema.NewError(schema.ErrCodeNotFound, "fallback blob not found")

// BlobStore reads, writes and deletes serialized workflow summaries keyed by
// workflow instance id.
type BlobStore interface {
	Read(ctx context.Context, instanceID string) ([]byte, error)
	Write(ctx context.Context, instanceID string, blob []byte) error
	Delete(ctx context.Context, instanceID string) error
}

// IsNotSupported reports whether err means the store has no fallback capability.
func IsNotSupported(err error) bool { return errors.Is(err, ErrNotSupported) }

// IsNotFound reports whether err means no blob exists.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Unsupported is a BlobStore for deployments without secondary storage.
type Unsupported struct{}

func (Unsupported) Read(context.Context, string) ([]byte, error) { return nil, ErrNotSupported }
func (Unsupported) Write(context.Context, string, []byte) error  { return ErrNotSupported }
func (Unsupported) Delete(context.Context, string) error         { return ErrNotSupported }

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Read(_ context.Context, instanceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBlobStore) Write(_ context.Context, instanceID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[instanceID] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, instanceID)
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
