package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Lookups of missing records return a schema.Error with ErrCodeNotFound.
// Etag mismatches and uniqueness violations return ErrCodeConflict.
type Store interface {
	SummaryStore
	SemaphoreStore

	// Instances
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *WorkflowInstance) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SummaryStore is the access pattern the workflow state cache needs.
type SummaryStore interface {
	// ReadSummary loads the instance with its form, version and all activity
	// records. Activity forms and versions are those of the instance's form and
	// version; activity instances are those of the instance only.
	ReadSummary(ctx context.Context, instanceID string) (*WorkflowSummary, error)

	GetWorkflowForm(ctx context.Context, id string) (*WorkflowForm, error)
	FindWorkflowVersion(ctx context.Context, formID string, major int) (*WorkflowVersion, error)

	// SaveBatch writes all records of the batch atomically and in batch order.
	// On success the Etag of every written record is updated in place.
	SaveBatch(ctx context.Context, batch *Batch) error
}

// SemaphoreStore is the access pattern the concurrency coordinator needs.
type SemaphoreStore interface {
	// CreateSemaphore stores a new semaphore; conflicts if the resource already has one.
	CreateSemaphore(ctx context.Context, sem *Semaphore) error
	GetSemaphoreByResource(ctx context.Context, formID, resource string) (*Semaphore, error)
	// UpdateSemaphore replaces the semaphore if its Etag still matches, then refreshes Etag.
	UpdateSemaphore(ctx context.Context, sem *Semaphore) error
	ListSemaphores(ctx context.Context) ([]*Semaphore, error)

	// Enqueue appends the instance to the semaphore's wait queue; it is a no-op
	// if the instance is already queued.
	Enqueue(ctx context.Context, semaphoreID, instanceID string) (*SemaphoreQueueItem, error)
	ListQueue(ctx context.Context, semaphoreID string) ([]*SemaphoreQueueItem, error)
	Dequeue(ctx context.Context, semaphoreID, instanceID string) error
	PurgeQueue(ctx context.Context, olderThan time.Time) (int, error)
}
