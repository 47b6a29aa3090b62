package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reentry/pkg/schema"
)

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q was modified concurrently", resource, id)
}

func foreignKey(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeIntegrity, "%s %q references a record that does not exist", resource, id)
}

// checkEtag enforces create-only for records without an etag and
// update-if-unchanged for records with one.
func checkEtag(resource, id, given, stored string, exists bool) error {
	if given == "" {
		if exists {
			return storeConflict(resource, id)
		}
		return nil
	}
	if !exists {
		return storeNotFound(resource, id)
	}
	if stored != given {
		return storeConflict(resource, id)
	}
	return nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool { return schema.IsCode(err, schema.ErrCodeNotFound) }

// IsConflict reports whether err is an optimistic-concurrency or uniqueness conflict.
func IsConflict(err error) bool { return schema.IsCode(err, schema.ErrCodeConflict) }

// IsUnavailable reports whether err looks like the store could not be
// reached, as opposed to the store rejecting the data it was given.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range []string{
		schema.ErrCodeConflict, schema.ErrCodeNotFound, schema.ErrCodeIntegrity,
		schema.ErrCodeValidation, schema.ErrCodeAssertion,
	} {
		if schema.IsCode(err, code) {
			return false
		}
	}
	return true
}

func newEtag() string { return uuid.NewString() }

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
