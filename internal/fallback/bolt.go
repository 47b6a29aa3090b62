package fallback

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var summariesBucket = []byte("workflow_summaries")

// BoltStore is a BlobStore backed by a local BoltDB file. It lives on a
// different device than the primary database in production deployments.
type BoltStore struct {
	db *bbolt.DB
}

var _ BlobStore = (*BoltStore)(nil)

// OpenBoltStore opens (creating if needed) the BoltDB file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(summariesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Read(ctx context.Context, instanceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(summariesBucket).Get([]byte(instanceID))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Write(ctx context.Context, instanceID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(summariesBucket).Put([]byte(instanceID), blob)
	})
}

func (s *BoltStore) Delete(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(summariesBucket).Delete([]byte(instanceID))
	})
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }
