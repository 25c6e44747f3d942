package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldproof/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

var failedQueueBucket = []byte("failedSyncQueue")

// FailedStore is the escalation target for write intents that cannot be
// retried. It lives in its own database file (<dir>/failed.db) so that
// a corrupted primary queue cannot destroy the escalation record.
type FailedStore struct {
	db *bolt.DB
}

// OpenFailed opens the failed-queue database at <dir>/failed.db,
// creating it if it does not exist.
func OpenFailed(dir string) (*FailedStore, error) {
	path := filepath.Join(dir, "failed.db")
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening failed-queue db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(failedQueueBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing failed-queue db: %w", err)
	}

	return &FailedStore{db: db}, nil
}

// Close closes the database.
func (f *FailedStore) Close() error {
	return f.db.Close()
}

// Append persists an escalated item. The whole append runs inside one
// write transaction, so two escalation paths running back to back
// cannot lose each other's update.
func (f *FailedStore) Append(item models.FailedSyncItem) error {
	if item.FailedAt == 0 {
		item.FailedAt = time.Now().UnixMilli()
	}

	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(failedQueueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)

		return b.Put(k, data)
	})
}

// All returns every escalated item in escalation order.
func (f *FailedStore) All() ([]models.FailedSyncItem, error) {
	var items []models.FailedSyncItem

	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(failedQueueBucket).ForEach(func(k, v []byte) error {
			var item models.FailedSyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// Remove deletes the escalated item whose action id matches. Used by the
// operator-triggered retry sweep after a successful re-apply.
func (f *FailedStore) Remove(actionID string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(failedQueueBucket)

		var key []byte

		err := b.ForEach(func(k, v []byte) error {
			var item models.FailedSyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			if item.Action.ID == actionID {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if key == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// Len returns the number of escalated items.
func (f *FailedStore) Len() int {
	count := 0
	_ = f.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(failedQueueBucket).Stats().KeyN

		return nil
	})

	return count
}
