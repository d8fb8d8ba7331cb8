package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"downloadgrid/downloader"
)

var tasksBucket = []byte("tasks")

// BoltStore keeps tasks as JSON values in a single bbolt bucket
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenBolt opens (or creates) the database file at path
func OpenBolt(path string, log *zap.Logger) (*BoltStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tasks bucket: %w", err)
	}
	return &BoltStore{db: db, logger: log.With(zap.String("component", "bolt"))}, nil
}

// SaveAll writes every task in one transaction
func (s *BoltStore) SaveAll(ctx context.Context, tasks []downloader.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		for _, t := range tasks {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to serialize task %s: %w", t.ID, err)
			}
			if err := b.Put([]byte(t.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll returns every task ordered by creation time. Corrupt entries are
// logged and skipped.
func (s *BoltStore) LoadAll(ctx context.Context) ([]downloader.Task, error) {
	var tasks []downloader.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var t downloader.Task
			if err := json.Unmarshal(v, &t); err != nil {
				s.logger.Error("Failed to deserialize task", zap.String("task_id", string(k)), zap.Error(err))
				return nil
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Delete removes a task
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete([]byte(id))
	})
}

// Ping reports whether the database is open
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
