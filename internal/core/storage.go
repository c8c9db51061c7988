package core

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StorageMigrations creates the key/value settings table shared by every feature
var StorageMigrations = []Migration{
	{
		Version:     1,
		Name:        "create_settings",
		Description: "Namespaced key/value settings owned by features",
		UpSQL: `
		CREATE TABLE IF NOT EXISTS settings (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		);`,
		DownSQL: `DROP TABLE IF EXISTS settings;`,
	},
}

// Storage hands out per-feature buckets backed by the settings table
type Storage struct {
	db      *Database
	logger  *Logger
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewStorage creates a storage layer on top of an open database. Run
// StorageMigrations before calling Bucket.
func NewStorage(db *Database, logger *Logger) *Storage {
	return &Storage{
		db:      db,
		logger:  logger,
		buckets: make(map[string]*Bucket),
	}
}

// Migrate applies the settings migrations
func (s *Storage) Migrate(ctx context.Context) error {
	return NewMigrationService(s.db, s.logger).Migrate(ctx, StorageMigrations)
}

// Bucket returns the bucket for namespace, loading it from the database the
// first time it is requested. The same *Bucket is returned on every call.
func (s *Storage) Bucket(ctx context.Context, namespace string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.buckets[namespace]; ok {
		return bucket, nil
	}

	bucket := &Bucket{
		namespace: namespace,
		db:        s.db,
		values:    make(map[string]string),
		dirty:     make(map[string]bool),
	}
	if err := bucket.load(ctx); err != nil {
		return nil, err
	}

	s.buckets[namespace] = bucket
	s.logger.Debug("Loaded storage bucket", "namespace", namespace, "keys", len(bucket.values))
	return bucket, nil
}

// Bucket is an in-memory view of one namespace. Reads and writes hit memory;
// Save flushes changed keys in a single transaction.
type Bucket struct {
	namespace string
	db        *Database

	mu     sync.Mutex
	values map[string]string
	// dirty tracks keys changed since the last Save; false means deleted
	dirty map[string]bool
}

func (b *Bucket) load(ctx context.Context) error {
	rows, cancel, err := b.db.QueryWithTimeout(ctx, `SELECT key, value FROM settings WHERE namespace = ?`, b.namespace)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to load settings for %s", b.namespace), err)
	}
	defer cancel()
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return NewDatabaseError("failed to scan setting", err)
		}
		b.values[key] = value
	}
	return rows.Err()
}

// Namespace returns the bucket's namespace
func (b *Bucket) Namespace() string {
	return b.namespace
}

// Get returns the value stored under key
func (b *Bucket) Get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.values[key]
	return value, ok
}

// Set stores value under key
func (b *Bucket) Set(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.values[key] = value
	b.dirty[key] = true
}

// Delete removes key. Reports whether it was set.
func (b *Bucket) Delete(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.values[key]
	delete(b.values, key)
	if ok {
		b.dirty[key] = false
	}
	return ok
}

// Update runs a read-modify-write of key under the bucket lock and returns
// the stored value.
func (b *Bucket) Update(key string, fn func(current string, ok bool) string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.values[key]
	next := fn(current, ok)
	b.values[key] = next
	b.dirty[key] = true
	return next
}

// Keys returns the stored keys in sorted order
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Save flushes pending changes to the database
func (b *Bucket) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.dirty) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	err := b.db.Transaction(ctx, func(tx *sql.Tx) error {
		for key, present := range b.dirty {
			if !present {
				if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE namespace = ? AND key = ?`, b.namespace, key); err != nil {
					return err
				}
				continue
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO settings (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				b.namespace, key, b.values[key], now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to save settings for %s", b.namespace), err)
	}

	b.dirty = make(map[string]bool)
	return nil
}
