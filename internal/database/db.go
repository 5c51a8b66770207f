// Package database provides the bbolt store behind the build history
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lumidev/lumidev/pkg/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Database buckets
const (
	// BucketBuilds stores one BuildRecord per pipeline run
	BucketBuilds = "builds"

	// BucketMeta stores single values such as the last build stamp
	BucketMeta = "meta"
)

// ErrClosed is returned when the database is used before Open or after Close
var ErrClosed = errors.New("database is not open")

// Manager manages the BoltDB database connection
type Manager struct {
	DB      *bolt.DB
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	isOpen  bool
	options *Options
}

// Options represents database options
type Options struct {
	Path     string        `json:"path"`
	FileMode uint32        `json:"file_mode"`
	Timeout  time.Duration `json:"timeout"`
	ReadOnly bool          `json:"read_only"`
	NoSync   bool          `json:"no_sync"`
}

// DefaultOptions returns default database options for path
func DefaultOptions(path string) *Options {
	return &Options{
		Path:     path,
		FileMode: 0600,
		Timeout:  1 * time.Second,
	}
}

// NewManager creates a new database manager
func NewManager(options *Options) (*Manager, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("database path is required")
	}

	return &Manager{
		path:    options.Path,
		logger:  logger.Named("database"),
		options: options,
	}, nil
}

// Path returns the database file location
func (m *Manager) Path() string {
	return m.path
}

// Open opens the database connection. Another process holding the file makes
// Open fail after Options.Timeout.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isOpen {
		return nil
	}

	if !m.options.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(m.path, os.FileMode(m.options.FileMode), &bolt.Options{
		Timeout:  m.options.Timeout,
		ReadOnly: m.options.ReadOnly,
		NoSync:   m.options.NoSync,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	m.DB = db
	m.isOpen = true

	if !m.options.ReadOnly {
		if err := m.initBuckets(); err != nil {
			m.DB.Close()
			m.isOpen = false
			return fmt.Errorf("failed to initialize buckets: %w", err)
		}
	}

	m.logger.Debug("Database opened", zap.String("path", m.path))
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen || m.DB == nil {
		return nil
	}

	if err := m.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	m.isOpen = false
	m.logger.Debug("Database closed")
	return nil
}

func (m *Manager) initBuckets() error {
	return m.DB.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketBuilds, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// IsOpen checks if the database is open
func (m *Manager) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOpen
}

// Transaction executes fn within a database transaction
func (m *Manager) Transaction(writable bool, fn func(*bolt.Tx) error) error {
	if !m.IsOpen() {
		return ErrClosed
	}

	if writable {
		return m.DB.Update(fn)
	}
	return m.DB.View(fn)
}

// Count returns the number of items in a bucket
func (m *Manager) Count(bucket string) (int, error) {
	count := 0

	err := m.Transaction(false, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})

	return count, err
}

// Clear removes all items from a bucket
func (m *Manager) Clear(bucket string) error {
	return m.Transaction(true, func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucket))
		return err
	})
}
