package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
)

const (
	bucketSettings     = "settings"
	bucketLinkCodes    = "link_codes"   // key: code, value: LinkCode json
	bucketReservations = "reservations" // key: big-endian id, value: Reservation json
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a key that already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrClosed is returned when the store has no open handle.
	ErrClosed = errors.New("store is closed")
	// ErrSwapFailed marks a failure while replacing the live database file.
	// The store may be left without a usable handle.
	ErrSwapFailed = errors.New("database swap failed")
	// ErrInvalidDatabase is returned by Validate for files that are not a
	// database written by this application.
	ErrInvalidDatabase = errors.New("invalid database file")
)

var openTimeout = 1 * time.Second

// Store is a bolt database file guarded by a RW lock. Regular operations
// share the lock; Replace takes it exclusively while the file is swapped.
type Store struct {
	mu   sync.RWMutex
	path string
	db   *bolt.DB
}

// Open opens (or creates) the database file and creates buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	s := &Store{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("creating buckets: %w", err)
	}
	s.db = db
	return nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSettings, bucketLinkCodes, bucketReservations} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Path returns the location of the live database file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// Snapshot writes a consistent copy of the database to w using a single
// read transaction.
func (s *Store) Snapshot(w io.Writer) (int64, error) {
	var n int64
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Replace swaps the live database file for src. All handles are closed for
// the duration of the swap and the database is always reopened before
// Replace returns, with the schema re-initialised. Failures wrap
// ErrSwapFailed and must not be retried blindly.
func (s *Store) Replace(src string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("%w: closing live database: %v", ErrSwapFailed, err)
		}
		s.db = nil
	}
	defer func() {
		if openErr := s.open(); openErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: reopening database: %v", ErrSwapFailed, openErr))
		}
	}()

	if err := os.Rename(src, s.path); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", ErrSwapFailed, s.path, err)
	}
	return nil
}

// Validate checks that path is a readable database containing the settings
// bucket. The file is opened read-only and closed again.
func Validate(path string) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketSettings)) == nil {
			return fmt.Errorf("%w: missing %s bucket", ErrInvalidDatabase, bucketSettings)
		}
		return nil
	})
}
