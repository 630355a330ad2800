// Package progstore provides persistent storage for compiled filter
// programs and the chain definitions they were generated from, so the
// daemon can restore its filters after a restart.
package progstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/cygnetlabs/cygnet/pkg/chain"
)

var (
	// ErrNotFound is returned when no record exists for a chain name.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrCorrupted is returned when stored data cannot be decoded.
	ErrCorrupted = errors.New("store record corrupted")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores zstd-compressed program frames keyed by
	// chain name.
	bucketPrograms = []byte("programs")

	// bucketChains stores chain definitions as JSON keyed by chain name.
	bucketChains = []byte("chains")

	// bucketMetadata stores store-level metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keySchemaVersion = []byte("schema_version")
)

// schemaVersion is bumped when the bucket layout changes.
const schemaVersion = 1

// Config holds store configuration options.
type Config struct {
	// Path is the file path of the store database.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Record pairs a chain definition with the compiled program frame
// generated from it. The two are written in one transaction so a
// restore never sees a chain without its program.
type Record struct {
	Chain *chain.Chain
	Frame []byte
}

// Store is the persistence interface the daemon uses.
type Store interface {
	// Put stores a record keyed by its chain name, replacing any
	// previous one.
	Put(rec *Record) error

	// Get returns the record for a chain name.
	Get(name string) (*Record, error)

	// All returns every stored record.
	All() ([]*Record, error)

	// List returns the stored chain names in lexical order.
	List() ([]string, error)

	// Delete removes the record for a chain name. Deleting a missing
	// record is a no-op.
	Delete(name string) error

	// Close releases the database.
	Close() error
}

// BoltStore implements Store using BoltDB. Program frames are
// zstd-compressed on disk.
type BoltStore struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a store at the path in config.
func Open(config Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	store := &BoltStore{db: db, enc: enc, dec: dec}

	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := store.checkSchema(config.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPrograms,
			bucketChains,
			bucketMetadata,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) checkSchema(readOnly bool) error {
	var stored []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		stored = meta.Get(keySchemaVersion)
		return nil
	})
	if err != nil {
		return err
	}

	if stored == nil {
		if readOnly {
			return nil
		}
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketMetadata).Put(keySchemaVersion, []byte{schemaVersion})
		})
	}
	if len(stored) != 1 || stored[0] != schemaVersion {
		return fmt.Errorf("%w: schema version %v, want %d", ErrCorrupted, stored, schemaVersion)
	}
	return nil
}

// Put stores a record keyed by its chain name.
func (s *BoltStore) Put(rec *Record) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	if rec == nil || rec.Chain == nil || rec.Chain.Name == "" {
		return errors.New("record has no chain name")
	}
	if len(rec.Frame) == 0 {
		return errors.New("record has no program frame")
	}

	chainData, err := json.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("encode chain %s: %w", rec.Chain.Name, err)
	}
	frameData := s.enc.EncodeAll(rec.Frame, nil)
	key := []byte(rec.Chain.Name)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChains).Put(key, chainData); err != nil {
			return err
		}
		return tx.Bucket(bucketPrograms).Put(key, frameData)
	})
}

// Get returns the record for a chain name.
func (s *BoltStore) Get(name string) (*Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.getRecord(tx, []byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) getRecord(tx *bolt.Tx, key []byte) (*Record, error) {
	chains := tx.Bucket(bucketChains)
	programs := tx.Bucket(bucketPrograms)
	if chains == nil || programs == nil {
		return nil, ErrNotFound
	}

	chainData := chains.Get(key)
	if chainData == nil {
		return nil, ErrNotFound
	}
	frameData := programs.Get(key)
	if frameData == nil {
		return nil, fmt.Errorf("%w: chain %s has no program frame", ErrCorrupted, key)
	}

	var ch chain.Chain
	if err := json.Unmarshal(chainData, &ch); err != nil {
		return nil, fmt.Errorf("%w: chain %s: %v", ErrCorrupted, key, err)
	}
	frame, err := s.dec.DecodeAll(frameData, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %s: %v", ErrCorrupted, key, err)
	}
	if ch.Name != string(key) {
		return nil, fmt.Errorf("%w: record %s names chain %s", ErrCorrupted, key, ch.Name)
	}
	return &Record{Chain: &ch, Frame: frame}, nil
}

// All returns every stored record.
func (s *BoltStore) All() ([]*Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var recs []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		chains := tx.Bucket(bucketChains)
		if chains == nil {
			return nil
		}
		return chains.ForEach(func(k, _ []byte) error {
			rec, err := s.getRecord(tx, k)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// List returns the stored chain names in lexical order.
func (s *BoltStore) List() ([]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		chains := tx.Bucket(bucketChains)
		if chains == nil {
			return nil
		}
		return chains.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Delete removes the record for a chain name.
func (s *BoltStore) Delete(name string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	key := []byte(name)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChains).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketPrograms).Delete(key)
	})
}

// Close shuts down the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Verify interface compliance.
var _ Store = (*BoltStore)(nil)
