// Package store implements the embedded key/value store the replayer acts
// on. Records persist in a bbolt file; the locking surface mirrors the
// traced API: an all-db lock, per-chain locks keyed by bytes, transactions
// and read/write traversals that take the transaction lock.
//
// Return values follow the traced convention so live results compare
// directly against recorded ones: 0 for success, -1 for failure, and 1/0
// for Exists.
package store

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// Options configures opening the store file.
type Options struct {
	// NoSync skips fsync on commit, the replay equivalent of TDB_NOSYNC.
	NoSync bool
}

// Store is the shared store state: the bbolt database plus the lock
// manager every handle goes through. One Store is opened per replay; each
// worker gets its own Handle.
type Store struct {
	db   *bolt.DB
	path string

	// txLock serializes transactions and write traversals store-wide;
	// read traversals share it. Traversals take the transaction lock.
	txLock sync.RWMutex

	// allLock is the whole-db lock behind the lockall family.
	allLock sync.RWMutex

	chainsMu sync.Mutex
	chains   map[string]*sync.RWMutex

	seqMu  sync.Mutex
	seqnum int
}

// Open opens or creates the store file.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}
	return &Store{
		db:     db,
		path:   path,
		chains: make(map[string]*sync.RWMutex),
	}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Handle returns a per-worker handle. Handles are not safe for concurrent
// use; each worker owns exactly one.
func (s *Store) Handle() *Handle {
	return &Handle{s: s}
}

// Seed wipes the store and copies in every record from the master seed
// store in a single transaction. Run before each replay run.
func (s *Store) Seed(m *Memory) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(recordsBucket)
		if err != nil {
			return err
		}
		return m.ForEach(func(key, data []byte) error {
			return b.Put(key, data)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to seed store: %w", err)
	}
	s.seqMu.Lock()
	s.seqnum = 0
	s.seqMu.Unlock()
	return nil
}

// bumpSeqnum advances the db sequence number, mirroring the traced store
// which bumps it on every successful modification.
func (s *Store) bumpSeqnum() {
	s.seqMu.Lock()
	s.seqnum++
	s.seqMu.Unlock()
}

func (s *Store) getSeqnum() int {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seqnum
}

func (s *Store) setSeqnum(v int) {
	s.seqMu.Lock()
	s.seqnum = v
	s.seqMu.Unlock()
}

// chain returns the lock for a chain key, creating it on first use. Chains
// are keyed by the exact lock key bytes; a key always maps to the same
// chain, which is all the replay needs.
func (s *Store) chain(key []byte) *sync.RWMutex {
	s.chainsMu.Lock()
	defer s.chainsMu.Unlock()
	c, ok := s.chains[string(key)]
	if !ok {
		c = &sync.RWMutex{}
		s.chains[string(key)] = c
	}
	return c
}
