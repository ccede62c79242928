// Package cache is the content-addressed result store: computed frames
// keyed by a digest of the method body, persisted in SQLite so repeated
// runs over unchanged code skip the analysis.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/katori/classkit/insn"
)

// ErrNotFound indicates no cached result exists for the digest.
var ErrNotFound = errors.New("cached result not found")

// digestEncMode uses canonical CBOR so equal method bodies always hash to
// equal digests.
var digestEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	digestEncMode = em
}

// MethodDigest computes the content hash of a method body. Two bundle
// methods with the same class, signature, code and handlers get the same
// digest regardless of how the bundle was produced.
func MethodDigest(bm *insn.BundleMethod) ([32]byte, error) {
	data, err := digestEncMode.Marshal(bm)
	if err != nil {
		return [32]byte{}, fmt.Errorf("hashing method body: %w", err)
	}
	return sha256.Sum256(data), nil
}

// Store handles SQLite storage for computed frame results.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the result store at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS results (
		digest TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenDefault opens the store at $CLASSKIT_CACHE_DB, falling back to
// ~/.classkit/results.db.
func OpenDefault() (*Store, error) {
	path := os.Getenv("CLASSKIT_CACHE_DB")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		path = filepath.Join(home, ".classkit", "results.db")
	}
	return Open(path)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the cached payload for the digest, or ErrNotFound.
func (s *Store) Get(digest [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM results WHERE digest = ?",
		hex.EncodeToString(digest[:])).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}
	return payload, nil
}

// Put stores a result payload under the digest, tagged with the run that
// produced it. An existing entry for the digest is replaced.
func (s *Store) Put(digest [32]byte, runID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO results (digest, run_id, created_at, payload) VALUES (?, ?, ?, ?)",
		hex.EncodeToString(digest[:]), runID, time.Now().UTC().Format(time.RFC3339), payload)
	if err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	return nil
}

// Count returns the number of cached results.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}
	return n, nil
}
