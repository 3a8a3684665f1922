// Package storage provides the key-value databases that hold engine
// checkpoints.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// KV is a single entry of an atomic batch write.
type KV struct {
	Key   []byte
	Value []byte
}

// Database is the minimal store a checkpoint needs: point reads and atomic
// batch writes.
type Database interface {
	Get(key []byte) ([]byte, error)
	// WriteBatch stores every entry or none of them.
	WriteBatch(entries []KV) error
	Close() error
}

// Open returns a LevelDB database at path, or an in-memory one when path is
// empty.
func Open(path string) (Database, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewMemDB(), nil
	}
	return NewLevelDB(path)
}

// MemDB keeps checkpoints in process memory. Values are copied on the way in
// and out.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) WriteBatch(entries []KV) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, entry := range entries {
		if len(entry.Key) == 0 {
			return fmt.Errorf("storage: empty key in batch")
		}
	}
	for _, entry := range entries {
		db.data[string(entry.Key)] = append([]byte(nil), entry.Value...)
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB is the on-disk checkpoint database.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// WriteBatch applies the entries in a single synced LevelDB batch so a
// checkpoint survives a crash right after it is taken.
func (l *LevelDB) WriteBatch(entries []KV) error {
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		if len(entry.Key) == 0 {
			return fmt.Errorf("storage: empty key in batch")
		}
		batch.Put(entry.Key, entry.Value)
	}
	return l.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
