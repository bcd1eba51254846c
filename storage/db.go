package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrKeyNotFound = badger.ErrKeyNotFound

type Config struct {
	Path string
	// InMemory keeps everything in RAM; Path is ignored.
	InMemory bool
}

// Storage is the key/value store behind the operation journal.
type Storage interface {
	Close() error

	GetKey(key []byte) ([]byte, error)
	// GetByPrefix returns matching items in key order
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)
	// ListKeys accepts a trailing * and never loads values
	ListKeys(prefix string) ([]string, error)
	CountKeysByPrefix(prefix []byte) (int64, error)

	Set(key, value []byte) error
	// Batch applies deletes then sets in one transaction
	Batch(sets map[string][]byte, deletes [][]byte) error

	// Vacuum reclaims value log space, a no-op in memory
	Vacuum() error

	// Backup streams every version newer than since to w and returns the
	// version to pass next time for an incremental backup
	Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error)
	Load(ctx context.Context, r io.Reader) error
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
}

// NewWithPath opens an on-disk store at path
func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// journal writes are few and must survive a crash right after submission
	db, err := badger.Open(
		opts.WithSyncWrites(!c.InMemory).WithLoggingLevel(badger.WARNING),
	)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	return &BadgerStorage{
		config: c,
		db:     db,
	}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) Batch(sets map[string][]byte, deletes [][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range deletes {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// scan calls fn for every item under prefix. Values are only fetched when
// withValues is set.
func (s *BadgerStorage) scan(prefix []byte, withValues bool, fn func(item *badger.Item) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = withValues
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := fn(it.Item()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem
	err := s.scan(prefix, true, func(item *badger.Item) error {
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		result = append(result, &KeyValueItem{Key: item.KeyCopy(nil), Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerStorage) ListKeys(prefix string) ([]string, error) {
	prefix = strings.TrimSuffix(prefix, "*")

	var keys []string
	err := s.scan([]byte(prefix), false, func(item *badger.Item) error {
		keys = append(keys, string(item.KeyCopy(nil)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *BadgerStorage) CountKeysByPrefix(prefix []byte) (int64, error) {
	if len(prefix) == 0 {
		return 0, fmt.Errorf("cannot count prefix with length 0")
	}

	var total int64
	err := s.scan(prefix, false, func(*badger.Item) error {
		total++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *BadgerStorage) Vacuum() error {
	if s.config.InMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.7)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.Backup(w, since)
}

func (s *BadgerStorage) Load(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Load(r, 256)
}
