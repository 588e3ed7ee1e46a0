// Package badgerstore implements ids.Store on BadgerDB. Each allocate,
// release, and claim runs as one serializable transaction, so concurrent
// callers (including other registry instances sharing the database) can
// never observe a partial update or receive the same number twice.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"fulcrum-registry/ids"
)

// Key layout, per namespace T:
//
//	registry:id:T:counter      -> next-unissued number, decimal string
//	registry:id:T:recycle:NNNN -> member marker, zero-padded so lexical
//	                              iteration order equals numeric order
const (
	keyPrefix    = "registry:id:"
	counterPart  = ":counter"
	recyclePart  = ":recycle:"
	recycleWidth = 12
)

// conflictRetries bounds optimistic-transaction retries under contention.
const conflictRetries = 128

type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) a Badger database at path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewInMemory opens an ephemeral database, used in tests and local runs.
func NewInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func counterKey(namespace string) []byte {
	return []byte(keyPrefix + namespace + counterPart)
}

func recyclePrefix(namespace string) []byte {
	return []byte(keyPrefix + namespace + recyclePart)
}

func recycleKey(namespace string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s%s%0*d", keyPrefix, namespace, recyclePart, recycleWidth, n))
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts so callers see a single atomic operation.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("badgerstore: transaction conflict persisted after %d retries", conflictRetries)
}

func (s *Store) Allocate(ctx context.Context, namespace string, limit int) (int, error) {
	var allocated int
	err := s.update(ctx, func(txn *badger.Txn) error {
		// Lowest recycled number first. The iterator must be closed before
		// the transaction is modified.
		prefix := recyclePrefix(namespace)
		key := lowestRecycled(txn, prefix)
		if key != nil {
			n, err := strconv.Atoi(string(key[len(prefix):]))
			if err != nil {
				return fmt.Errorf("corrupt recycle member %q: %w", key, err)
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			allocated = n
			return nil
		}

		next, err := readCounter(txn, namespace)
		if err != nil {
			return err
		}
		next++
		if limit > 0 && next > limit {
			return ids.ErrExhausted
		}
		if err := txn.Set(counterKey(namespace), []byte(strconv.Itoa(next))); err != nil {
			return err
		}
		allocated = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

func (s *Store) Release(ctx context.Context, namespace string, n int) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(recycleKey(namespace, n), []byte{})
	})
}

func (s *Store) Claim(ctx context.Context, namespace string, n int) (bool, error) {
	var claimed bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = false
		key := recycleKey(namespace, n)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *Store) Clear(ctx context.Context, namespace string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(counterKey(namespace)); err != nil {
			return err
		}
		for _, key := range recycledKeys(txn, recyclePrefix(namespace)) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().Str("namespace", namespace).Msg("badgerstore: namespace cleared")
	return nil
}

// lowestRecycled returns the first recycle-member key under prefix, or nil.
// The iterator is closed before returning so the caller may modify the
// transaction.
func lowestRecycled(txn *badger.Txn, prefix []byte) []byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil
	}
	return it.Item().KeyCopy(nil)
}

// recycledKeys returns every recycle-member key under prefix, iterator
// closed before returning.
func recycledKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func readCounter(txn *badger.Txn, namespace string) (int, error) {
	item, err := txn.Get(counterKey(namespace))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int
	err = item.Value(func(val []byte) error {
		v, err := strconv.Atoi(string(val))
		if err != nil {
			return fmt.Errorf("corrupt counter for namespace %q: %w", namespace, err)
		}
		n = v
		return nil
	})
	return n, err
}
