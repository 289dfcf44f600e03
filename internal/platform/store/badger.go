package store

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
)

const badgerKeyPrefix = "loc:"

// BadgerStore is an embedded on-disk store backed by Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger at %s: %v", ErrUnavailable, path, err)
	}

	return &BadgerStore{db: db}, nil
}

// Load reads every stored entry.
func (s *BadgerStore) Load(ctx context.Context) (map[string]Entry, error) {
	entries := make(map[string]Entry)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			key := string(item.Key()[len(badgerKeyPrefix):])

			err := item.Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					// Skip undecodable records rather than failing the load.
					return nil
				}
				entries[key] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badger load: %v", ErrUnavailable, err)
	}

	return entries, nil
}

// Save writes the mapping in one write batch.
func (s *BadgerStore) Save(ctx context.Context, entries map[string]Entry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for key, e := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: badger save: %v", ErrUnavailable, err)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: encoding entry %q: %v", ErrUnavailable, key, err)
		}

		if err := wb.Set([]byte(badgerKeyPrefix+key), data); err != nil {
			return fmt.Errorf("%w: badger set %q: %v", ErrUnavailable, key, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: badger flush: %v", ErrUnavailable, err)
	}

	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
