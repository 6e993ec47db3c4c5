// Package checkpoint persists versioned policy parameters in Badger.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound        = errors.New("checkpoint not found")
	ErrVersionConflict = errors.New("checkpoint version already exists")
)

type Checkpoint struct {
	Key       string    `json:"key"`
	Version   uint64    `json:"version"`
	Strategy  string    `json:"strategy"`
	Params    []byte    `json:"params"`
	Steps     int64     `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is what the policy engine needs from checkpoint storage.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, key string) (*Checkpoint, error)
	Get(ctx context.Context, key string, version uint64) (*Checkpoint, error)
}

// BadgerStore keeps one entry per version under policy/<key>/<version>.
// Versions are zero-padded so lexical order is numeric order.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

func Open(path string) (*BadgerStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	return open(badger.DefaultOptions(path).WithLogger(nil))
}

func OpenInMemory() (*BadgerStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func prefix(key string) []byte {
	return []byte("policy/" + key + "/")
}

func entryKey(key string, version uint64) []byte {
	return []byte(fmt.Sprintf("policy/%s/%020d", key, version))
}

func (s *BadgerStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.Key == "" || strings.Contains(cp.Key, "/") {
		return fmt.Errorf("checkpoint: invalid key %q", cp.Key)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	k := entryKey(cp.Key, cp.Version)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return fmt.Errorf("%s v%d: %w", cp.Key, cp.Version, ErrVersionConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string, version uint64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key, version))
		if err != nil {
			return err
		}
		cp, err = decode(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s v%d: %w", key, version, ErrNotFound)
	}
	return cp, err
}

func (s *BadgerStore) Latest(ctx context.Context, key string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefix(key)

	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, p...), 0xFF))
		if !it.ValidForPrefix(p) {
			return badger.ErrKeyNotFound
		}
		var err error
		cp, err = decode(it.Item())
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return cp, err
}

// Versions lists stored versions for key in ascending order.
func (s *BadgerStore) Versions(ctx context.Context, key string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefix(key)

	var out []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			raw := strings.TrimPrefix(string(it.Item().Key()), string(p))
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed checkpoint key %q: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func decode(item *badger.Item) (*Checkpoint, error) {
	var cp Checkpoint
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cp)
	})
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", item.Key(), err)
	}
	return &cp, nil
}
