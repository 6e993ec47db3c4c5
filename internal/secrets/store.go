// Package secrets resolves broker and notifier credentials at startup from an
// encrypted Badger store, falling back to environment variables.
package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("secret not found")

// Store is an encrypted-at-rest key/value store for credentials.
type Store struct {
	db *badger.DB
}

// Open opens the store at path. An empty key opens it unencrypted.
func Open(path string, key []byte) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("secrets: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if len(key) > 0 {
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}
	return open(opts)
}

// OpenInMemory opens a throwaway store, used by tests and the paper mode.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(name string) (string, error) {
	k := []byte(strings.TrimSpace(name))
	if len(k) == 0 {
		return "", errors.New("secrets: name is empty")
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return string(out), nil
}

func (s *Store) Set(name, value string) error {
	k := []byte(strings.TrimSpace(name))
	if len(k) == 0 {
		return errors.New("secrets: name is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(value))
	})
}

func (s *Store) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(strings.TrimSpace(name)))
	})
}

// ParseKey accepts a 32-byte key encoded as hex or base64. Empty input
// yields a nil key.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("key must be base64 or hex encoded 32 bytes")
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	return b, nil
}
