// Package lmdb keeps the session document in a memory-mapped lmdb environment, for desktop
// builds that already ship lmdb for their event cache.
package lmdb

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/blossomkit/nostrconnect/kvstore"
)

var _ kvstore.KVStore = (*Store)(nil)

const (
	dbName = "nostrconnect"

	// session documents are a few KB each
	mapSize = 1 << 26
)

type Store struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	closed atomic.Bool
}

// NewStore creates path if needed and opens the environment in it.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("lmdb: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("lmdb: %w", err)
	}
	env.SetMaxDBs(1)
	env.SetMapSize(mapSize)
	if err := env.Open(path, lmdb.NoTLS, 0o600); err != nil {
		env.Close()
		return nil, fmt.Errorf("lmdb: failed to open %s: %w", path, err)
	}

	s := &Store{env: env}
	err = env.Update(func(txn *lmdb.Txn) (err error) {
		s.dbi, err = txn.OpenDBI(dbName, lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("lmdb: failed to open database: %w", err)
	}
	return s, nil
}

// read copies the value out, it is only valid inside txn. A missing key reads as nil.
func read(txn *lmdb.Txn, dbi lmdb.DBI, key []byte) ([]byte, error) {
	v, err := txn.Get(dbi, key)
	if lmdb.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func del(txn *lmdb.Txn, dbi lmdb.DBI, key []byte) error {
	if err := txn.Del(dbi, key, nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Store) Get(key []byte) (value []byte, err error) {
	if s.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	err = s.env.View(func(txn *lmdb.Txn) (err error) {
		value, err = read(txn, s.dbi, key)
		return err
	})
	return value, err
}

func (s *Store) Set(key []byte, value []byte) error {
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, key, value, 0)
	})
}

func (s *Store) Delete(key []byte) error {
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	return s.env.Update(func(txn *lmdb.Txn) error {
		return del(txn, s.dbi, key)
	})
}

// Update runs f inside a single write transaction, so concurrent updates never interleave.
func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	return s.env.Update(func(txn *lmdb.Txn) error {
		cur, err := read(txn, s.dbi, key)
		if err != nil {
			return err
		}
		next, err := f(cur)
		switch {
		case errors.Is(err, kvstore.NoOp):
			return nil
		case err != nil:
			return err
		case next == nil:
			return del(txn, s.dbi, key)
		}
		return txn.Put(s.dbi, key, next, 0)
	})
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.env.Close()
	return nil
}
