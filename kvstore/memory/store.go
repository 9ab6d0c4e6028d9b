package memory

import (
	"sync"

	"github.com/blossomkit/nostrconnect/kvstore"
)

var _ kvstore.KVStore = (*Store)(nil)

// Store keeps everything in a map. Sessions kept here do not survive a restart.
type Store struct {
	sync.RWMutex
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	if val, ok := s.data[string(key)]; ok {
		return clone(val), nil
	}
	return nil, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.data == nil {
		return kvstore.ErrClosed
	}
	s.data[string(key)] = clone(value)
	return nil
}

func (s *Store) Delete(key []byte) error {
	s.Lock()
	defer s.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	s.data = nil
	return nil
}

func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	s.Lock()
	defer s.Unlock()

	if s.data == nil {
		return kvstore.ErrClosed
	}

	var val []byte
	if v, ok := s.data[string(key)]; ok {
		val = clone(v)
	}

	newVal, err := f(val)
	if err == kvstore.NoOp {
		return nil
	} else if err != nil {
		return err
	}

	if newVal == nil {
		delete(s.data, string(key))
	} else {
		s.data[string(key)] = clone(newVal)
	}
	return nil
}

// callers get their own copy so they can't modify stored data
func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
