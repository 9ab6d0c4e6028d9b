// Package sessions keeps the set of known sessions and the active selection, persisted as one
// versioned JSON document in a kvstore.KVStore.
package sessions

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/kvstore"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const documentVersion = 1

// ErrPersist wraps failures writing to the backing store. The in-memory state has already been
// updated when it is returned.
var ErrPersist = errors.New("failed to persist sessions")

type Store struct {
	kv            kvstore.KVStore
	key           []byte
	quarantineKey []byte

	mu        sync.Mutex
	hydrated  bool
	sessions  map[string]nostrconnect.Session
	active    string
	listeners map[uint64]func(nostrconnect.Snapshot)
	serial    uint64

	snapshot atomic.Pointer[nostrconnect.Snapshot]
}

type document struct {
	Version  int                    `json:"version"`
	Active   string                 `json:"active,omitempty"`
	Sessions []nostrconnect.Session `json:"sessions"`
}

// NewStore keeps its document under "<namespace>:sessions". Nothing is read until Hydrate or the
// first mutation.
func NewStore(kv kvstore.KVStore, namespace string) *Store {
	if namespace == "" {
		namespace = "nostrconnect"
	}
	s := &Store{
		kv:            kv,
		key:           []byte(namespace + ":sessions"),
		quarantineKey: []byte(namespace + ":quarantine"),
		sessions:      make(map[string]nostrconnect.Session),
		listeners:     make(map[uint64]func(nostrconnect.Snapshot)),
	}
	s.snapshot.Store(&nostrconnect.Snapshot{})
	return s
}

// Hydrate loads the persisted document and returns the resulting snapshot. It only reads once;
// later calls return the current snapshot.
func (s *Store) Hydrate() (nostrconnect.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrateLocked(); err != nil {
		return nostrconnect.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

func (s *Store) hydrateLocked() error {
	if s.hydrated {
		return nil
	}

	raw, err := s.kv.Get(s.key)
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}
	loaded, err := decodeDocument(raw)
	if err != nil {
		return err
	}
	s.hydrated = true

	if len(loaded.quarantined) > 0 {
		nostrconnect.InfoLogger.Printf("quarantining %d invalid session records", len(loaded.quarantined))
		if err := s.quarantine(loaded.quarantined); err != nil {
			nostrconnect.InfoLogger.Printf("failed to quarantine session records: %s", err)
		}
	}

	for _, sess := range loaded.sessions {
		if cur, ok := s.sessions[sess.ID]; ok && cur.UpdatedAt >= sess.UpdatedAt {
			continue
		}
		s.sessions[sess.ID] = sess
	}
	if s.active == "" {
		if sess, ok := s.sessions[loaded.active]; ok && sess.CanActivate() {
			s.active = loaded.active
		}
	}

	s.refreshLocked()
	if loaded.dirty {
		if err := s.persistLocked(); err != nil {
			nostrconnect.InfoLogger.Printf("failed to rewrite normalized sessions: %s", err)
		}
	}
	s.notifyLocked()
	return nil
}

// Snapshot returns a copy of the current state. It never blocks on writers.
func (s *Store) Snapshot() nostrconnect.Snapshot {
	snap := *s.snapshot.Load()
	snap.Sessions = cloneSessions(snap.Sessions)
	return snap
}

func cloneSessions(in []nostrconnect.Session) []nostrconnect.Session {
	out := make([]nostrconnect.Session, len(in))
	for i, sess := range in {
		out[i] = sess.Clone()
	}
	return out
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (nostrconnect.Session, bool) {
	return s.Snapshot().Find(id)
}

// Put inserts or replaces a session. Replacements must follow the lifecycle: a revoked session
// can't come back and status changes must be legal transitions.
func (s *Store) Put(sess nostrconnect.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateLocked(); err != nil {
		return err
	}
	if err := s.putLocked(sess.Clone()); err != nil {
		return err
	}
	return s.commitLocked()
}

// Update applies fn to a copy of the session and stores the result under the same rules as Put.
// fn runs under the store lock and must not call back into the store.
func (s *Store) Update(id string, fn func(*nostrconnect.Session) error) (nostrconnect.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateLocked(); err != nil {
		return nostrconnect.Session{}, err
	}
	cur, ok := s.sessions[id]
	if !ok {
		return nostrconnect.Session{}, fmt.Errorf("%w: %s", nostrconnect.ErrSessionNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.ID = id
	if err := s.putLocked(next); err != nil {
		return cur.Clone(), err
	}
	return next.Clone(), s.commitLocked()
}

func (s *Store) putLocked(sess nostrconnect.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session %s: %w", sess.ID, err)
	}
	if cur, ok := s.sessions[sess.ID]; ok {
		if cur.Status == nostrconnect.StatusRevoked && sess.Status != nostrconnect.StatusRevoked {
			return fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, sess.ID)
		}
		if !cur.Status.CanTransition(sess.Status) {
			return fmt.Errorf("%w: %s -> %s", nostrconnect.ErrInvalidTransition, cur.Status, sess.Status)
		}
		if cur.UserPubkey != "" && sess.UserPubkey != cur.UserPubkey {
			return fmt.Errorf("%w: session %s", nostrconnect.ErrUserPubkeyConflict, sess.ID)
		}
	}
	s.sessions[sess.ID] = sess
	if s.active == sess.ID && !sess.CanActivate() {
		s.active = ""
	}
	return nil
}

// Remove forgets a session. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateLocked(); err != nil {
		return err
	}
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	if s.active == id {
		s.active = ""
	}
	return s.commitLocked()
}

// SetActive selects the session the application signs with. An empty id clears the selection.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateLocked(); err != nil {
		return err
	}
	if id != "" {
		sess, ok := s.sessions[id]
		if !ok {
			return fmt.Errorf("%w: %s", nostrconnect.ErrSessionNotFound, id)
		}
		if !sess.CanActivate() {
			return fmt.Errorf("%w: %s is %s", nostrconnect.ErrSessionNotActive, id, sess.Status)
		}
	}
	if s.active == id {
		return nil
	}
	s.active = id
	return s.commitLocked()
}

// OnChange registers fn to be called with every new snapshot. Calls happen synchronously in the
// goroutine that made the change, one at a time; fn must not mutate the store.
func (s *Store) OnChange(fn func(nostrconnect.Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	id := s.serial
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Quarantined returns the raw records that failed validation on hydrate.
func (s *Store) Quarantined() ([]string, error) {
	raw, err := s.kv.Get(s.quarantineKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var records []string
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) quarantine(records []string) error {
	return s.kv.Update(s.quarantineKey, func(cur []byte) ([]byte, error) {
		var existing []string
		if cur != nil {
			if err := json.Unmarshal(cur, &existing); err != nil {
				existing = nil
			}
		}
		return json.Marshal(append(existing, records...))
	})
}

func (s *Store) commitLocked() error {
	s.refreshLocked()
	err := s.persistLocked()
	s.notifyLocked()
	return err
}

func (s *Store) refreshLocked() {
	snap := nostrconnect.Snapshot{
		Sessions:        make([]nostrconnect.Session, 0, len(s.sessions)),
		ActiveSessionID: s.active,
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess.Clone())
	}
	slices.SortFunc(snap.Sessions, func(a, b nostrconnect.Session) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	s.snapshot.Store(&snap)
}

func (s *Store) persistLocked() error {
	snap := s.snapshot.Load()
	b, err := json.Marshal(document{
		Version:  documentVersion,
		Active:   snap.ActiveSessionID,
		Sessions: snap.Sessions,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := s.kv.Set(s.key, b); err != nil {
		nostrconnect.InfoLogger.Printf("failed to persist %d sessions: %s", len(snap.Sessions), err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (s *Store) notifyLocked() {
	if len(s.listeners) == 0 {
		return
	}
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.listeners[id](s.Snapshot())
	}
}
