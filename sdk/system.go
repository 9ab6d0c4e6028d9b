// Package sdk wires a transport and a key-value store into a ready to use remote signer engine and
// hands out snapshots and delegated signers to whoever is consuming it.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/engine"
	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/blossomkit/nostrconnect/kvstore/memory"
	"github.com/blossomkit/nostrconnect/sessions"
	"github.com/blossomkit/nostrconnect/signer"
	"github.com/blossomkit/nostrconnect/transport"
)

type Config struct {
	// KV defaults to an in-memory store, so nothing survives a restart.
	KV kvstore.KVStore

	Transport transport.Transport

	// Namespace prefixes every key written to KV.
	Namespace string

	Engine engine.Options

	// AutoActivate makes the first session that qualifies the active one whenever there is none.
	AutoActivate bool

	// SkipRestore leaves stored sessions alone until Service().Restore is called.
	SkipRestore bool
}

type System struct {
	kv    kvstore.KVStore
	store *sessions.Store
	svc   *engine.Service

	autoActivate bool
	unsubStore   func()
	changed      chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup

	mu      sync.Mutex
	signers map[string]*signer.Signer
	closed  bool
}

// NewSystem loads the stored sessions and resumes them.
func NewSystem(ctx context.Context, cfg Config) (*System, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("a transport is required")
	}
	if cfg.KV == nil {
		cfg.KV = memory.NewStore()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "nostrconnect"
	}

	store := sessions.NewStore(cfg.KV, cfg.Namespace)
	if _, err := store.Hydrate(); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sys := &System{
		kv:           cfg.KV,
		store:        store,
		svc:          engine.New(cfg.Transport, store, cfg.Engine),
		autoActivate: cfg.AutoActivate,
		changed:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		signers:      make(map[string]*signer.Signer),
	}
	sys.unsubStore = store.OnChange(func(nostrconnect.Snapshot) {
		select {
		case sys.changed <- struct{}{}:
		default:
		}
	})
	sys.wg.Add(1)
	go sys.watch()
	select {
	case sys.changed <- struct{}{}:
	default:
	}

	if !cfg.SkipRestore {
		if err := sys.svc.Restore(ctx); err != nil {
			nostrconnect.InfoLogger.Printf("some sessions could not be restored: %s", err)
		}
	}
	return sys, nil
}

func (sys *System) Service() *engine.Service { return sys.svc }
func (sys *System) Store() *sessions.Store    { return sys.store }

func (sys *System) Snapshot() nostrconnect.Snapshot { return sys.store.Snapshot() }

// Subscribe delivers the current snapshot right away and then every change until ctx is done.
// A slow reader only ever misses intermediate snapshots, never the latest one.
func (sys *System) Subscribe(ctx context.Context) <-chan nostrconnect.Snapshot {
	ch := make(chan nostrconnect.Snapshot, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	push := func(snap nostrconnect.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}

	push(sys.store.Snapshot())
	unsub := sys.store.OnChange(push)
	context.AfterFunc(ctx, func() {
		unsub()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	})
	return ch
}

// Signer returns the delegated signer for one session. The same instance is returned for as long
// as the session lives.
func (sys *System) Signer(id string) (*signer.Signer, error) {
	if _, err := sys.svc.Session(id); err != nil {
		return nil, err
	}
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if s, ok := sys.signers[id]; ok {
		return s, nil
	}
	s := signer.New(sys.svc, id)
	sys.signers[id] = s
	return s, nil
}

// Activate makes id the active session. An empty id clears it.
func (sys *System) Activate(id string) error {
	return sys.store.SetActive(id)
}

// ActiveSigner is the signer of the active session, if there is one.
func (sys *System) ActiveSigner() (*signer.Signer, bool) {
	id := sys.store.Snapshot().ActiveSessionID
	if id == "" {
		return nil, false
	}
	s, err := sys.Signer(id)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (sys *System) watch() {
	defer sys.wg.Done()
	for {
		select {
		case <-sys.done:
			return
		case <-sys.changed:
		}

		snap := sys.store.Snapshot()
		sys.forgetSigners(snap)
		if !sys.autoActivate || snap.ActiveSessionID != "" {
			continue
		}
		for i := len(snap.Sessions) - 1; i >= 0; i-- {
			sess := snap.Sessions[i]
			if !sess.CanActivate() {
				continue
			}
			if err := sys.store.SetActive(sess.ID); err != nil && !errors.Is(err, sessions.ErrPersist) {
				nostrconnect.DebugLogger.Printf("failed to activate %s: %s", sess.ID, err)
				continue
			}
			nostrconnect.InfoLogger.Printf("session %s is now the active signer", sess.ID)
			break
		}
	}
}

// forgetSigners drops cached signers of sessions that are gone.
func (sys *System) forgetSigners(snap nostrconnect.Snapshot) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	for id := range sys.signers {
		if !slices.ContainsFunc(snap.Sessions, func(s nostrconnect.Session) bool { return s.ID == id }) {
			delete(sys.signers, id)
		}
	}
}

// Close stops the engine and closes the store. Sessions stay persisted for the next NewSystem.
func (sys *System) Close(ctx context.Context) error {
	sys.mu.Lock()
	if sys.closed {
		sys.mu.Unlock()
		return nil
	}
	sys.closed = true
	sys.mu.Unlock()

	sys.unsubStore()
	close(sys.done)
	err := sys.svc.Destroy(ctx)
	sys.wg.Wait()
	return errors.Join(err, sys.kv.Close())
}
