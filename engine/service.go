// Package engine is the NIP-46 client protocol service: it creates invitations, pairs with remote
// signers, correlates requests with their replies across relays and keeps every session's status
// in the session store up to date.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/blossomkit/nostrconnect/sessions"
	"github.com/blossomkit/nostrconnect/transport"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// errNoChange aborts a store update without it being an error for the caller.
var errNoChange = errors.New("no change")

type Service struct {
	opts      Options
	transport transport.Transport
	store     *sessions.Store
	codec     *codec.Codec
	metrics   *metrics

	// lifetime of subscriptions and background work
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	destroyed     bool
	subs          map[string]transport.Unsubscribe
	keys          map[string]*nostrconnect.KeyPair
	pairingTimers map[string]*time.Timer
	revoked       map[string]struct{}

	pending  *xsync.MapOf[string, *pendingRequest]
	settled  *xsync.MapOf[string, time.Time]
	serial   atomic.Uint64
	idPrefix string
}

// New creates a service. The store should already be hydrated; call Restore to resume the
// sessions it contains.
func New(t transport.Transport, store *sessions.Store, opts Options) *Service {
	opts = opts.withDefaults()

	c := codec.New()
	c.Order = opts.SchemeOrder
	c.VerifySignatures = !opts.SkipSignatureCheck
	c.Now = opts.Now

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:          opts,
		transport:     t,
		store:         store,
		codec:         c,
		metrics:       newMetrics(opts.Registerer),
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[string]transport.Unsubscribe),
		keys:          make(map[string]*nostrconnect.KeyPair),
		pairingTimers: make(map[string]*time.Timer),
		revoked:       make(map[string]struct{}),
		pending:       xsync.NewMapOf[string, *pendingRequest](),
		settled:       xsync.NewMapOf[string, time.Time](),
		idPrefix:      "nc-" + nostrconnect.RandomHex(3),
	}
}

// Store is the session store this service writes to.
func (s *Service) Store() *sessions.Store { return s.store }

// Session returns a copy of the session with the given id.
func (s *Service) Session(id string) (nostrconnect.Session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		if s.isRevoked(id) {
			return sess, fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, id)
		}
		return sess, fmt.Errorf("%w: %s", nostrconnect.ErrSessionNotFound, id)
	}
	return sess, nil
}

// ConnectSession sends connect to the remote signer of a session that isn't active yet. On success
// the session becomes active and, when the user public key is still unknown, it is fetched right
// away. On failure the session is left in the error state with the reason, ready to be retried.
func (s *Service) ConnectSession(ctx context.Context, id string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	switch {
	case sess.Status == nostrconnect.StatusRevoked:
		return fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, id)
	case sess.Status == nostrconnect.StatusActive:
		return nil
	case sess.RemoteSignerPubkey == "":
		return fmt.Errorf("%w: %s has no remote signer yet", nostrconnect.ErrSessionNotActive, id)
	}

	sess, err = s.update(id, func(sess *nostrconnect.Session) error {
		return sess.Transition(nostrconnect.StatusConnecting, s.opts.Now())
	})
	if err != nil {
		return err
	}
	s.stopPairingTimer(id)
	if err := s.ensureSubscribed(sess, s.since(sess)); err != nil {
		return s.failConnect(id, err)
	}

	nostrconnect.InfoLogger.Printf("connecting session %s to %s", id, sess.RemoteSignerPubkey)
	result, scheme, err := s.roundTrip(ctx, sess, nostrconnect.MethodConnect,
		sess.RemoteSignerPubkey, sess.Secret, sess.Permissions.String())
	if err != nil {
		return s.failConnect(id, err)
	}
	if result != "ack" && result != sess.Secret {
		nostrconnect.DebugLogger.Printf("connect on %s answered with unexpected result %q", id, result)
	}

	sess, err = s.update(id, func(sess *nostrconnect.Session) error {
		sess.LastError = ""
		sess.AuthChallengeURL = ""
		sess.Algorithm = scheme
		return sess.Transition(nostrconnect.StatusActive, s.opts.Now())
	})
	if err != nil {
		return err
	}
	nostrconnect.InfoLogger.Printf("session %s is active", id)

	if sess.UserPubkey == "" {
		if _, err := s.FetchUserPublicKey(ctx, id); err != nil {
			nostrconnect.InfoLogger.Printf("connected %s but failed to get the user public key: %s", id, err)
		}
	}
	return nil
}

func (s *Service) failConnect(id string, cause error) error {
	if errors.Is(cause, nostrconnect.ErrSessionRevoked) || errors.Is(cause, nostrconnect.ErrServiceDestroyed) {
		return cause
	}
	nostrconnect.InfoLogger.Printf("failed to connect session %s: %s", id, cause)
	if _, err := s.update(id, func(sess *nostrconnect.Session) error {
		sess.LastError = cause.Error()
		return sess.Transition(nostrconnect.StatusError, s.opts.Now())
	}); err != nil {
		nostrconnect.DebugLogger.Printf("failed to record connect failure on %s: %s", id, err)
	}
	return cause
}

// FetchUserPublicKey asks the remote signer which identity it signs for and records it on the
// session. It can be called again at any time; the answer must not change.
func (s *Service) FetchUserPublicKey(ctx context.Context, id string) (string, error) {
	if err := s.checkAlive(); err != nil {
		return "", err
	}
	sess, err := s.Session(id)
	if err != nil {
		return "", err
	}
	switch sess.Status {
	case nostrconnect.StatusRevoked:
		return "", fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, id)
	case nostrconnect.StatusConnecting, nostrconnect.StatusActive:
	default:
		return "", fmt.Errorf("%w: %s is %s", nostrconnect.ErrSessionNotActive, id, sess.Status)
	}

	pubkey, _, err := s.roundTrip(ctx, sess, nostrconnect.MethodGetPublicKey)
	if err != nil {
		return "", err
	}
	if !nostr.IsValidPublicKey(pubkey) {
		return "", &nostrconnect.RemoteError{
			Method:  nostrconnect.MethodGetPublicKey,
			Message: fmt.Sprintf("invalid public key %q", pubkey),
		}
	}

	if _, err := s.update(id, func(sess *nostrconnect.Session) error {
		if sess.UserPubkey == pubkey {
			return errNoChange
		}
		return sess.SetUserPubkey(pubkey, s.opts.Now())
	}); err != nil && !errors.Is(err, errNoChange) {
		return "", err
	}
	return pubkey, nil
}

// Call issues a capability call on an active session and returns the remote signer's result.
// Permission and status problems are reported before anything is published.
func (s *Service) Call(ctx context.Context, id string, method string, params ...string) (string, error) {
	if err := s.checkAlive(); err != nil {
		return "", err
	}
	sess, err := s.Session(id)
	if err != nil {
		return "", err
	}
	if sess.Status == nostrconnect.StatusRevoked || s.isRevoked(id) {
		return "", fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, id)
	}
	if sess.Status != nostrconnect.StatusActive {
		return "", fmt.Errorf("%w: %s is %s", nostrconnect.ErrSessionNotActive, id, sess.Status)
	}
	if !sess.Permissions.Allows(method) {
		return "", fmt.Errorf("%w: %s not granted to %s", nostrconnect.ErrUnsupportedScheme, method, id)
	}

	result, _, err := s.roundTrip(ctx, sess, method, params...)
	return result, err
}

// RetrySession reconnects a session in the error state.
func (s *Service) RetrySession(ctx context.Context, id string) error {
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	if sess.Status != nostrconnect.StatusError {
		return fmt.Errorf("%w: can only retry failed sessions, %s is %s", nostrconnect.ErrInvalidTransition, id, sess.Status)
	}
	if sess.RemoteSignerPubkey == "" {
		// still listening, a late pairing reply will pick it up
		return fmt.Errorf("%w: %s never heard from a remote signer, create a new invitation", nostrconnect.ErrSessionNotActive, id)
	}
	return s.ConnectSession(ctx, id)
}

// RevokeSession ends a session for good: outstanding calls fail with ErrSessionRevoked, the
// subscription is dropped, the client key is wiped and the session is removed from the store.
func (s *Service) RevokeSession(ctx context.Context, id string) error {
	if _, ok := s.store.Get(id); !ok {
		if s.isRevoked(id) {
			return nil
		}
		return fmt.Errorf("%w: %s", nostrconnect.ErrSessionNotFound, id)
	}
	return s.revoke(id, "revoked")
}

func (s *Service) revoke(id string, reason string) error {
	s.mu.Lock()
	s.revoked[id] = struct{}{}
	unsub := s.subs[id]
	delete(s.subs, id)
	if timer, ok := s.pairingTimers[id]; ok {
		timer.Stop()
		delete(s.pairingTimers, id)
	}
	kp := s.keys[id]
	delete(s.keys, id)
	s.mu.Unlock()

	s.rejectPending(func(p *pendingRequest) bool { return p.sessionID == id },
		fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, id))

	if unsub != nil {
		unsub()
	}

	sess, err := s.update(id, func(sess *nostrconnect.Session) error {
		return sess.Transition(nostrconnect.StatusRevoked, s.opts.Now())
	})
	if err != nil && !errors.Is(err, nostrconnect.ErrSessionNotFound) {
		nostrconnect.InfoLogger.Printf("failed to mark %s as revoked: %s", id, err)
	}

	if kp != nil {
		kp.Zero()
	}
	if sess.ClientPublicKey != "" && !s.keyInUse(sess.ClientPublicKey, id) {
		s.codec.Forget(sess.ClientPublicKey)
	}

	nostrconnect.InfoLogger.Printf("session %s %s", id, reason)
	if err := s.store.Remove(id); err != nil && !errors.Is(err, sessions.ErrPersist) {
		return err
	}
	return nil
}

// Restore picks up every stored session after a restart: subscriptions are reopened, pairing
// timers re-armed and sessions that were mid-connect are connected again.
func (s *Service) Restore(ctx context.Context) error {
	if err := s.checkAlive(); err != nil {
		return err
	}

	var errs []error
	now := s.opts.Now()
	for _, sess := range s.store.Snapshot().Sessions {
		if sess.Status == nostrconnect.StatusRevoked {
			continue
		}
		if err := s.ensureSubscribed(sess, nostr.Timestamp(now.Add(-time.Minute).Unix())); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}

		switch {
		case sess.Status == nostrconnect.StatusPairing && sess.RemoteSignerPubkey == "":
			remaining := s.opts.PairingTimeout - now.Sub(sess.Created())
			s.armPairingTimer(sess.ID, max(remaining, 0))
		case sess.Status == nostrconnect.StatusConnecting,
			sess.Status == nostrconnect.StatusPairing && sess.RemoteSignerPubkey != "":
			if !s.opts.ManualConnect {
				s.connectInBackground(sess.ID)
			}
		}
	}
	return errors.Join(errs...)
}

// CleanupStale revokes pairing attempts older than maxAge that never reached a remote signer and
// returns how many were removed.
func (s *Service) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.opts.Now().Add(-maxAge)
	removed := 0
	for _, sess := range s.store.Snapshot().Sessions {
		if sess.RemoteSignerPubkey != "" || sess.Created().After(cutoff) {
			continue
		}
		if sess.Status != nostrconnect.StatusPairing && sess.Status != nostrconnect.StatusError {
			continue
		}
		if err := s.revoke(sess.ID, "removed as stale"); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Destroy stops every subscription and fails every outstanding call with ErrServiceDestroyed.
// Calling it again is a no-op.
func (s *Service) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	subs := s.subs
	s.subs = make(map[string]transport.Unsubscribe)
	for _, timer := range s.pairingTimers {
		timer.Stop()
	}
	s.pairingTimers = make(map[string]*time.Timer)
	keys := s.keys
	s.keys = make(map[string]*nostrconnect.KeyPair)
	s.mu.Unlock()

	s.cancel()
	for _, unsub := range subs {
		unsub()
	}
	s.rejectPending(func(*pendingRequest) bool { return true }, nostrconnect.ErrServiceDestroyed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		nostrconnect.InfoLogger.Printf("gave up waiting for background work: %s", ctx.Err())
	}

	for _, kp := range keys {
		kp.Zero()
	}
	return nil
}

// PendingCount is the number of requests waiting for a reply.
func (s *Service) PendingCount() int {
	return s.pending.Size()
}

func (s *Service) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nostrconnect.ErrServiceDestroyed
	}
	return nil
}

func (s *Service) isRevoked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[id]
	return ok
}

// update runs a read-modify-write on one session through the store. Failing to persist is logged
// but not returned: the store's memory state is what this process runs on.
func (s *Service) update(id string, fn func(*nostrconnect.Session) error) (nostrconnect.Session, error) {
	var from nostrconnect.Status
	sess, err := s.store.Update(id, func(sess *nostrconnect.Session) error {
		from = sess.Status
		return fn(sess)
	})
	if errors.Is(err, sessions.ErrPersist) {
		nostrconnect.InfoLogger.Printf("session %s: %s", id, err)
		err = nil
	}
	if err == nil && from != sess.Status {
		s.metrics.transitions.WithLabelValues(string(sess.Status)).Inc()
	}
	return sess, err
}

func (s *Service) put(sess nostrconnect.Session) error {
	err := s.store.Put(sess)
	if errors.Is(err, sessions.ErrPersist) {
		nostrconnect.InfoLogger.Printf("session %s: %s", sess.ID, err)
		err = nil
	}
	if err == nil {
		s.metrics.transitions.WithLabelValues(string(sess.Status)).Inc()
	}
	return err
}

func (s *Service) keyFor(sess nostrconnect.Session) (*nostrconnect.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kp, ok := s.keys[sess.ID]; ok {
		return kp, nil
	}
	if _, ok := s.revoked[sess.ID]; ok {
		return nil, fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, sess.ID)
	}
	kp, err := nostrconnect.KeyPairFromHex(sess.ClientSecretKey)
	if err != nil {
		return nil, fmt.Errorf("session %s has a broken client key: %w", sess.ID, err)
	}
	s.keys[sess.ID] = kp
	return kp, nil
}

// keyInUse reports whether a session other than except still talks with this client key.
func (s *Service) keyInUse(clientPubkey string, except string) bool {
	for _, other := range s.store.Snapshot().Sessions {
		if other.ID != except && other.ClientPublicKey == clientPubkey && other.Status != nostrconnect.StatusRevoked {
			return true
		}
	}
	return false
}

func (s *Service) sessionContext(sess nostrconnect.Session) (codec.SessionContext, error) {
	kp, err := s.keyFor(sess)
	if err != nil {
		return codec.SessionContext{}, err
	}
	sk := kp.SecretHex()
	if sk == "" {
		return codec.SessionContext{}, fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, sess.ID)
	}
	return codec.SessionContext{
		SecretKey: sk,
		PublicKey: sess.ClientPublicKey,
		Peer:      sess.RemoteSignerPubkey,
		Algorithm: sess.Algorithm,
	}, nil
}

func (s *Service) ensureSubscribed(sess nostrconnect.Session, since nostr.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nostrconnect.ErrServiceDestroyed
	}
	if _, ok := s.subs[sess.ID]; ok {
		return nil
	}
	unsub, err := s.transport.Subscribe(s.ctx, sess.Relays, transport.ReplyFilter(sess.ClientPublicKey, since), s.HandleEvent)
	if err != nil {
		return err
	}
	s.subs[sess.ID] = unsub
	return nil
}

// since is where a session's subscription starts reading: a little before the session existed, to
// tolerate clock skew with the remote signer.
func (s *Service) since(sess nostrconnect.Session) nostr.Timestamp {
	return nostr.Timestamp(sess.Created().Add(-time.Minute).Unix())
}

func (s *Service) connectInBackground(id string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		defer cancel()
		if err := s.ConnectSession(ctx, id); err != nil {
			nostrconnect.DebugLogger.Printf("background connect of %s: %s", id, err)
		}
	}()
}

func (s *Service) nextID() string {
	return s.idPrefix + "-" + strconv.FormatUint(s.serial.Add(1), 10)
}
