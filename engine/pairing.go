package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/google/uuid"
)

type InvitationOptions struct {
	Relays      []string
	Permissions nostrconnect.Permissions
	Metadata    nostrconnect.AppMetadata

	// ReuseSessionID makes the invitation use the client key of an existing session instead of a
	// fresh one, so the remote signer sees the same application key.
	ReuseSessionID string
}

type Invitation struct {
	URI     string
	Session nostrconnect.Session
}

type PairOptions struct {
	Permissions nostrconnect.Permissions
	Metadata    nostrconnect.AppMetadata
}

type CreatedSessionResult struct {
	Session nostrconnect.Session

	// Created is false when an existing session for the same remote signer was reused.
	Created bool
}

// CreateInvitation starts a pairing from our side: a session in the pairing state, listening on
// the given relays for a reply to the returned nostrconnect:// link.
func (s *Service) CreateInvitation(ctx context.Context, opts InvitationOptions) (Invitation, error) {
	if err := s.checkAlive(); err != nil {
		return Invitation{}, err
	}
	relays := nostrconnect.NormalizeRelays(opts.Relays)
	if len(relays) == 0 {
		return Invitation{}, fmt.Errorf("%w: an invitation needs at least one relay", nostrconnect.ErrInvalidURI)
	}

	var (
		kp  *nostrconnect.KeyPair
		err error
	)
	if opts.ReuseSessionID != "" {
		base, err := s.Session(opts.ReuseSessionID)
		if err != nil {
			return Invitation{}, err
		}
		kp, err = nostrconnect.KeyPairFromHex(base.ClientSecretKey)
		if err != nil {
			return Invitation{}, err
		}
	} else if kp, err = nostrconnect.GenerateKeyPair(); err != nil {
		return Invitation{}, err
	}

	now := s.opts.Now()
	sess := nostrconnect.Session{
		ID:              uuid.NewString(),
		ClientPublicKey: kp.PublicKey,
		ClientSecretKey: kp.SecretHex(),
		Secret:          nostrconnect.RandomHex(8),
		Relays:          relays,
		Permissions:     opts.Permissions,
		Metadata:        opts.Metadata,
		Algorithm:       s.opts.SchemeOrder[0],
		Status:          nostrconnect.StatusPairing,
		Origin:          nostrconnect.OriginInvitation,
		CreatedAt:       now.UnixMilli(),
		UpdatedAt:       now.UnixMilli(),
	}
	if err := s.put(sess); err != nil {
		kp.Zero()
		return Invitation{}, err
	}

	s.mu.Lock()
	s.keys[sess.ID] = kp
	s.mu.Unlock()

	if err := s.ensureSubscribed(sess, s.since(sess)); err != nil {
		s.revoke(sess.ID, "dropped, could not subscribe")
		return Invitation{}, err
	}
	s.armPairingTimer(sess.ID, s.opts.PairingTimeout)

	uri := nostrconnect.ConnectionURI{
		ClientPubkey: sess.ClientPublicKey,
		Relays:       sess.Relays,
		Secret:       sess.Secret,
		Permissions:  sess.Permissions,
		Metadata:     sess.Metadata,
	}
	nostrconnect.InfoLogger.Printf("created invitation %s on %v", sess.ID, sess.Relays)
	return Invitation{URI: uri.String(), Session: sess.Clone()}, nil
}

// PairWithURI starts a pairing from the remote signer's side: it reads a bunker:// link and
// immediately connects to it. An existing session with the same remote signer is reused.
func (s *Service) PairWithURI(ctx context.Context, uri string, opts PairOptions) (CreatedSessionResult, error) {
	if err := s.checkAlive(); err != nil {
		return CreatedSessionResult{}, err
	}
	bunker, err := nostrconnect.ParseBunkerURI(uri)
	if err != nil {
		return CreatedSessionResult{}, err
	}

	for _, existing := range s.store.Snapshot().Sessions {
		if existing.Origin != nostrconnect.OriginBunker ||
			existing.RemoteSignerPubkey != bunker.RemoteSignerPubkey ||
			existing.Status == nostrconnect.StatusRevoked {
			continue
		}
		if existing.Status == nostrconnect.StatusActive {
			return CreatedSessionResult{Session: existing}, nil
		}
		err := s.ConnectSession(ctx, existing.ID)
		sess, _ := s.store.Get(existing.ID)
		return CreatedSessionResult{Session: sess}, err
	}

	kp, err := nostrconnect.GenerateKeyPair()
	if err != nil {
		return CreatedSessionResult{}, err
	}
	now := s.opts.Now()
	sess := nostrconnect.Session{
		ID:                 uuid.NewString(),
		ClientPublicKey:    kp.PublicKey,
		ClientSecretKey:    kp.SecretHex(),
		Secret:             bunker.Secret,
		Relays:             bunker.Relays,
		Permissions:        opts.Permissions,
		Metadata:           opts.Metadata,
		RemoteSignerPubkey: bunker.RemoteSignerPubkey,
		Algorithm:          s.opts.SchemeOrder[0],
		Status:             nostrconnect.StatusConnecting,
		Origin:             nostrconnect.OriginBunker,
		CreatedAt:          now.UnixMilli(),
		UpdatedAt:          now.UnixMilli(),
	}
	if err := s.put(sess); err != nil {
		kp.Zero()
		return CreatedSessionResult{}, err
	}
	s.mu.Lock()
	s.keys[sess.ID] = kp
	s.mu.Unlock()

	err = s.ConnectSession(ctx, sess.ID)
	if current, ok := s.store.Get(sess.ID); ok {
		sess = current
	}
	return CreatedSessionResult{Session: sess, Created: true}, err
}

// handlePairingReply recognizes the first message a remote signer sends in reply to one of our
// invitations: either it echoes the invitation secret, or it is the first thing we ever hear on a
// session that doesn't know its remote signer yet. It reports whether env was consumed.
func (s *Service) handlePairingReply(candidates []nostrconnect.Session, sender string, env codec.Envelope, scheme nostrconnect.Scheme) bool {
	var target *nostrconnect.Session
	for i, sess := range candidates {
		if sess.Secret != "" && env.Result == sess.Secret {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		for i, sess := range candidates {
			if sess.RemoteSignerPubkey == "" &&
				(sess.Status == nostrconnect.StatusPairing || sess.Status == nostrconnect.StatusError) {
				target = &candidates[i]
				break
			}
		}
	}
	if target == nil {
		return false
	}
	refused := env.Error != "" && env.Result != target.Secret

	sess, err := s.update(target.ID, func(sess *nostrconnect.Session) error {
		if sess.RemoteSignerPubkey == sender {
			return errNoChange
		}
		if sess.RemoteSignerPubkey != "" {
			return fmt.Errorf("session %s already paired with %s", sess.ID, sess.RemoteSignerPubkey)
		}
		sess.RemoteSignerPubkey = sender
		sess.Algorithm = scheme
		if refused {
			sess.LastError = env.Error
			return sess.Transition(nostrconnect.StatusError, s.opts.Now())
		}
		sess.Touch(s.opts.Now())
		return nil
	})
	if errors.Is(err, errNoChange) {
		return true
	}
	if err != nil {
		nostrconnect.DebugLogger.Printf("pairing reply for %s: %s", target.ID, err)
		return false
	}
	s.stopPairingTimer(sess.ID)
	if refused {
		nostrconnect.InfoLogger.Printf("remote signer %s refused invitation %s: %s", sender, sess.ID, env.Error)
		return true
	}
	nostrconnect.InfoLogger.Printf("invitation %s answered by %s", sess.ID, sender)

	if s.opts.DuplicatePairing == KeepNewest && !s.keepNewest(sess) {
		return true
	}
	if !s.opts.ManualConnect {
		s.connectInBackground(sess.ID)
	}
	return true
}

// keepNewest revokes the other sessions still being set up with the same remote signer and
// reports whether paired itself survived.
func (s *Service) keepNewest(paired nostrconnect.Session) bool {
	var group []nostrconnect.Session
	for _, sess := range s.store.Snapshot().Sessions {
		if sess.RemoteSignerPubkey != paired.RemoteSignerPubkey {
			continue
		}
		switch sess.Status {
		case nostrconnect.StatusPairing, nostrconnect.StatusConnecting, nostrconnect.StatusError:
			group = append(group, sess)
		}
	}
	if len(group) < 2 {
		return true
	}

	// snapshots are ordered by creation
	newest := group[len(group)-1]
	for _, sess := range group[:len(group)-1] {
		if err := s.revoke(sess.ID, "discarded in favor of "+newest.ID); err != nil {
			nostrconnect.InfoLogger.Printf("failed to discard duplicate session %s: %s", sess.ID, err)
		}
	}
	return newest.ID == paired.ID
}

func (s *Service) armPairingTimer(id string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if old, ok := s.pairingTimers[id]; ok {
		old.Stop()
	}
	s.pairingTimers[id] = time.AfterFunc(after, func() { s.expirePairing(id) })
}

func (s *Service) stopPairingTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pairingTimers[id]; ok {
		timer.Stop()
		delete(s.pairingTimers, id)
	}
}

func (s *Service) expirePairing(id string) {
	s.mu.Lock()
	delete(s.pairingTimers, id)
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	_, err := s.update(id, func(sess *nostrconnect.Session) error {
		if sess.Status != nostrconnect.StatusPairing || sess.RemoteSignerPubkey != "" {
			return errNoChange
		}
		sess.LastError = "pairing timed out"
		return sess.Transition(nostrconnect.StatusError, s.opts.Now())
	})
	if err == nil {
		nostrconnect.InfoLogger.Printf("invitation %s timed out", id)
	}
}
