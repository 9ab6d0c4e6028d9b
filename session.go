package nostrconnect

import (
	"fmt"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPairing    Status = "pairing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusRevoked    Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPairing, StatusConnecting, StatusActive, StatusError, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next. Staying in the same state is
// always allowed except out of revoked, which is terminal.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == StatusRevoked {
		return true
	}
	switch s {
	case StatusPairing:
		return next == StatusConnecting || next == StatusError
	case StatusConnecting:
		return next == StatusActive || next == StatusError
	case StatusActive:
		return next == StatusError
	case StatusError:
		return next == StatusConnecting
	}
	return false
}

// Origin records which side published the invitation that created a session.
type Origin string

const (
	// OriginInvitation sessions were created by us through a nostrconnect:// link.
	OriginInvitation Origin = "invitation"
	// OriginBunker sessions were created from a bunker:// link published by the remote signer.
	OriginBunker Origin = "bunker"
)

// Session is one pairing/connection lifecycle between this application and one remote signer.
//
// Sessions are values: the session store owns the canonical copy and everybody else works on
// copies, routing changes back through the store.
type Session struct {
	ID string `json:"id"`

	ClientPublicKey string `json:"clientPublicKey"`
	ClientSecretKey string `json:"clientSecretKey"`

	Secret      string      `json:"nostrConnectSecret,omitempty"`
	Relays      []string    `json:"relays"`
	Permissions Permissions `json:"permissions,omitempty"`
	Metadata    AppMetadata `json:"metadata"`

	RemoteSignerPubkey string `json:"remoteSignerPubkey,omitempty"`
	UserPubkey         string `json:"userPubkey,omitempty"`
	Algorithm          Scheme `json:"algorithm"`

	Status           Status `json:"status"`
	LastError        string `json:"lastError,omitempty"`
	AuthChallengeURL string `json:"authChallengeUrl,omitempty"`
	Origin           Origin `json:"origin"`

	// unix milliseconds
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	s.Relays = slices.Clone(s.Relays)
	s.Permissions = slices.Clone(s.Permissions)
	s.Metadata.Icons = slices.Clone(s.Metadata.Icons)
	return s
}

// Touch bumps UpdatedAt, keeping it strictly increasing even when the clock does not move or
// goes backwards.
func (s *Session) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms <= s.UpdatedAt {
		ms = s.UpdatedAt + 1
	}
	s.UpdatedAt = ms
}

// Transition moves the session to next, failing with ErrInvalidTransition (or ErrSessionRevoked
// when the session is already revoked) if the edge is not allowed.
func (s *Session) Transition(next Status, now time.Time) error {
	if s.Status == StatusRevoked && next != StatusRevoked {
		return fmt.Errorf("%w: session %s", ErrSessionRevoked, s.ID)
	}
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.Touch(now)
	return nil
}

// SetUserPubkey records the delegated identity. It can only be set once; setting the same value
// again is a no-op.
func (s *Session) SetUserPubkey(pubkey string, now time.Time) error {
	if !nostr.IsValidPublicKey(pubkey) {
		return fmt.Errorf("invalid user public key %q", pubkey)
	}
	if s.UserPubkey == pubkey {
		return nil
	}
	if s.UserPubkey != "" {
		return fmt.Errorf("%w: session %s already belongs to %s", ErrUserPubkeyConflict, s.ID, s.UserPubkey)
	}
	s.UserPubkey = pubkey
	s.Touch(now)
	return nil
}

// CanActivate reports whether this session may be selected as the application's signer.
func (s Session) CanActivate() bool {
	return s.Status == StatusActive && s.UserPubkey != "" && s.LastError == ""
}

// Created returns CreatedAt as a time.Time.
func (s Session) Created() time.Time { return time.UnixMilli(s.CreatedAt) }

// Updated returns UpdatedAt as a time.Time.
func (s Session) Updated() time.Time { return time.UnixMilli(s.UpdatedAt) }

// Validate checks the invariants a stored session must satisfy to be usable.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if !nostr.IsValidPublicKey(s.ClientPublicKey) {
		return fmt.Errorf("invalid client public key %q", s.ClientPublicKey)
	}
	if s.Status != StatusRevoked {
		kp, err := KeyPairFromHex(s.ClientSecretKey)
		if err != nil {
			return fmt.Errorf("client secret key: %w", err)
		}
		defer kp.Zero()
		if kp.PublicKey != s.ClientPublicKey {
			return fmt.Errorf("client secret key does not match public key %s", s.ClientPublicKey)
		}
	}
	if len(s.Relays) == 0 {
		return fmt.Errorf("no relays")
	}
	if s.RemoteSignerPubkey != "" && !nostr.IsValidPublicKey(s.RemoteSignerPubkey) {
		return fmt.Errorf("invalid remote signer public key %q", s.RemoteSignerPubkey)
	}
	if s.UserPubkey != "" && !nostr.IsValidPublicKey(s.UserPubkey) {
		return fmt.Errorf("invalid user public key %q", s.UserPubkey)
	}
	if (s.Status == StatusConnecting || s.Status == StatusActive) && s.RemoteSignerPubkey == "" {
		return fmt.Errorf("status %s without a remote signer", s.Status)
	}
	if !s.Algorithm.Valid() {
		return fmt.Errorf("invalid algorithm %q", s.Algorithm)
	}
	if s.UpdatedAt < s.CreatedAt {
		return fmt.Errorf("updatedAt before createdAt")
	}
	return nil
}

// Snapshot is an immutable view of every session plus the one selected as the active signer.
type Snapshot struct {
	Sessions        []Session
	ActiveSessionID string
}

// Find returns a copy of the session with the given id.
func (snap Snapshot) Find(id string) (Session, bool) {
	for _, s := range snap.Sessions {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return Session{}, false
}

// Active returns the active session, if any.
func (snap Snapshot) Active() (Session, bool) {
	if snap.ActiveSessionID == "" {
		return Session{}, false
	}
	return snap.Find(snap.ActiveSessionID)
}
