// Package signer exposes one remote signer session as a nostr.Keyer, so code written against a
// local key can sign and encrypt through a NIP-46 remote signer without knowing it.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/engine"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"
)

var _ nostr.Keyer = (*Signer)(nil)

// DefaultTimeout bounds every call that didn't come with a shorter deadline.
const DefaultTimeout = 30 * time.Second

// Signer asks a remote signer every time it needs to do an operation.
type Signer struct {
	svc       *engine.Service
	sessionID string

	Timeout time.Duration

	pubkeys singleflight.Group
}

func New(svc *engine.Service, sessionID string) *Signer {
	return &Signer{svc: svc, sessionID: sessionID, Timeout: DefaultTimeout}
}

func (s *Signer) SessionID() string { return s.sessionID }

func (s *Signer) GetPublicKey(ctx context.Context) (string, error) {
	sess, err := s.svc.Session(s.sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == nostrconnect.StatusRevoked {
		return "", fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, s.sessionID)
	}
	if sess.UserPubkey != "" {
		return sess.UserPubkey, nil
	}
	if err := usable(sess); err != nil {
		return "", err
	}

	v, err, _ := s.pubkeys.Do(s.sessionID, func() (any, error) {
		ctx, cancel := context.WithTimeoutCause(ctx, s.timeout(), errors.New("get_public_key took too long"))
		defer cancel()
		return s.svc.FetchUserPublicKey(ctx, s.sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SignEvent has the remote signer sign evt and checks the result before filling in evt's ID,
// PubKey and Sig.
func (s *Signer) SignEvent(ctx context.Context, evt *nostr.Event) error {
	sess, err := s.svc.Session(s.sessionID)
	if err != nil {
		return err
	}
	if err := usable(sess); err != nil {
		return err
	}
	if !sess.Permissions.AllowsKind(evt.Kind) {
		return fmt.Errorf("%w: signing kind %d not granted to %s", nostrconnect.ErrUnsupportedScheme, evt.Kind, s.sessionID)
	}

	pubkey, err := s.GetPublicKey(ctx)
	if err != nil {
		return err
	}

	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	unsigned := nostr.Event{
		Kind:      evt.Kind,
		Content:   evt.Content,
		Tags:      evt.Tags,
		CreatedAt: evt.CreatedAt,
		PubKey:    pubkey,
	}
	jevt, err := easyjson.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	result, err := s.call(ctx, "sign_event took too long", nostrconnect.MethodSignEvent, string(jevt))
	if err != nil {
		return err
	}

	var signed nostr.Event
	if err := easyjson.Unmarshal([]byte(result), &signed); err != nil {
		return s.rejected(fmt.Sprintf("invalid signed event: %s", err))
	}
	switch {
	case signed.PubKey != pubkey:
		return s.rejected(fmt.Sprintf("event signed by %s instead of %s", signed.PubKey, pubkey))
	case signed.Kind != unsigned.Kind || signed.Content != unsigned.Content || signed.CreatedAt != unsigned.CreatedAt:
		return s.rejected("signed event doesn't match the one sent")
	case signed.GetID() != signed.ID:
		return s.rejected("signed event has a wrong id")
	}
	if ok, err := signed.CheckSignature(); err != nil || !ok {
		return s.rejected("signed event has an invalid signature")
	}

	evt.ID = signed.ID
	evt.PubKey = signed.PubKey
	evt.Sig = signed.Sig
	evt.Tags = signed.Tags
	return nil
}

// usable fails the same way the service would, without waiting for it to find out over the wire.
func usable(sess nostrconnect.Session) error {
	switch sess.Status {
	case nostrconnect.StatusRevoked:
		return fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, sess.ID)
	case nostrconnect.StatusActive:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", nostrconnect.ErrSessionNotActive, sess.ID, sess.Status)
	}
}

func (s *Signer) rejected(msg string) error {
	return &nostrconnect.RemoteError{Method: nostrconnect.MethodSignEvent, Message: msg}
}

// Encrypt uses nip44, as nostr.Keyer expects.
func (s *Signer) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	return s.NIP44Encrypt(ctx, recipient, plaintext)
}

func (s *Signer) Decrypt(ctx context.Context, base64ciphertext string, sender string) (string, error) {
	return s.NIP44Decrypt(ctx, sender, base64ciphertext)
}

func (s *Signer) NIP44Encrypt(ctx context.Context, recipient string, plaintext string) (string, error) {
	return s.EncryptWith(ctx, nostrconnect.SchemeNIP44, recipient, plaintext)
}

func (s *Signer) NIP44Decrypt(ctx context.Context, sender string, ciphertext string) (string, error) {
	return s.DecryptWith(ctx, nostrconnect.SchemeNIP44, sender, ciphertext)
}

func (s *Signer) NIP04Encrypt(ctx context.Context, recipient string, plaintext string) (string, error) {
	return s.EncryptWith(ctx, nostrconnect.SchemeNIP04, recipient, plaintext)
}

func (s *Signer) NIP04Decrypt(ctx context.Context, sender string, ciphertext string) (string, error) {
	return s.DecryptWith(ctx, nostrconnect.SchemeNIP04, sender, ciphertext)
}

func (s *Signer) EncryptWith(ctx context.Context, scheme nostrconnect.Scheme, recipient string, plaintext string) (string, error) {
	if !scheme.Valid() {
		return "", fmt.Errorf("%w: %q", nostrconnect.ErrUnsupportedScheme, scheme)
	}
	if !nostr.IsValidPublicKey(recipient) {
		return "", fmt.Errorf("invalid recipient public key %q", recipient)
	}
	return s.call(ctx, "encryption took too long", scheme.EncryptMethod(), recipient, plaintext)
}

func (s *Signer) DecryptWith(ctx context.Context, scheme nostrconnect.Scheme, sender string, ciphertext string) (string, error) {
	if !scheme.Valid() {
		return "", fmt.Errorf("%w: %q", nostrconnect.ErrUnsupportedScheme, scheme)
	}
	if !nostr.IsValidPublicKey(sender) {
		return "", fmt.Errorf("invalid sender public key %q", sender)
	}
	return s.call(ctx, "decryption took too long", scheme.DecryptMethod(), sender, ciphertext)
}

// Ping checks the remote signer is still answering.
func (s *Signer) Ping(ctx context.Context) error {
	res, err := s.call(ctx, "ping took too long", nostrconnect.MethodPing)
	if err != nil {
		return err
	}
	if res != "pong" {
		return &nostrconnect.RemoteError{Method: nostrconnect.MethodPing, Message: "unexpected reply " + res}
	}
	return nil
}

func (s *Signer) call(ctx context.Context, slow string, method string, params ...string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, s.timeout(), errors.New(slow))
	defer cancel()
	res, err := s.svc.Call(ctx, s.sessionID, method, params...)
	if err != nil && !errors.Is(err, nostrconnect.ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %s", nostrconnect.ErrTimeout, err)
	}
	return res, err
}

func (s *Signer) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}
