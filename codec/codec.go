// Package codec turns NIP-46 envelopes into signed, encrypted kind 24133 events and back.
package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

// SessionContext is what the codec needs to know about one side of a conversation: our own
// keys, who we are talking to and which scheme we prefer.
type SessionContext struct {
	SecretKey string
	PublicKey string

	// Peer is the expected counterparty. Outbound events are addressed to it and inbound events
	// from anybody else are rejected. Leave it empty to accept any sender (pairing replies, or the
	// remote signer side which serves many clients).
	Peer string

	// Algorithm, when set, is tried first on decode and used on encode.
	Algorithm nostrconnect.Scheme
}

// Codec is safe for concurrent use.
type Codec struct {
	// Order is the list of schemes tried on decode, and Order[0] is used to encode when the
	// session has no negotiated algorithm.
	Order []nostrconnect.Scheme

	// VerifySignatures makes Decode reject events whose id or signature don't check out.
	VerifySignatures bool

	Now func() time.Time

	nip44Keys *xsync.MapOf[string, [32]byte]
	nip04Keys *xsync.MapOf[string, []byte]
}

func New() *Codec {
	return &Codec{
		Order:            []nostrconnect.Scheme{nostrconnect.SchemeNIP44, nostrconnect.SchemeNIP04},
		VerifySignatures: true,
		Now:              time.Now,
		nip44Keys:        xsync.NewMapOf[string, [32]byte](),
		nip04Keys:        xsync.NewMapOf[string, []byte](),
	}
}

// Attempt records why one scheme failed to produce a valid envelope.
type Attempt struct {
	Scheme nostrconnect.Scheme
	Err    error
}

// DecodeError is returned for anything that can't be turned into an Envelope. It matches
// nostrconnect.ErrDecode.
type DecodeError struct {
	EventID  string
	Reason   string
	Attempts []Attempt
}

func (e *DecodeError) Error() string {
	var sb strings.Builder
	sb.WriteString("failed to decode ")
	sb.WriteString(e.EventID)
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	if len(e.Attempts) > 0 {
		sb.WriteString(" (")
		for i, a := range e.Attempts {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(string(a.Scheme))
			sb.WriteString(": ")
			sb.WriteString(a.Err.Error())
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *DecodeError) Is(target error) bool { return target == nostrconnect.ErrDecode }

// Encode wraps env into a signed kind 24133 event addressed to sc.Peer.
func (c *Codec) Encode(env Envelope, sc SessionContext) (nostr.Event, error) {
	if sc.Peer == "" {
		return nostr.Event{}, fmt.Errorf("no peer to address the message to")
	}
	scheme := sc.Algorithm
	if scheme == "" {
		scheme = c.order(sc)[0]
	}

	plain, err := MarshalEnvelope(env)
	if err != nil {
		return nostr.Event{}, err
	}

	ciphertext, err := c.encrypt(scheme, string(plain), sc)
	if err != nil {
		return nostr.Event{}, err
	}

	evt := nostr.Event{
		Kind:      nostr.KindNostrConnect,
		CreatedAt: nostr.Timestamp(c.Now().Unix()),
		Tags:      nostr.Tags{{"p", sc.Peer}},
		Content:   ciphertext,
	}
	if err := evt.Sign(sc.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign: %w", err)
	}
	return evt, nil
}

// Decode opens an inbound event, trying each scheme in order until one both decrypts and parses.
// It returns the scheme that worked so callers can remember it for the session.
func (c *Codec) Decode(evt *nostr.Event, sc SessionContext) (Envelope, nostrconnect.Scheme, error) {
	fail := func(reason string, attempts []Attempt) (Envelope, nostrconnect.Scheme, error) {
		return Envelope{}, "", &DecodeError{EventID: evt.ID, Reason: reason, Attempts: attempts}
	}

	if evt.Kind != nostr.KindNostrConnect {
		return fail(fmt.Sprintf("unexpected kind %d", evt.Kind), nil)
	}
	if sc.Peer != "" && evt.PubKey != sc.Peer {
		return fail("unexpected sender "+evt.PubKey, nil)
	}
	if c.VerifySignatures {
		if ok, err := evt.CheckSignature(); err != nil {
			return fail("bad signature: "+err.Error(), nil)
		} else if !ok {
			return fail("invalid signature", nil)
		}
	}

	// decrypt as if the sender were the peer
	sc.Peer = evt.PubKey

	order := c.order(sc)
	attempts := make([]Attempt, 0, len(order))
	for _, scheme := range order {
		plain, err := c.decrypt(scheme, evt.Content, sc)
		if err != nil {
			attempts = append(attempts, Attempt{scheme, err})
			continue
		}
		env, err := UnmarshalEnvelope([]byte(plain))
		if err != nil {
			attempts = append(attempts, Attempt{scheme, err})
			continue
		}
		return env, scheme, nil
	}
	return fail("no scheme could open it", attempts)
}

// Recipient returns the first "p" tag of evt, or "".
func Recipient(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return tag[1]
		}
	}
	return ""
}

// Forget drops every cached conversation key derived from the given local public key.
func (c *Codec) Forget(publicKey string) {
	prefix := publicKey + ":"
	c.nip44Keys.Range(func(k string, _ [32]byte) bool {
		if strings.HasPrefix(k, prefix) {
			c.nip44Keys.Delete(k)
		}
		return true
	})
	c.nip04Keys.Range(func(k string, v []byte) bool {
		if strings.HasPrefix(k, prefix) {
			c.nip04Keys.Delete(k)
		}
		return true
	})
}

func (c *Codec) order(sc SessionContext) []nostrconnect.Scheme {
	order := c.Order
	if len(order) == 0 {
		order = []nostrconnect.Scheme{nostrconnect.SchemeNIP44, nostrconnect.SchemeNIP04}
	}
	if sc.Algorithm == "" || sc.Algorithm == order[0] {
		return order
	}
	promoted := make([]nostrconnect.Scheme, 0, len(order)+1)
	promoted = append(promoted, sc.Algorithm)
	for _, s := range order {
		if s != sc.Algorithm {
			promoted = append(promoted, s)
		}
	}
	return promoted
}

func (c *Codec) encrypt(scheme nostrconnect.Scheme, plain string, sc SessionContext) (string, error) {
	switch scheme {
	case nostrconnect.SchemeNIP44:
		ck, err := c.conversationKey(sc)
		if err != nil {
			return "", err
		}
		return nip44.Encrypt(plain, ck)
	case nostrconnect.SchemeNIP04:
		shared, err := c.sharedSecret(sc)
		if err != nil {
			return "", err
		}
		return nip04.Encrypt(plain, shared)
	}
	return "", fmt.Errorf("%w: %q", nostrconnect.ErrUnsupportedScheme, scheme)
}

func (c *Codec) decrypt(scheme nostrconnect.Scheme, ciphertext string, sc SessionContext) (string, error) {
	switch scheme {
	case nostrconnect.SchemeNIP44:
		ck, err := c.conversationKey(sc)
		if err != nil {
			return "", err
		}
		return nip44.Decrypt(ciphertext, ck)
	case nostrconnect.SchemeNIP04:
		// nip04 payloads always carry the iv suffix, nip44 ones never do
		if !strings.Contains(ciphertext, "?iv=") {
			return "", fmt.Errorf("not a nip04 payload")
		}
		shared, err := c.sharedSecret(sc)
		if err != nil {
			return "", err
		}
		return nip04.Decrypt(ciphertext, shared)
	}
	return "", fmt.Errorf("%w: %q", nostrconnect.ErrUnsupportedScheme, scheme)
}

func (c *Codec) conversationKey(sc SessionContext) ([32]byte, error) {
	k := sc.PublicKey + ":" + sc.Peer
	if ck, ok := c.nip44Keys.Load(k); ok {
		return ck, nil
	}
	ck, err := nip44.GenerateConversationKey(sc.Peer, sc.SecretKey)
	if err != nil {
		return ck, fmt.Errorf("failed to compute nip44 conversation key: %w", err)
	}
	c.nip44Keys.Store(k, ck)
	return ck, nil
}

func (c *Codec) sharedSecret(sc SessionContext) ([]byte, error) {
	k := sc.PublicKey + ":" + sc.Peer
	if s, ok := c.nip04Keys.Load(k); ok {
		return s, nil
	}
	s, err := nip04.ComputeSharedSecret(sc.Peer, sc.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute nip04 shared secret: %w", err)
	}
	c.nip04Keys.Store(k, s)
	return s, nil
}
