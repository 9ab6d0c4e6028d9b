package nostrconnect

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lukechampine.com/frand"
)

// KeyPair is the ephemeral client keypair a session talks to the remote signer with. It never
// represents the user's identity.
//
// Call Zero once the session is revoked or the engine shuts down; the hex form returned by
// SecretHex is a transient copy the caller must not retain.
type KeyPair struct {
	mu        sync.RWMutex
	secret    *btcec.PrivateKey
	PublicKey string
}

// GenerateKeyPair creates a fresh keypair from the system CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client key: %w", err)
	}
	return &KeyPair{
		secret:    sk,
		PublicKey: hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
	}, nil
}

// KeyPairFromHex loads a keypair from a 32-byte hex secret key.
func KeyPairFromHex(secretKey string) (*KeyPair, error) {
	b, err := hex.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key hex: %w", err)
	}
	defer wipe(b)
	if len(b) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	sk, pk := btcec.PrivKeyFromBytes(b)
	if sk.Key.IsZero() {
		return nil, fmt.Errorf("secret key is zero")
	}
	return &KeyPair{
		secret:    sk,
		PublicKey: hex.EncodeToString(schnorr.SerializePubKey(pk)),
	}, nil
}

// SecretHex returns the secret key in the hex form go-nostr expects, or "" after Zero.
func (kp *KeyPair) SecretHex() string {
	if kp == nil {
		return ""
	}
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	if kp.secret == nil {
		return ""
	}
	b := kp.secret.Serialize()
	defer wipe(b)
	return hex.EncodeToString(b)
}

// Zero wipes the secret scalar. The keypair is unusable afterwards.
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.secret == nil {
		return
	}
	kp.secret.Zero()
	kp.secret = nil
}

// RandomHex returns n random bytes hex-encoded, used for pairing secrets and request ids.
func RandomHex(n int) string {
	return hex.EncodeToString(frand.Bytes(n))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
