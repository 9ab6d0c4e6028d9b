package nostrconnect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

var allStatuses = []Status{StatusPairing, StatusConnecting, StatusActive, StatusError, StatusRevoked}

func testSession(t testing.TB) Session {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UnixMilli()
	return Session{
		ID:              RandomHex(8),
		ClientPublicKey: kp.PublicKey,
		ClientSecretKey: kp.SecretHex(),
		Secret:          RandomHex(8),
		Relays:          []string{"wss://relay.one"},
		Algorithm:       SchemeNIP44,
		Status:          StatusPairing,
		Origin:          OriginInvitation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPairing, StatusConnecting}: true,
		{StatusPairing, StatusError}:      true,
		{StatusConnecting, StatusActive}:  true,
		{StatusConnecting, StatusError}:   true,
		{StatusActive, StatusError}:       true,
		{StatusError, StatusConnecting}:   true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			expected := from == to || to == StatusRevoked || allowed[[2]Status{from, to}]
			assert.Equal(t, expected, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, StatusActive.CanTransition("bogus"))
}

func TestRevokedIsTerminal(t *testing.T) {
	s := testSession(t)
	now := time.Now()
	require.NoError(t, s.Transition(StatusRevoked, now))
	for _, to := range allStatuses {
		if to == StatusRevoked {
			continue
		}
		assert.ErrorIs(t, s.Transition(to, now), ErrSessionRevoked)
	}
	assert.Equal(t, StatusRevoked, s.Status)
}

func TestTouchIsMonotonic(t *testing.T) {
	s := testSession(t)
	past := time.UnixMilli(s.UpdatedAt - 10_000)
	before := s.UpdatedAt
	s.Touch(past)
	assert.Greater(t, s.UpdatedAt, before)
	s.Touch(past)
	assert.Equal(t, before+2, s.UpdatedAt)
}

func TestSetUserPubkeyOnce(t *testing.T) {
	s := testSession(t)
	now := time.Now()
	require.NoError(t, s.SetUserPubkey(testPubkey, now))
	require.NoError(t, s.SetUserPubkey(testPubkey, now))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetUserPubkey(other.PublicKey, now), ErrUserPubkeyConflict)
	assert.Equal(t, testPubkey, s.UserPubkey)

	assert.Error(t, s.SetUserPubkey("nope", now))
}

func TestValidate(t *testing.T) {
	s := testSession(t)
	require.NoError(t, s.Validate())

	bad := s.Clone()
	bad.Status = StatusActive
	assert.Error(t, bad.Validate(), "active needs a remote signer")

	bad = s.Clone()
	bad.Relays = nil
	assert.Error(t, bad.Validate())

	bad = s.Clone()
	other, _ := GenerateKeyPair()
	bad.ClientSecretKey = other.SecretHex()
	assert.Error(t, bad.Validate())

	bad = s.Clone()
	bad.Algorithm = "rot13"
	assert.Error(t, bad.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	s := testSession(t)
	s.Permissions = Permissions{"nip44_encrypt"}
	c := s.Clone()
	c.Relays[0] = "wss://changed"
	c.Permissions[0] = "changed"
	assert.Equal(t, "wss://relay.one", s.Relays[0])
	assert.Equal(t, "nip44_encrypt", s.Permissions[0])
}

func TestKeyPairZero(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	sk := kp.SecretHex()
	require.Len(t, sk, 64)

	loaded, err := KeyPairFromHex(sk)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, loaded.PublicKey)

	kp.Zero()
	assert.Empty(t, kp.SecretHex())
	kp.Zero()

	_, err = KeyPairFromHex("00")
	assert.Error(t, err)
}

func TestKeyPairZeroWhileReading(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	want := kp.SecretHex()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if sk := kp.SecretHex(); sk != "" && sk != want {
					t.Errorf("read a half-wiped key %s", sk)
					return
				}
			}
		}()
	}
	kp.Zero()
	wg.Wait()
	assert.Empty(t, kp.SecretHex())
}

// every walk through random transition attempts must only ever move along legal edges
func TestRandomTransitionWalk(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := testSession(t)
		now := time.Now()
		for j := 0; j < 30; j++ {
			prev := s.Status
			before := s.UpdatedAt
			to := allStatuses[frand.Intn(len(allStatuses))]
			err := s.Transition(to, now)
			if err != nil {
				assert.Equal(t, prev, s.Status)
				assert.Equal(t, before, s.UpdatedAt)
				continue
			}
			assert.True(t, prev.CanTransition(s.Status), "%s -> %s", prev, s.Status)
			assert.Greater(t, s.UpdatedAt, before)
		}
	}
}

func FuzzTransitions(f *testing.F) {
	f.Add([]byte{1, 2, 3, 1, 4})
	f.Add([]byte{0, 0, 2, 4, 1})
	f.Fuzz(func(t *testing.T, steps []byte) {
		s := testSession(t)
		revoked := false
		for _, b := range steps {
			to := allStatuses[int(b)%len(allStatuses)]
			prev := s.Status
			if err := s.Transition(to, time.Now()); err == nil {
				if !prev.CanTransition(to) {
					t.Fatalf("illegal transition %s -> %s accepted", prev, to)
				}
			}
			if revoked && s.Status != StatusRevoked {
				t.Fatalf("left revoked state for %s", s.Status)
			}
			revoked = s.Status == StatusRevoked
		}
	})
}
