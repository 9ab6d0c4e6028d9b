package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/blossomkit/nostrconnect/engine"
	"github.com/blossomkit/nostrconnect/kvstore/memory"
	"github.com/blossomkit/nostrconnect/remotesigner"
	"github.com/blossomkit/nostrconnect/sessions"
	"github.com/blossomkit/nostrconnect/transport/loopback"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub    *loopback.Hub
	svc    *engine.Service
	remote *remotesigner.Signer
	signer *Signer
}

func setup(t *testing.T, perms nostrconnect.Permissions) *fixture {
	ctx := context.Background()
	relays := []string{"wss://relay.test"}
	hub := loopback.New()

	store := sessions.NewStore(memory.NewStore(), "test")
	_, err := store.Hydrate()
	require.NoError(t, err)
	svc := engine.New(hub, store, engine.DefaultOptions())

	remote, err := remotesigner.New(nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey(), hub, relays)
	require.NoError(t, err)
	require.NoError(t, remote.Start(ctx))

	t.Cleanup(func() {
		svc.Destroy(ctx)
		remote.Stop()
		hub.Wait()
	})

	res, err := svc.PairWithURI(ctx, remote.BunkerURI(), engine.PairOptions{Permissions: perms})
	require.NoError(t, err)
	require.Equal(t, nostrconnect.StatusActive, res.Session.Status)
	hub.Wait()

	return &fixture{hub: hub, svc: svc, remote: remote, signer: New(svc, res.Session.ID)}
}

func TestGetPublicKey(t *testing.T) {
	f := setup(t, nil)
	before := f.hub.PublishCount()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pk, err := f.signer.GetPublicKey(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, f.remote.UserPublicKey(), pk)
		}()
	}
	wg.Wait()
	assert.Equal(t, before, f.hub.PublishCount(), "known public key needs no round trip")
}

func TestSignEvent(t *testing.T) {
	f := setup(t, nostrconnect.Permissions{"sign_event:1"})

	evt := nostr.Event{Kind: 1, Content: "hello from a remote key"}
	require.NoError(t, f.signer.SignEvent(context.Background(), &evt))
	assert.Equal(t, f.remote.UserPublicKey(), evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotZero(t, evt.CreatedAt)
}

func TestSignEventKindNotGranted(t *testing.T) {
	f := setup(t, nostrconnect.Permissions{"sign_event:1"})
	before := f.hub.PublishCount()

	evt := nostr.Event{Kind: 7, Content: "+"}
	err := f.signer.SignEvent(context.Background(), &evt)
	assert.ErrorIs(t, err, nostrconnect.ErrUnsupportedScheme)
	assert.Empty(t, evt.Sig)
	assert.Equal(t, before, f.hub.PublishCount())
}

func TestSignEventRejectsForgery(t *testing.T) {
	f := setup(t, nil)
	impostor := nostr.GeneratePrivateKey()
	f.remote.Override = func(req codec.Envelope) (codec.Envelope, bool) {
		if req.Method != nostrconnect.MethodSignEvent {
			return codec.Envelope{}, false
		}
		var evt nostr.Event
		_ = easyjson.Unmarshal([]byte(req.Params[0]), &evt)
		_ = evt.Sign(impostor)
		j, _ := easyjson.Marshal(evt)
		return codec.Envelope{ID: req.ID, Result: string(j)}, true
	}

	evt := nostr.Event{Kind: 1, Content: "x"}
	err := f.signer.SignEvent(context.Background(), &evt)
	assert.ErrorIs(t, err, nostrconnect.ErrRemote)
	assert.Empty(t, evt.Sig)

	f.remote.Override = func(req codec.Envelope) (codec.Envelope, bool) {
		return codec.Envelope{ID: req.ID, Result: `{"kind":1,"content":"x","sig":"00"}`}, req.Method == nostrconnect.MethodSignEvent
	}
	err = f.signer.SignEvent(context.Background(), &evt)
	assert.ErrorIs(t, err, nostrconnect.ErrRemote)
}

func TestEncryption(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	third := nostr.GeneratePrivateKey()
	thirdPubkey, _ := nostr.GetPublicKey(third)
	user := f.remote.UserPublicKey()

	// nip44 through the nostr.Keyer methods
	ciphertext, err := f.signer.Encrypt(ctx, "over nip44", thirdPubkey)
	require.NoError(t, err)
	ck, _ := nip44.GenerateConversationKey(user, third)
	plain, err := nip44.Decrypt(ciphertext, ck)
	require.NoError(t, err)
	assert.Equal(t, "over nip44", plain)

	incoming, err := nip44.Encrypt("back at you", ck)
	require.NoError(t, err)
	plain, err = f.signer.Decrypt(ctx, incoming, thirdPubkey)
	require.NoError(t, err)
	assert.Equal(t, "back at you", plain)

	// nip04
	ciphertext, err = f.signer.NIP04Encrypt(ctx, thirdPubkey, "over nip04")
	require.NoError(t, err)
	shared, _ := nip04.ComputeSharedSecret(user, third)
	plain, err = nip04.Decrypt(ciphertext, shared)
	require.NoError(t, err)
	assert.Equal(t, "over nip04", plain)

	incoming, err = nip04.Encrypt("nip04 reply", shared)
	require.NoError(t, err)
	plain, err = f.signer.NIP04Decrypt(ctx, thirdPubkey, incoming)
	require.NoError(t, err)
	assert.Equal(t, "nip04 reply", plain)
}

func TestSchemeNotGranted(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nostrconnect.Permissions{"nip44_encrypt"})
	thirdPubkey, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	before := f.hub.PublishCount()

	_, err := f.signer.NIP04Encrypt(ctx, thirdPubkey, "x")
	assert.ErrorIs(t, err, nostrconnect.ErrUnsupportedScheme)
	_, err = f.signer.NIP44Decrypt(ctx, thirdPubkey, "x")
	assert.ErrorIs(t, err, nostrconnect.ErrUnsupportedScheme)
	_, err = f.signer.EncryptWith(ctx, "rot13", thirdPubkey, "x")
	assert.ErrorIs(t, err, nostrconnect.ErrUnsupportedScheme)
	assert.Equal(t, before, f.hub.PublishCount())

	_, err = f.signer.NIP44Encrypt(ctx, thirdPubkey, "x")
	assert.NoError(t, err)
}

func TestRevokedSigner(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	require.NoError(t, f.svc.RevokeSession(ctx, f.signer.SessionID()))
	before := f.hub.PublishCount()

	evt := nostr.Event{Kind: 1}
	assert.ErrorIs(t, f.signer.SignEvent(ctx, &evt), nostrconnect.ErrSessionRevoked)
	_, err := f.signer.GetPublicKey(ctx)
	assert.ErrorIs(t, err, nostrconnect.ErrSessionRevoked)
	assert.ErrorIs(t, f.signer.Ping(ctx), nostrconnect.ErrSessionRevoked)
	assert.Equal(t, before, f.hub.PublishCount())
}

func TestSessionNotActiveFailsWithoutPublishing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	kp, err := nostrconnect.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UnixMilli()
	connecting := nostrconnect.Session{
		ID:                 "connecting",
		ClientPublicKey:    kp.PublicKey,
		ClientSecretKey:    kp.SecretHex(),
		Relays:             []string{"wss://relay.test"},
		RemoteSignerPubkey: f.remote.HandlerPublicKey(),
		Algorithm:          nostrconnect.SchemeNIP44,
		Status:             nostrconnect.StatusConnecting,
		Origin:             nostrconnect.OriginBunker,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, f.svc.Store().Put(connecting))
	s := New(f.svc, connecting.ID)
	before := f.hub.PublishCount()

	evt := nostr.Event{Kind: 1, Content: "too early"}
	assert.ErrorIs(t, s.SignEvent(ctx, &evt), nostrconnect.ErrSessionNotActive)
	assert.Empty(t, evt.Sig)
	_, err = s.GetPublicKey(ctx)
	assert.ErrorIs(t, err, nostrconnect.ErrSessionNotActive)
	_, err = s.NIP44Encrypt(ctx, f.remote.UserPublicKey(), "x")
	assert.ErrorIs(t, err, nostrconnect.ErrSessionNotActive)
	assert.Equal(t, before, f.hub.PublishCount())
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestDuplicatedResponseResolvesOnce(t *testing.T) {
	f := setup(t, nil)
	f.hub.Duplicate = 3
	f.hub.Shuffle = true
	f.remote.DuplicateReplies = 1

	for range 3 {
		require.NoError(t, f.signer.Ping(context.Background()))
	}
	f.hub.Wait()
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestTimeout(t *testing.T) {
	f := setup(t, nil)
	f.remote.Silent = map[string]bool{nostrconnect.MethodPing: true}
	f.signer.Timeout = 50 * time.Millisecond

	err := f.signer.Ping(context.Background())
	assert.ErrorIs(t, err, nostrconnect.ErrTimeout)
	assert.Equal(t, 0, f.svc.PendingCount())
}
