package remotesigner

import (
	"context"
	"testing"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/blossomkit/nostrconnect/transport/loopback"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T, p *Signer, clientSecret string, scheme nostrconnect.Scheme, method string, params ...string) *nostr.Event {
	clientPubkey, err := nostr.GetPublicKey(clientSecret)
	require.NoError(t, err)
	evt, err := codec.New().Encode(codec.Envelope{ID: "r1", Method: method, Params: params}, codec.SessionContext{
		SecretKey: clientSecret,
		PublicKey: clientPubkey,
		Peer:      p.HandlerPublicKey(),
		Algorithm: scheme,
	})
	require.NoError(t, err)
	return &evt
}

func TestHandleRequest(t *testing.T) {
	ctx := context.Background()
	user := nostr.GeneratePrivateKey()
	p, err := New(nostr.GeneratePrivateKey(), user, loopback.New(), []string{"wss://relay.test"})
	require.NoError(t, err)
	client := nostr.GeneratePrivateKey()

	_, resp, scheme, err := p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP04, nostrconnect.MethodGetPublicKey))
	require.NoError(t, err)
	assert.Equal(t, nostrconnect.SchemeNIP04, scheme)
	assert.Equal(t, p.UserPublicKey(), resp.Result)
	assert.NotEqual(t, p.HandlerPublicKey(), p.UserPublicKey())

	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodPing))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Result)

	unsigned := nostr.Event{Kind: 1, Content: "hello", CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	jevt, _ := easyjson.Marshal(unsigned)
	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodSignEvent, string(jevt)))
	require.NoError(t, err)
	require.Empty(t, resp.Error)
	var signed nostr.Event
	require.NoError(t, easyjson.Unmarshal([]byte(resp.Result), &signed))
	assert.Equal(t, p.UserPublicKey(), signed.PubKey)
	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	third := nostr.GeneratePrivateKey()
	thirdPubkey, _ := nostr.GetPublicKey(third)
	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodNIP44Encrypt, thirdPubkey, "secret note"))
	require.NoError(t, err)
	ck, err := nip44.GenerateConversationKey(p.UserPublicKey(), third)
	require.NoError(t, err)
	plain, err := nip44.Decrypt(resp.Result, ck)
	require.NoError(t, err)
	assert.Equal(t, "secret note", plain)

	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, "launch_missiles"))
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "unknown method")

	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodNIP04Encrypt, "nothex", "x"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
}

func TestConnectSecretAndAuthorization(t *testing.T) {
	ctx := context.Background()
	p, err := New(nostr.GeneratePrivateKey(), "", loopback.New(), []string{"wss://relay.test"})
	require.NoError(t, err)
	assert.Equal(t, p.HandlerPublicKey(), p.UserPublicKey())
	p.Secret = "letmein"

	client := nostr.GeneratePrivateKey()
	_, resp, _, err := p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodConnect, p.HandlerPublicKey(), "wrong"))
	require.NoError(t, err)
	assert.Equal(t, "invalid secret", resp.Error)

	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodConnect, p.HandlerPublicKey(), "letmein"))
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.Result)

	var seenSecret string
	p.AuthorizeRequest = func(harmless bool, from string, secret string) bool {
		seenSecret = secret
		return harmless
	}
	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodPing))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, "letmein", seenSecret)

	thirdPubkey, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	_, resp, _, err = p.HandleRequest(ctx, request(t, p, client, nostrconnect.SchemeNIP44, nostrconnect.MethodNIP04Encrypt, thirdPubkey, "x"))
	require.NoError(t, err)
	assert.Equal(t, "unauthorized", resp.Error)
}

func TestBunkerURI(t *testing.T) {
	p, err := New(nostr.GeneratePrivateKey(), "", loopback.New(), []string{"relay.test"})
	require.NoError(t, err)
	p.Secret = "abc"
	parsed, err := nostrconnect.ParseBunkerURI(p.BunkerURI())
	require.NoError(t, err)
	assert.Equal(t, p.HandlerPublicKey(), parsed.RemoteSignerPubkey)
	assert.Equal(t, []string{"wss://relay.test"}, parsed.Relays)
	assert.Equal(t, "abc", parsed.Secret)

	_, err = New(nostr.GeneratePrivateKey(), "", loopback.New(), nil)
	assert.Error(t, err)
}
