package codec

import (
	"testing"

	"github.com/blossomkit/nostrconnect"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type party struct {
	sk, pk string
}

func newParty(t *testing.T) party {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return party{sk, pk}
}

func (p party) to(peer party, alg nostrconnect.Scheme) SessionContext {
	return SessionContext{SecretKey: p.sk, PublicKey: p.pk, Peer: peer.pk, Algorithm: alg}
}

func TestRoundTrip(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)

	for _, scheme := range []nostrconnect.Scheme{nostrconnect.SchemeNIP44, nostrconnect.SchemeNIP04} {
		t.Run(string(scheme), func(t *testing.T) {
			c := New()
			req := Envelope{ID: "gn-1", Method: nostrconnect.MethodSignEvent, Params: []string{`{"kind":1}`}}

			evt, err := c.Encode(req, client.to(remote, scheme))
			require.NoError(t, err)
			assert.Equal(t, nostr.KindNostrConnect, evt.Kind)
			assert.Equal(t, client.pk, evt.PubKey)
			assert.Equal(t, remote.pk, Recipient(&evt))
			ok, err := evt.CheckSignature()
			require.NoError(t, err)
			assert.True(t, ok)

			// the remote side doesn't know the scheme in advance
			got, used, err := New().Decode(&evt, SessionContext{SecretKey: remote.sk, PublicKey: remote.pk})
			require.NoError(t, err)
			assert.Equal(t, scheme, used)
			assert.Equal(t, req, got)

			resp := Envelope{ID: "gn-1", Result: "ok"}
			evt, err = c.Encode(resp, remote.to(client, used))
			require.NoError(t, err)
			got, used, err = c.Decode(&evt, client.to(remote, ""))
			require.NoError(t, err)
			assert.Equal(t, scheme, used)
			assert.Equal(t, resp, got)
		})
	}
}

func TestDecodeRejectsWrongSender(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)
	stranger := newParty(t)

	c := New()
	evt, err := c.Encode(Envelope{ID: "1", Result: "ack"}, stranger.to(client, nostrconnect.SchemeNIP44))
	require.NoError(t, err)

	_, _, err = c.Decode(&evt, client.to(remote, ""))
	assert.ErrorIs(t, err, nostrconnect.ErrDecode)
}

func TestDecodeRecordsEveryAttempt(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)

	c := New()
	evt := nostr.Event{Kind: nostr.KindNostrConnect, Content: "garbage", CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", client.pk}}}
	require.NoError(t, evt.Sign(remote.sk))

	_, _, err := c.Decode(&evt, client.to(remote, ""))
	require.ErrorIs(t, err, nostrconnect.ErrDecode)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Attempts, 2)
	assert.Equal(t, nostrconnect.SchemeNIP44, de.Attempts[0].Scheme)
	assert.Equal(t, nostrconnect.SchemeNIP04, de.Attempts[1].Scheme)
}

func TestDecodeRejectsTamperedEvent(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)

	c := New()
	evt, err := c.Encode(Envelope{ID: "1", Result: "ack"}, remote.to(client, ""))
	require.NoError(t, err)
	evt.CreatedAt++

	_, _, err = c.Decode(&evt, client.to(remote, ""))
	assert.ErrorIs(t, err, nostrconnect.ErrDecode)

	c.VerifySignatures = false
	_, _, err = c.Decode(&evt, client.to(remote, ""))
	assert.NoError(t, err)
}

func TestDecodeNonJSONPayloadCountsAsFailedAttempt(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)

	c := New()
	ciphertext, err := c.encrypt(nostrconnect.SchemeNIP44, "not json", remote.to(client, ""))
	require.NoError(t, err)
	evt := nostr.Event{Kind: nostr.KindNostrConnect, Content: ciphertext, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", client.pk}}}
	require.NoError(t, evt.Sign(remote.sk))

	_, _, err = c.Decode(&evt, client.to(remote, ""))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Len(t, de.Attempts, 2)
}

func TestOrderPromotesNegotiatedAlgorithm(t *testing.T) {
	c := New()
	assert.Equal(t,
		[]nostrconnect.Scheme{nostrconnect.SchemeNIP04, nostrconnect.SchemeNIP44},
		c.order(SessionContext{Algorithm: nostrconnect.SchemeNIP04}),
	)
	assert.Equal(t, c.Order, c.order(SessionContext{}))
}

func TestForget(t *testing.T) {
	client := newParty(t)
	remote := newParty(t)

	c := New()
	_, err := c.Encode(Envelope{ID: "1", Method: "ping"}, client.to(remote, nostrconnect.SchemeNIP44))
	require.NoError(t, err)
	_, err = c.Encode(Envelope{ID: "1", Method: "ping"}, client.to(remote, nostrconnect.SchemeNIP04))
	require.NoError(t, err)
	assert.Equal(t, 1, c.nip44Keys.Size())
	assert.Equal(t, 1, c.nip04Keys.Size())

	c.Forget(client.pk)
	assert.Equal(t, 0, c.nip44Keys.Size())
	assert.Equal(t, 0, c.nip04Keys.Size())
}
