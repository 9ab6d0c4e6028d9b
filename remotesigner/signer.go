// Package remotesigner is the other end of a NIP-46 conversation: it holds the user's key and
// answers requests coming from clients over a transport. The CLI uses it for its bunker command
// and the engine tests use it as the remote signer they pair with.
package remotesigner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/blossomkit/nostrconnect/transport"
	jsoniter "github.com/json-iterator/go"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type RelayReadWrite struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

type Signer struct {
	handlerSecretKey string
	handlerPublicKey string
	userSecretKey    string
	userPublicKey    string

	transport transport.Transport
	relays    []string
	codec     *codec.Codec

	mu         sync.Mutex
	unsub      transport.Unsubscribe
	clients    map[string]string // client pubkey -> secret it connected with
	challenged map[string]struct{}
	methods    []string
	handled    atomic.Int64

	// Secret, when set, is required as the second parameter of connect.
	Secret string

	RelaysToAdvertise map[string]RelayReadWrite

	// AuthorizeRequest is asked before anything that isn't harmless is done. Nil authorizes
	// everything.
	AuthorizeRequest func(harmless bool, from string, secret string) bool

	// ReplyScheme forces the encryption used for replies. Empty means answering with whatever
	// the request used.
	ReplyScheme nostrconnect.Scheme

	// DuplicateReplies publishes every reply this many extra times.
	DuplicateReplies int

	// AuthURL makes the first request of every client get an auth_url challenge before the
	// actual reply.
	AuthURL string

	// ApproveAuth blocks between the auth_url challenge and the actual reply, for as long as the
	// user takes to approve. Nil approves right away.
	ApproveAuth func(ctx context.Context, client string) error

	// Override can replace the reply to a request. Returning false keeps the normal one.
	Override func(req codec.Envelope) (codec.Envelope, bool)

	// Silent drops requests for these methods without replying.
	Silent map[string]bool
}

// New creates a signer that talks to clients with handlerSecretKey and signs with userSecretKey.
// An empty userSecretKey means the handler key is also the user's key.
func New(handlerSecretKey, userSecretKey string, t transport.Transport, relays []string) (*Signer, error) {
	if userSecretKey == "" {
		userSecretKey = handlerSecretKey
	}
	handlerPublicKey, err := nostr.GetPublicKey(handlerSecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid handler key: %w", err)
	}
	userPublicKey, err := nostr.GetPublicKey(userSecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid user key: %w", err)
	}
	relays = nostrconnect.NormalizeRelays(relays)
	if len(relays) == 0 {
		return nil, fmt.Errorf("a remote signer needs at least one relay")
	}

	advertised := make(map[string]RelayReadWrite, len(relays))
	for _, r := range relays {
		advertised[r] = RelayReadWrite{Read: true, Write: true}
	}

	return &Signer{
		handlerSecretKey:  handlerSecretKey,
		handlerPublicKey:  handlerPublicKey,
		userSecretKey:     userSecretKey,
		userPublicKey:     userPublicKey,
		transport:         t,
		relays:            relays,
		codec:             codec.New(),
		clients:           make(map[string]string),
		challenged:        make(map[string]struct{}),
		RelaysToAdvertise: advertised,
	}, nil
}

func (p *Signer) HandlerPublicKey() string { return p.handlerPublicKey }
func (p *Signer) UserPublicKey() string    { return p.userPublicKey }

// BunkerURI is the link clients pair with.
func (p *Signer) BunkerURI() string {
	return nostrconnect.BunkerURI{
		RemoteSignerPubkey: p.handlerPublicKey,
		Relays:             p.relays,
		Secret:             p.Secret,
	}.String()
}

// Start listens for requests until Stop is called or ctx is done.
func (p *Signer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		return nil
	}
	since := nostr.Now() - 60
	unsub, err := p.transport.Subscribe(ctx, p.relays, transport.ReplyFilter(p.handlerPublicKey, since), func(evt nostr.Event) {
		if err := p.HandleEvent(ctx, evt); err != nil {
			nostrconnect.DebugLogger.Printf("remote signer: %s", err)
		}
	})
	if err != nil {
		return err
	}
	p.unsub = unsub
	return nil
}

func (p *Signer) Stop() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Handled is how many requests got a reply.
func (p *Signer) Handled() int { return int(p.handled.Load()) }

// Methods lists the methods of every request received, in arrival order.
func (p *Signer) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.methods...)
}

// AcceptInvitation answers a nostrconnect:// link the way a remote signer does after the user
// approves it: by sending the invitation secret back to the client.
func (p *Signer) AcceptInvitation(ctx context.Context, uri string) error {
	conn, err := nostrconnect.ParseConnectionURI(uri)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.clients[conn.ClientPubkey] = conn.Secret
	p.mu.Unlock()

	scheme := p.ReplyScheme
	if scheme == "" {
		scheme = nostrconnect.SchemeNIP44
	}
	result := conn.Secret
	if result == "" {
		result = "ack"
	}
	return p.send(ctx, conn.Relays, conn.ClientPubkey, scheme, codec.Envelope{
		ID:     nostrconnect.RandomHex(8),
		Result: result,
	})
}

// RefuseInvitation is AcceptInvitation for a user who said no.
func (p *Signer) RefuseInvitation(ctx context.Context, uri string, reason string) error {
	conn, err := nostrconnect.ParseConnectionURI(uri)
	if err != nil {
		return err
	}
	return p.send(ctx, conn.Relays, conn.ClientPubkey, nostrconnect.SchemeNIP44, codec.Envelope{
		ID:    nostrconnect.RandomHex(8),
		Error: reason,
	})
}

// HandleEvent decodes one request, answers it and publishes the reply.
func (p *Signer) HandleEvent(ctx context.Context, evt nostr.Event) error {
	req, resp, scheme, err := p.HandleRequest(ctx, &evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.methods = append(p.methods, req.Method)
	p.mu.Unlock()
	if p.Silent[req.Method] {
		return nil
	}

	if p.AuthURL != "" {
		p.mu.Lock()
		_, done := p.challenged[evt.PubKey]
		p.challenged[evt.PubKey] = struct{}{}
		p.mu.Unlock()
		if !done {
			challenge := codec.Envelope{ID: req.ID, Result: codec.ResultAuthURL, Error: p.AuthURL}
			if err := p.send(ctx, p.relays, evt.PubKey, scheme, challenge); err != nil {
				return err
			}
			if p.ApproveAuth != nil {
				if err := p.ApproveAuth(ctx, evt.PubKey); err != nil {
					return fmt.Errorf("auth for %s not approved: %w", evt.PubKey, err)
				}
			}
		}
	}

	if p.ReplyScheme != "" {
		scheme = p.ReplyScheme
	}
	for i := 0; i <= p.DuplicateReplies; i++ {
		if err := p.send(ctx, p.relays, evt.PubKey, scheme, resp); err != nil {
			return err
		}
	}
	p.handled.Add(1)
	return nil
}

func (p *Signer) send(ctx context.Context, relays []string, client string, scheme nostrconnect.Scheme, env codec.Envelope) error {
	out, err := p.codec.Encode(env, codec.SessionContext{
		SecretKey: p.handlerSecretKey,
		PublicKey: p.handlerPublicKey,
		Peer:      client,
		Algorithm: scheme,
	})
	if err != nil {
		return err
	}
	return p.transport.Publish(ctx, relays, out)
}

// HandleRequest decodes a request and computes the reply without publishing anything.
func (p *Signer) HandleRequest(_ context.Context, event *nostr.Event) (
	req codec.Envelope,
	resp codec.Envelope,
	scheme nostrconnect.Scheme,
	err error,
) {
	req, scheme, err = p.codec.Decode(event, codec.SessionContext{
		SecretKey: p.handlerSecretKey,
		PublicKey: p.handlerPublicKey,
	})
	if err != nil {
		return req, resp, scheme, err
	}
	if !req.IsRequest() {
		return req, resp, scheme, fmt.Errorf("%s sent a response, not a request", event.PubKey)
	}

	if override, ok := p.overrideFor(req); ok {
		return req, override, scheme, nil
	}

	p.mu.Lock()
	secret := p.clients[event.PubKey]
	p.mu.Unlock()

	var harmless bool
	var result string
	var resultErr error

	switch req.Method {
	case nostrconnect.MethodConnect:
		if len(req.Params) >= 2 {
			secret = req.Params[1]
		}
		if p.Secret != "" && secret != p.Secret {
			resultErr = fmt.Errorf("invalid secret")
			break
		}
		p.mu.Lock()
		p.clients[event.PubKey] = secret
		p.mu.Unlock()
		result = "ack"
		harmless = true
	case nostrconnect.MethodGetPublicKey:
		result = p.userPublicKey
		harmless = true
	case nostrconnect.MethodPing:
		result = "pong"
		harmless = true
	case nostrconnect.MethodGetRelays:
		jrelays, _ := json.Marshal(p.RelaysToAdvertise)
		result = string(jrelays)
		harmless = true
	case nostrconnect.MethodSignEvent:
		if len(req.Params) != 1 {
			resultErr = fmt.Errorf("wrong number of arguments to 'sign_event'")
			break
		}
		evt := nostr.Event{}
		if err := easyjson.Unmarshal([]byte(req.Params[0]), &evt); err != nil {
			resultErr = fmt.Errorf("failed to decode event: %w", err)
			break
		}
		if err := evt.Sign(p.userSecretKey); err != nil {
			resultErr = fmt.Errorf("failed to sign event: %w", err)
			break
		}
		jrevt, _ := easyjson.Marshal(evt)
		result = string(jrevt)
	case nostrconnect.MethodNIP44Encrypt, nostrconnect.MethodNIP44Decrypt,
		nostrconnect.MethodNIP04Encrypt, nostrconnect.MethodNIP04Decrypt:
		result, resultErr = p.crypt(req)
	default:
		resultErr = fmt.Errorf("unknown method '%s'", req.Method)
	}

	if resultErr == nil && p.AuthorizeRequest != nil {
		if !p.AuthorizeRequest(harmless, event.PubKey, secret) {
			resultErr = fmt.Errorf("unauthorized")
		}
	}

	resp = codec.Envelope{ID: req.ID, Result: result}
	if resultErr != nil {
		resp = codec.Envelope{ID: req.ID, Error: resultErr.Error()}
	}
	return req, resp, scheme, nil
}

func (p *Signer) overrideFor(req codec.Envelope) (codec.Envelope, bool) {
	if p.Override == nil {
		return codec.Envelope{}, false
	}
	return p.Override(req)
}

// crypt serves the four encrypt/decrypt methods on behalf of the user key.
func (p *Signer) crypt(req codec.Envelope) (string, error) {
	if len(req.Params) != 2 {
		return "", fmt.Errorf("wrong number of arguments to '%s'", req.Method)
	}
	thirdPartyPubkey := req.Params[0]
	if !nostr.IsValidPublicKey(thirdPartyPubkey) {
		return "", fmt.Errorf("first argument to '%s' is not a pubkey string", req.Method)
	}
	text := req.Params[1]

	switch req.Method {
	case nostrconnect.MethodNIP44Encrypt, nostrconnect.MethodNIP44Decrypt:
		ck, err := nip44.GenerateConversationKey(thirdPartyPubkey, p.userSecretKey)
		if err != nil {
			return "", fmt.Errorf("failed to compute shared secret: %w", err)
		}
		if req.Method == nostrconnect.MethodNIP44Encrypt {
			return nip44.Encrypt(text, ck)
		}
		return nip44.Decrypt(text, ck)
	default:
		shared, err := nip04.ComputeSharedSecret(thirdPartyPubkey, p.userSecretKey)
		if err != nil {
			return "", fmt.Errorf("failed to compute shared secret: %w", err)
		}
		if req.Method == nostrconnect.MethodNIP04Encrypt {
			return nip04.Encrypt(text, shared)
		}
		return nip04.Decrypt(text, shared)
	}
}
