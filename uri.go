package nostrconnect

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var bunkerRegex = regexp.MustCompile(`^bunker:\/\/([0-9a-f]{64})\??([?\/\w:.=&%-]*)$`)

// IsValidBunkerURL reports whether input looks like a bunker:// link.
func IsValidBunkerURL(input string) bool {
	return bunkerRegex.MatchString(input)
}

// ConnectionURI is the nostrconnect:// invitation the application shows to a remote signer.
type ConnectionURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Permissions  Permissions
	Metadata     AppMetadata
}

// String renders the invitation. Relay order and values are preserved.
func (c ConnectionURI) String() string {
	q := url.Values{}
	for _, r := range c.Relays {
		q.Add("relay", r)
	}
	if c.Secret != "" {
		q.Set("secret", c.Secret)
	}
	if len(c.Permissions) > 0 {
		q.Set("perms", c.Permissions.String())
	}
	if c.Metadata.Name != "" {
		q.Set("name", c.Metadata.Name)
	}
	if c.Metadata.URL != "" {
		q.Set("url", c.Metadata.URL)
	}
	if len(c.Metadata.Icons) > 0 {
		q.Set("image", c.Metadata.Icons[0])
	}
	if meta, err := json.Marshal(c.Metadata); err == nil && c.Metadata.Name != "" {
		q.Set("metadata", string(meta))
	}
	return "nostrconnect://" + c.ClientPubkey + "?" + encodeOrdered(q)
}

// ParseConnectionURI reads a nostrconnect:// invitation back.
func ParseConnectionURI(s string) (ConnectionURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "nostrconnect" {
		return ConnectionURI{}, fmt.Errorf("%w: unexpected scheme %q", ErrInvalidURI, u.Scheme)
	}
	c := ConnectionURI{ClientPubkey: u.Host}
	if !nostr.IsValidPublicKey(c.ClientPubkey) {
		return ConnectionURI{}, fmt.Errorf("%w: invalid client public key %q", ErrInvalidURI, c.ClientPubkey)
	}
	q := u.Query()
	c.Relays = normalizeRelays(q["relay"])
	if len(c.Relays) == 0 {
		return ConnectionURI{}, fmt.Errorf("%w: no relays", ErrInvalidURI)
	}
	c.Secret = q.Get("secret")
	c.Permissions = ParsePermissions(q.Get("perms"))
	if meta := q.Get("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return ConnectionURI{}, fmt.Errorf("%w: bad metadata: %w", ErrInvalidURI, err)
		}
	}
	if c.Metadata.Name == "" {
		c.Metadata.Name = q.Get("name")
	}
	if c.Metadata.URL == "" {
		c.Metadata.URL = q.Get("url")
	}
	if len(c.Metadata.Icons) == 0 && q.Get("image") != "" {
		c.Metadata.Icons = []string{q.Get("image")}
	}
	return c, nil
}

// BunkerURI is the bunker:// link a remote signer hands out so applications can connect to it.
type BunkerURI struct {
	RemoteSignerPubkey string
	Relays             []string
	Secret             string
}

func (b BunkerURI) String() string {
	q := url.Values{}
	for _, r := range b.Relays {
		q.Add("relay", r)
	}
	if b.Secret != "" {
		q.Set("secret", b.Secret)
	}
	return "bunker://" + b.RemoteSignerPubkey + "?" + encodeOrdered(q)
}

// ParseBunkerURI reads a bunker:// link.
func ParseBunkerURI(s string) (BunkerURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return BunkerURI{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "bunker" {
		return BunkerURI{}, fmt.Errorf("%w: unexpected scheme %q", ErrInvalidURI, u.Scheme)
	}
	b := BunkerURI{RemoteSignerPubkey: u.Host}
	if !nostr.IsValidPublicKey(b.RemoteSignerPubkey) {
		return BunkerURI{}, fmt.Errorf("%w: invalid remote signer public key %q", ErrInvalidURI, b.RemoteSignerPubkey)
	}
	q := u.Query()
	b.Relays = normalizeRelays(q["relay"])
	if len(b.Relays) == 0 {
		return BunkerURI{}, fmt.Errorf("%w: no relays", ErrInvalidURI)
	}
	b.Secret = q.Get("secret")
	return b, nil
}

// NormalizeRelays normalizes and deduplicates relay urls keeping their first-seen order.
func NormalizeRelays(relays []string) []string { return normalizeRelays(relays) }

func normalizeRelays(relays []string) []string {
	out := make([]string, 0, len(relays))
	seen := make(map[string]struct{}, len(relays))
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		r = nostr.NormalizeURL(r)
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// url.Values.Encode sorts keys, which would put every relay after "metadata"; keep relays first
// so links read the way people write them.
func encodeOrdered(q url.Values) string {
	var sb strings.Builder
	write := func(k string) {
		for _, v := range q[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	order := []string{"relay", "secret", "perms", "name", "url", "image", "metadata"}
	for _, k := range order {
		write(k)
	}
	return sb.String()
}
