// Package transport is the seam between the protocol engine and relays: publish a signed event
// to a set of relays and get called back for events matching a filter.
package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Unsubscribe stops a subscription. Calling it more than once is harmless.
type Unsubscribe func()

type Transport interface {
	// Publish sends evt to every relay in relays and returns once at least one accepted it, or
	// with a *nostrconnect.TransportError once all of them failed.
	Publish(ctx context.Context, relays []string, evt nostr.Event) error

	// Subscribe calls handle for every event matching filter on any of the relays until the
	// returned Unsubscribe is called or ctx is done. handle may be called concurrently, out of
	// order, and more than once for the same event.
	Subscribe(ctx context.Context, relays []string, filter nostr.Filter, handle func(nostr.Event)) (Unsubscribe, error)
}

// ReplyFilter selects NIP-46 messages addressed to clientPubkey.
func ReplyFilter(clientPubkey string, since nostr.Timestamp) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{clientPubkey}},
	}
	if since > 0 {
		f.Since = &since
	}
	return f
}
