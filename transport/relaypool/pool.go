// Package relaypool implements transport.Transport on top of a go-nostr SimplePool.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/transport"
	"github.com/nbd-wtf/go-nostr"
)

var _ transport.Transport = (*Pool)(nil)

type Pool struct {
	pool *nostr.SimplePool

	// PublishTimeout bounds how long Publish waits on relays that neither accept nor reject.
	PublishTimeout time.Duration
}

// New creates a pool that lives as long as ctx.
func New(ctx context.Context) *Pool {
	return Wrap(nostr.NewSimplePool(ctx))
}

// Wrap reuses a pool the application already has.
func Wrap(pool *nostr.SimplePool) *Pool {
	return &Pool{pool: pool, PublishTimeout: 7 * time.Second}
}

func (p *Pool) Publish(ctx context.Context, relays []string, evt nostr.Event) error {
	if len(relays) == 0 {
		return &nostrconnect.TransportError{Err: fmt.Errorf("no relays")}
	}

	ctx, cancel := context.WithTimeoutCause(ctx, p.PublishTimeout, fmt.Errorf("publish took too long"))
	defer cancel()

	var errs []error
	accepted := false
	for res := range p.pool.PublishMany(ctx, relays, evt) {
		if res.Error == nil {
			accepted = true
			nostrconnect.DebugLogger.Printf("published %s to %s", evt.ID, res.RelayURL)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", res.RelayURL, res.Error))
	}
	if !accepted {
		return &nostrconnect.TransportError{Relays: relays, Err: errors.Join(errs...)}
	}
	return nil
}

func (p *Pool) Subscribe(
	ctx context.Context,
	relays []string,
	filter nostr.Filter,
	handle func(nostr.Event),
) (transport.Unsubscribe, error) {
	if len(relays) == 0 {
		return nil, &nostrconnect.TransportError{Err: fmt.Errorf("no relays")}
	}

	ctx, cancel := context.WithCancel(ctx)
	events := p.pool.SubscribeMany(ctx, relays, filter, nostr.WithLabel("nostrconnect"))

	go func() {
		for ie := range events {
			if ie.Event == nil {
				continue
			}
			handle(*ie.Event)
		}
	}()

	return transport.Unsubscribe(cancel), nil
}
