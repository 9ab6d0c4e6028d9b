// Package loopback is an in-process transport.Transport: every relay is simulated by the same
// hub and published events are handed straight to matching subscribers. It is what the tests and
// the CLI's local demo run on.
package loopback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/transport"
	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

var _ transport.Transport = (*Hub)(nil)

type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	serial uint64

	published []nostr.Event

	// Duplicate is how many extra copies of every event each subscriber gets per relay.
	Duplicate int

	// Shuffle delivers every copy from its own goroutine after a small random delay, so
	// subscribers see them in arbitrary order.
	Shuffle bool

	// Drop, when set, is asked for every delivery; returning true loses it.
	Drop func(evt nostr.Event) bool

	failPublish atomic.Bool
	wg          sync.WaitGroup
}

type subscription struct {
	relays map[string]struct{}
	filter nostr.Filter
	handle func(nostr.Event)
	closed atomic.Bool
}

func New() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// FailPublish makes every Publish call fail until it is turned off again.
func (h *Hub) FailPublish(fail bool) { h.failPublish.Store(fail) }

func (h *Hub) Publish(ctx context.Context, relays []string, evt nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	relays = nostrconnect.NormalizeRelays(relays)
	if h.failPublish.Load() || len(relays) == 0 {
		return &nostrconnect.TransportError{Relays: relays, Err: fmt.Errorf("loopback publish refused")}
	}

	h.mu.Lock()
	h.published = append(h.published, evt)
	targets := make([]*subscription, 0, len(h.subs))
	counts := make([]int, 0, len(h.subs))
	for _, sub := range h.subs {
		n := 0
		for _, r := range relays {
			if _, ok := sub.relays[r]; ok {
				n++
			}
		}
		if n > 0 && sub.filter.Matches(&evt) {
			targets = append(targets, sub)
			counts = append(counts, n*(1+h.Duplicate))
		}
	}
	h.mu.Unlock()

	for i, sub := range targets {
		h.deliver(sub, evt, counts[i])
	}
	return nil
}

// Inject hands evt to every matching subscriber as if some relay had sent it, without
// recording it as published.
func (h *Hub) Inject(evt nostr.Event) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Matches(&evt) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, evt, 1)
	}
}

func (h *Hub) deliver(sub *subscription, evt nostr.Event, copies int) {
	if h.Shuffle {
		for range copies {
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				time.Sleep(time.Duration(frand.Intn(2000)) * time.Microsecond)
				h.handle(sub, evt)
			}()
		}
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for range copies {
			h.handle(sub, evt)
		}
	}()
}

func (h *Hub) handle(sub *subscription, evt nostr.Event) {
	if sub.closed.Load() {
		return
	}
	if h.Drop != nil && h.Drop(evt) {
		return
	}
	sub.handle(evt)
}

func (h *Hub) Subscribe(
	ctx context.Context,
	relays []string,
	filter nostr.Filter,
	handle func(nostr.Event),
) (transport.Unsubscribe, error) {
	relays = nostrconnect.NormalizeRelays(relays)
	if len(relays) == 0 {
		return nil, &nostrconnect.TransportError{Err: fmt.Errorf("no relays")}
	}

	sub := &subscription{
		relays: make(map[string]struct{}, len(relays)),
		filter: filter,
		handle: handle,
	}
	for _, r := range relays {
		sub.relays[r] = struct{}{}
	}

	h.mu.Lock()
	h.serial++
	id := h.serial
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sub.closed.Store(true)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, unsub)
	return unsub, nil
}

// Published returns a copy of every event accepted so far.
func (h *Hub) Published() []nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.published)
}

// PublishCount is len(Published()) without the copy.
func (h *Hub) PublishCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.published)
}

// Subscriptions is the number of live subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Wait blocks until every delivery started so far has been handled.
func (h *Hub) Wait() { h.wg.Wait() }
