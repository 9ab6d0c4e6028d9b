package engine

import (
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/prometheus/client_golang/prometheus"
)

// DuplicatePolicy decides what happens when several sessions that are still being set up end up
// pointing at the same remote signer.
type DuplicatePolicy int

const (
	// KeepNewest revokes every non-active session for that remote signer except the newest one.
	KeepNewest DuplicatePolicy = iota
	// KeepAll leaves them all alone.
	KeepAll
)

type Options struct {
	// RequestTimeout bounds each round trip unless the caller's context expires first.
	RequestTimeout time.Duration

	// PairingTimeout moves an invitation that never got a reply to the error state.
	PairingTimeout time.Duration

	// SchemeOrder is the decode attempt list; its first entry is used for new sessions.
	SchemeOrder []nostrconnect.Scheme

	DuplicatePairing DuplicatePolicy

	// ManualConnect stops the service from sending connect as soon as a pairing reply arrives.
	ManualConnect bool

	// PublishAttempts is how many times a request is published before giving up on the relays.
	PublishAttempts int

	// Registerer receives the service's collectors. Nil means they are not registered anywhere.
	Registerer prometheus.Registerer

	// SkipSignatureCheck accepts inbound events without verifying them.
	SkipSignatureCheck bool

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout:   10 * time.Second,
		PairingTimeout:   2 * time.Minute,
		SchemeOrder:      []nostrconnect.Scheme{nostrconnect.SchemeNIP44, nostrconnect.SchemeNIP04},
		DuplicatePairing: KeepNewest,
		PublishAttempts:  2,
		Now:              time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = def.PairingTimeout
	}
	if len(o.SchemeOrder) == 0 {
		o.SchemeOrder = def.SchemeOrder
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = def.PublishAttempts
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}
