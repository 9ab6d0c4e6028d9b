package engine

import (
	"errors"
	"slices"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
	"github.com/nbd-wtf/go-nostr"
)

// HandleEvent is called by the transport for every event addressed to one of our client keys.
// It never fails: whatever can't be used is logged and dropped.
func (s *Service) HandleEvent(evt nostr.Event) {
	if s.checkAlive() != nil {
		return
	}

	recipient := codec.Recipient(&evt)
	if recipient == "" {
		s.metrics.inbound.WithLabelValues("dropped").Inc()
		return
	}

	var candidates []nostrconnect.Session
	for _, sess := range s.store.Snapshot().Sessions {
		if sess.ClientPublicKey != recipient || sess.Status == nostrconnect.StatusRevoked {
			continue
		}
		if sess.RemoteSignerPubkey != "" && sess.RemoteSignerPubkey != evt.PubKey {
			continue
		}
		if s.isRevoked(sess.ID) {
			continue
		}
		candidates = append(candidates, sess)
	}
	if len(candidates) == 0 {
		s.metrics.inbound.WithLabelValues("dropped").Inc()
		return
	}

	// every candidate shares the same client key, so one successful decode is enough
	var (
		env    codec.Envelope
		scheme nostrconnect.Scheme
		err    error
	)
	for _, sess := range candidates {
		var sc codec.SessionContext
		if sc, err = s.sessionContext(sess); err != nil {
			continue
		}
		sc.Peer = ""
		if env, scheme, err = s.codec.Decode(&evt, sc); err == nil {
			break
		}
	}
	if err != nil {
		nostrconnect.DebugLogger.Printf("dropping %s from %s: %s", evt.ID, evt.PubKey, err)
		s.metrics.inbound.WithLabelValues("undecodable").Inc()
		return
	}
	if env.IsRequest() {
		nostrconnect.DebugLogger.Printf("ignoring %s request %s from %s", env.Method, env.ID, evt.PubKey)
		s.metrics.inbound.WithLabelValues("dropped").Inc()
		return
	}

	if s.settled.Size() > 512 {
		s.forgetSettled()
	}

	s.metrics.inbound.WithLabelValues(s.handleResponse(candidates, evt.PubKey, env, scheme)).Inc()
}

func (s *Service) handleResponse(candidates []nostrconnect.Session, sender string, env codec.Envelope, scheme nostrconnect.Scheme) string {
	if env.IsAuthChallenge() {
		p, ok := s.pending.Load(env.ID)
		if !ok {
			return "dropped"
		}
		nostrconnect.InfoLogger.Printf("remote signer wants the user to visit %s before answering %s", env.Error, p.method)
		if _, err := s.update(p.sessionID, func(sess *nostrconnect.Session) error {
			if sess.AuthChallengeURL == env.Error {
				return errNoChange
			}
			sess.AuthChallengeURL = env.Error
			sess.Touch(s.opts.Now())
			return nil
		}); err != nil && !errors.Is(err, errNoChange) {
			nostrconnect.DebugLogger.Printf("failed to record auth challenge: %s", err)
		}
		return "auth_challenge"
	}

	// only the remote signer a request went to may answer it
	if p, ok := s.pending.Load(env.ID); ok && !slices.ContainsFunc(candidates, func(sess nostrconnect.Session) bool {
		return sess.ID == p.sessionID
	}) {
		nostrconnect.DebugLogger.Printf("%s answered %s which belongs to another session", sender, env.ID)
		return "dropped"
	}
	if s.settle(env.ID, reply{env: env, scheme: scheme}) {
		return "resolved"
	}
	if _, ok := s.settled.Load(env.ID); ok {
		return "duplicate"
	}

	if s.handlePairingReply(candidates, sender, env, scheme) {
		s.settled.Store(env.ID, s.opts.Now())
		return "pairing"
	}
	return "dropped"
}
