package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/codec"
)

type pendingRequest struct {
	id        string
	sessionID string
	method    string
	createdAt time.Time
	attempt   int

	// buffered, written at most once by whoever removes the entry from the pending map
	ch chan reply
}

type reply struct {
	env    codec.Envelope
	scheme nostrconnect.Scheme
	err    error
}

// roundTrip publishes one request to the session's relays and waits for the correlated reply.
// It returns the result, the scheme the reply was encrypted with, and the error if any.
func (s *Service) roundTrip(ctx context.Context, sess nostrconnect.Session, method string, params ...string) (string, nostrconnect.Scheme, error) {
	start := time.Now()
	result, scheme, err := s.doRoundTrip(ctx, sess, method, params)
	s.metrics.requests.WithLabelValues(method, outcome(err)).Inc()
	if err == nil {
		s.metrics.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	return result, scheme, err
}

func (s *Service) doRoundTrip(ctx context.Context, sess nostrconnect.Session, method string, params []string) (string, nostrconnect.Scheme, error) {
	if err := s.checkAlive(); err != nil {
		return "", "", err
	}
	sc, err := s.sessionContext(sess)
	if err != nil {
		if alive := s.checkAlive(); alive != nil {
			return "", "", alive
		}
		return "", "", err
	}

	p := &pendingRequest{
		id:        s.nextID(),
		sessionID: sess.ID,
		method:    method,
		createdAt: s.opts.Now(),
		ch:        make(chan reply, 1),
	}

	evt, err := s.codec.Encode(codec.Envelope{ID: p.id, Method: method, Params: params}, sc)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.RequestTimeout, nostrconnect.ErrTimeout)
	defer cancel()

	// registered before publishing so a fast reply can't be missed
	s.pending.Store(p.id, p)
	if err := s.checkAlive(); err != nil {
		s.pending.Delete(p.id)
		return "", "", err
	}
	if s.isRevoked(sess.ID) {
		s.pending.Delete(p.id)
		return "", "", fmt.Errorf("%w: %s", nostrconnect.ErrSessionRevoked, sess.ID)
	}

	for p.attempt = 1; ; p.attempt++ {
		err = s.transport.Publish(ctx, sess.Relays, evt)
		if err == nil || p.attempt >= s.opts.PublishAttempts || ctx.Err() != nil {
			break
		}
		nostrconnect.DebugLogger.Printf("publishing %s %s failed (attempt %d): %s", method, p.id, p.attempt, err)
	}
	if err != nil {
		s.pending.Delete(p.id)
		// the request may have been settled while we were publishing
		select {
		case r := <-p.ch:
			return unwrap(method, r)
		default:
		}
		if ctx.Err() != nil {
			return "", "", s.contextError(ctx, method)
		}
		return "", "", err
	}

	select {
	case r := <-p.ch:
		return unwrap(method, r)
	case <-ctx.Done():
		s.pending.Delete(p.id)
		select {
		case r := <-p.ch:
			return unwrap(method, r)
		default:
		}
		return "", "", s.contextError(ctx, method)
	}
}

func (s *Service) contextError(ctx context.Context, method string) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, nostrconnect.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: no reply to %s", nostrconnect.ErrTimeout, method)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// a deadline with a custom cause
		return fmt.Errorf("%w: no reply to %s: %w", nostrconnect.ErrTimeout, method, cause)
	}
	return cause
}

func unwrap(method string, r reply) (string, nostrconnect.Scheme, error) {
	if r.err != nil {
		return "", "", r.err
	}
	if r.env.Error != "" {
		return "", r.scheme, &nostrconnect.RemoteError{Method: method, Message: r.env.Error}
	}
	return r.env.Result, r.scheme, nil
}

// settle hands r to the request waiting on id. Only the first caller for a given id gets through;
// it reports whether it was that caller.
func (s *Service) settle(id string, r reply) bool {
	p, ok := s.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	s.settled.Store(id, s.opts.Now())
	p.ch <- r
	return true
}

func (s *Service) rejectPending(match func(*pendingRequest) bool, err error) {
	s.pending.Range(func(id string, p *pendingRequest) bool {
		if match(p) {
			s.settle(id, reply{err: err})
		}
		return true
	})
}

// forgetSettled trims the record of recently answered ids used to tell duplicates apart.
func (s *Service) forgetSettled() {
	cutoff := s.opts.Now().Add(-2 * s.opts.RequestTimeout)
	s.settled.Range(func(id string, at time.Time) bool {
		if at.Before(cutoff) {
			s.settled.Delete(id)
		}
		return true
	})
}
