package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blossomkit/nostrconnect"
)

// edgeChecker watches every snapshot the store publishes and fails on any status change that
// isn't a legal lifecycle edge.
type edgeChecker struct {
	mu      sync.Mutex
	last    map[string]nostrconnect.Status
	revoked map[string]bool
	bad     []string
}

func watchEdges(h *harness) *edgeChecker {
	ec := &edgeChecker{last: make(map[string]nostrconnect.Status), revoked: make(map[string]bool)}
	h.store.OnChange(ec.observe)
	return ec
}

func (ec *edgeChecker) observe(snap nostrconnect.Snapshot) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, sess := range snap.Sessions {
		if ec.revoked[sess.ID] {
			ec.bad = append(ec.bad, sess.ID+" came back after being revoked")
		}
		if prev, ok := ec.last[sess.ID]; ok && !prev.CanTransition(sess.Status) {
			ec.bad = append(ec.bad, string(prev)+" -> "+string(sess.Status))
		}
		ec.last[sess.ID] = sess.Status
		if sess.Status == nostrconnect.StatusRevoked {
			ec.revoked[sess.ID] = true
		}
	}
	for id := range ec.last {
		found := false
		for _, sess := range snap.Sessions {
			if sess.ID == id {
				found = true
				break
			}
		}
		if !found {
			ec.revoked[id] = true
			delete(ec.last, id)
		}
	}
}

func (ec *edgeChecker) violations() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]string(nil), ec.bad...)
}

func FuzzSessionTransitions(f *testing.F) {
	f.Add([]byte{0, 1, 2, 4, 3})
	f.Add([]byte{0, 0, 1, 1, 5, 2, 4})
	f.Add([]byte{6, 0, 1, 3, 2, 4, 0, 1})

	f.Fuzz(func(t *testing.T, ops []byte) {
		if len(ops) > 12 {
			ops = ops[:12]
		}
		opts := manual()
		opts.RequestTimeout = 200 * time.Millisecond
		opts.PairingTimeout = 30 * time.Millisecond
		h := newHarness(t, opts)
		ec := watchEdges(h)
		ctx := context.Background()

		var invitations []Invitation
		pick := func(b byte) string {
			snap := h.store.Snapshot()
			if len(snap.Sessions) == 0 {
				return "missing"
			}
			return snap.Sessions[int(b)%len(snap.Sessions)].ID
		}

		for i, op := range ops {
			arg := byte(i)
			switch op % 7 {
			case 0:
				inv, err := h.svc.CreateInvitation(ctx, InvitationOptions{Relays: testRelays})
				if err == nil {
					invitations = append(invitations, inv)
				}
			case 1:
				if len(invitations) > 0 {
					_ = h.remote.AcceptInvitation(ctx, invitations[len(invitations)-1].URI)
					h.hub.Wait()
				}
			case 2:
				_ = h.svc.ConnectSession(ctx, pick(arg))
			case 3:
				_ = h.svc.RevokeSession(ctx, pick(arg))
			case 4:
				_, _ = h.svc.Call(ctx, pick(arg), nostrconnect.MethodPing)
			case 5:
				time.Sleep(40 * time.Millisecond)
			case 6:
				h.hub.Wait()
				h.remote.Silent = map[string]bool{nostrconnect.MethodConnect: arg%2 == 0}
			}
		}
		h.hub.Wait()

		if bad := ec.violations(); len(bad) > 0 {
			t.Fatalf("illegal transitions: %v", bad)
		}
		for _, sess := range h.store.Snapshot().Sessions {
			if err := sess.Validate(); err != nil {
				t.Fatalf("invalid session in store: %s", err)
			}
		}
	})
}
