package sessions

import (
	"fmt"

	"github.com/blossomkit/nostrconnect"
	"github.com/tidwall/gjson"
)

type loaded struct {
	sessions    []nostrconnect.Session
	active      string
	quarantined []string

	// set when what we loaded differs from what is stored and should be written back
	dirty bool
}

// decodeDocument reads both the versioned document and the bare array older releases wrote.
// Records that can't be repaired are set aside instead of failing the whole load.
func decodeDocument(raw []byte) (loaded, error) {
	var l loaded
	if len(raw) == 0 {
		return l, nil
	}
	if !gjson.ValidBytes(raw) {
		l.quarantined = append(l.quarantined, string(raw))
		l.dirty = true
		return l, nil
	}

	doc := gjson.ParseBytes(raw)
	var records gjson.Result
	switch {
	case doc.IsArray():
		records = doc
		l.dirty = true
	case doc.IsObject():
		records = doc.Get("sessions")
		l.active = doc.Get("active").String()
		switch v := doc.Get("version").Int(); {
		case v > documentVersion:
			// written by a newer release: read what we understand and leave the document alone
			nostrconnect.InfoLogger.Printf("sessions document version %d is newer than %d, ignoring unknown fields", v, documentVersion)
		case v < documentVersion:
			l.dirty = true
		}
	default:
		l.quarantined = append(l.quarantined, string(raw))
		l.dirty = true
		return l, nil
	}

	byID := make(map[string]int)
	records.ForEach(func(_, rec gjson.Result) bool {
		sess, changed, err := decodeSession(rec)
		if err != nil {
			nostrconnect.DebugLogger.Printf("dropping session record: %s", err)
			l.quarantined = append(l.quarantined, rec.Raw)
			l.dirty = true
			return true
		}
		if changed {
			l.dirty = true
		}
		if i, ok := byID[sess.ID]; ok {
			l.dirty = true
			if l.sessions[i].UpdatedAt >= sess.UpdatedAt {
				return true
			}
			l.sessions[i] = sess
			return true
		}
		byID[sess.ID] = len(l.sessions)
		l.sessions = append(l.sessions, sess)
		return true
	})

	return l, nil
}

func decodeSession(rec gjson.Result) (sess nostrconnect.Session, changed bool, err error) {
	if !rec.IsObject() {
		return sess, false, fmt.Errorf("record is not an object")
	}
	if err := json.Unmarshal([]byte(rec.Raw), &sess); err != nil {
		return sess, false, err
	}

	// older records
	if sess.Secret == "" {
		if v := rec.Get("secret"); v.Exists() {
			sess.Secret = v.String()
			changed = true
		}
	}
	if sess.Algorithm == "" {
		sess.Algorithm = nostrconnect.SchemeNIP44
		changed = true
	}
	if sess.Origin == "" {
		sess.Origin = nostrconnect.OriginInvitation
		changed = true
	}
	if sess.Status == "" {
		sess.Status = nostrconnect.StatusPairing
		changed = true
	}
	if relays := nostrconnect.NormalizeRelays(sess.Relays); len(relays) != len(sess.Relays) {
		sess.Relays = relays
		changed = true
	} else {
		sess.Relays = relays
	}
	if sess.UpdatedAt < sess.CreatedAt {
		sess.UpdatedAt = sess.CreatedAt
		changed = true
	}
	// a session can't claim to be usable without a signer to talk to
	if (sess.Status == nostrconnect.StatusActive || sess.Status == nostrconnect.StatusConnecting) && sess.RemoteSignerPubkey == "" {
		sess.Status = nostrconnect.StatusPairing
		changed = true
	}

	if err := sess.Validate(); err != nil {
		return sess, changed, fmt.Errorf("session %q: %w", sess.ID, err)
	}
	return sess, changed, nil
}
