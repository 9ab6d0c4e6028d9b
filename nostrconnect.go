// Package nostrconnect holds the data model of the remote signer engine: sessions and the
// lifecycle they follow, the snapshots handed to consumers, permissions, connection URIs and the
// errors every layer reports.
//
// The moving parts live in subpackages: codec (wire envelopes), transport (relays), sessions
// (durable session store), engine (the protocol service), signer (the delegated nostr.Keyer) and
// sdk (the composition root).
package nostrconnect

import (
	"strconv"
	"strings"
)

// NIP-46 methods.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodNIP04Encrypt = "nip04_encrypt"
	MethodNIP04Decrypt = "nip04_decrypt"
	MethodNIP44Encrypt = "nip44_encrypt"
	MethodNIP44Decrypt = "nip44_decrypt"
	MethodPing         = "ping"
	MethodGetRelays    = "get_relays"
)

// Scheme is a payload encryption scheme, used both for the envelopes exchanged with the remote
// signer and for the delegated encrypt/decrypt capabilities.
type Scheme string

const (
	SchemeNIP44 Scheme = "nip44"
	SchemeNIP04 Scheme = "nip04"
)

func (s Scheme) Valid() bool { return s == SchemeNIP44 || s == SchemeNIP04 }

// EncryptMethod returns the capability name that encrypts with this scheme.
func (s Scheme) EncryptMethod() string {
	switch s {
	case SchemeNIP04:
		return MethodNIP04Encrypt
	case SchemeNIP44:
		return MethodNIP44Encrypt
	}
	return ""
}

// DecryptMethod returns the capability name that decrypts with this scheme.
func (s Scheme) DecryptMethod() string {
	switch s {
	case SchemeNIP04:
		return MethodNIP04Decrypt
	case SchemeNIP44:
		return MethodNIP44Decrypt
	}
	return ""
}

// Permissions is the capability set requested from a remote signer, in the NIP-46 "perms" form:
// a method name optionally followed by a colon and a parameter, like "sign_event:1".
//
// An empty set means nothing was requested explicitly and the remote signer decides on its own,
// so every capability is considered allowed locally.
type Permissions []string

// ParsePermissions reads the comma-separated "perms" form.
func ParsePermissions(s string) Permissions {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	perms := make(Permissions, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}

func (p Permissions) String() string { return strings.Join(p, ",") }

// Allows reports whether a call to method may be issued under this permission set. connect,
// get_public_key and ping are part of the protocol itself and are always allowed.
func (p Permissions) Allows(method string) bool {
	switch method {
	case MethodConnect, MethodGetPublicKey, MethodPing:
		return true
	}
	if len(p) == 0 {
		return true
	}
	for _, perm := range p {
		name, _, _ := strings.Cut(perm, ":")
		if name == method {
			return true
		}
	}
	return false
}

// AllowsKind reports whether an event of the given kind may be sent to sign_event.
func (p Permissions) AllowsKind(kind int) bool {
	if len(p) == 0 {
		return true
	}
	for _, perm := range p {
		name, param, hasParam := strings.Cut(perm, ":")
		if name != MethodSignEvent {
			continue
		}
		if !hasParam {
			return true
		}
		if k, err := strconv.Atoi(param); err == nil && k == kind {
			return true
		}
	}
	return false
}

// AppMetadata is the application identity shown to the remote signer during pairing.
type AppMetadata struct {
	Name        string   `json:"name"`
	URL         string   `json:"url,omitempty"`
	Description string   `json:"description,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}
