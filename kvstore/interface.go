// Package kvstore is the byte-oriented persistence seam the session store writes through. Values
// are opaque to the backends.
package kvstore

import "errors"

var (
	// NoOp can be returned from an Update callback to leave the stored value untouched.
	NoOp = errors.New("kvstore: no-op update")

	ErrClosed = errors.New("kvstore: store is closed")
)

// KVStore is a simple key-value store interface
type KVStore interface {
	// Get retrieves a value for a given key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Set stores a value for a given key
	Set(key []byte, value []byte) error

	// Delete removes a key and its value. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Update atomically replaces the value under key with whatever f returns. f receives nil when
	// the key is missing; returning nil deletes the key and returning NoOp keeps it as it is.
	Update(key []byte, f func([]byte) ([]byte, error)) error

	// Close releases any resources held by the store
	Close() error
}
