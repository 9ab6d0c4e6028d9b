package test

import (
	"errors"
	"testing"

	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/stretchr/testify/require"
)

func runTestWith(t *testing.T, kv kvstore.KVStore) {
	key := []byte("nostrconnect:sessions")
	other := []byte("nostrconnect:other")

	v, err := kv.Get(key)
	require.NoError(t, err)
	require.Nil(t, v, "missing keys read as nil")

	require.NoError(t, kv.Set(key, []byte(`{"version":1}`)))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":1}`, string(v))

	// the returned slice is ours to modify
	v[0] = 'X'
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":1}`, string(v))

	require.NoError(t, kv.Set(key, []byte(`{"version":2}`)))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":2}`, string(v))

	// update sees the current value
	require.NoError(t, kv.Update(key, func(cur []byte) ([]byte, error) {
		require.Equal(t, `{"version":2}`, string(cur))
		return []byte(`{"version":3}`), nil
	}))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":3}`, string(v))

	// NoOp keeps it
	require.NoError(t, kv.Update(key, func(cur []byte) ([]byte, error) {
		return []byte("ignored"), kvstore.NoOp
	}))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":3}`, string(v))

	// errors abort the update
	boom := errors.New("boom")
	require.ErrorIs(t, kv.Update(key, func(cur []byte) ([]byte, error) {
		return []byte("ignored"), boom
	}), boom)
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"version":3}`, string(v))

	// update on a missing key gets nil and can create it
	require.NoError(t, kv.Update(other, func(cur []byte) ([]byte, error) {
		require.Nil(t, cur)
		return []byte("created"), nil
	}))
	v, err = kv.Get(other)
	require.NoError(t, err)
	require.Equal(t, "created", string(v))

	// returning nil deletes
	require.NoError(t, kv.Update(other, func(cur []byte) ([]byte, error) { return nil, nil }))
	v, err = kv.Get(other)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, kv.Delete(key))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, kv.Delete(key), "deleting twice is fine")
}
