package test

import (
	"path/filepath"
	"testing"

	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/blossomkit/nostrconnect/kvstore/lmdb"
	"github.com/stretchr/testify/require"
)

func TestLMDBKV(t *testing.T) {
	kv, err := lmdb.NewStore(filepath.Join(t.TempDir(), "lmdb"))
	require.NoError(t, err)
	defer kv.Close()

	runTestWith(t, kv)
}

func TestLMDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lmdb")
	kv, err := lmdb.NewStore(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set([]byte("k"), []byte("kept")))
	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	_, err = kv.Get([]byte("k"))
	require.ErrorIs(t, err, kvstore.ErrClosed)

	kv, err = lmdb.NewStore(path)
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "kept", string(v))
}
