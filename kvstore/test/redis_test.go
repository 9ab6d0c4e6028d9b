package test

import (
	"os"
	"testing"

	"github.com/blossomkit/nostrconnect/kvstore/redis"
	"github.com/stretchr/testify/require"
)

func TestRedisKV(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	kv, err := redis.NewStore(url, "nostrconnect-test:")
	require.NoError(t, err)
	defer kv.Close()

	runTestWith(t, kv)
}
