package test

import (
	"testing"

	"github.com/blossomkit/nostrconnect/kvstore/memory"
)

func TestMemoryKV(t *testing.T) {
	kv := memory.NewStore()
	defer kv.Close()

	runTestWith(t, kv)
}
