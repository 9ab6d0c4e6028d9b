package test

import (
	"os"
	"testing"

	"github.com/blossomkit/nostrconnect/kvstore/badger"
)

func TestBadgerKV(t *testing.T) {
	path := "/tmp/tmpnostrconnectbadger"
	os.RemoveAll(path)

	kv, err := badger.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	runTestWith(t, kv)
}
