package storage

import (
	"bytes"
	"testing"
)

func TestPrefixDB_Namespaces(t *testing.T) {
	inner := NewMemory()
	relay := NewPrefixDB(inner, []byte("relay/"))
	net := NewPrefixDB(inner, []byte("net/"))

	relay.Put([]byte("state"), []byte("r"))
	net.Put([]byte("state"), []byte("n"))

	got, err := relay.Get([]byte("state"))
	if err != nil || !bytes.Equal(got, []byte("r")) {
		t.Errorf("relay Get() = %q, %v; want r", got, err)
	}
	got, err = net.Get([]byte("state"))
	if err != nil || !bytes.Equal(got, []byte("n")) {
		t.Errorf("net Get() = %q, %v; want n", got, err)
	}

	ok, _ := inner.Has([]byte("relay/state"))
	if !ok {
		t.Error("inner DB should hold the prefixed key")
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("net/"))
	db.Put([]byte("peer/a"), []byte("1"))
	db.Put([]byte("peer/b"), []byte("2"))
	inner.Put([]byte("peer/c"), []byte("outside"))

	var keys []string
	db.ForEach([]byte("peer/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if len(keys) != 2 || keys[0] != "peer/a" || keys[1] != "peer/b" {
		t.Errorf("ForEach keys = %v, want [peer/a peer/b]", keys)
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("net/"))
	db.Put([]byte("a"), []byte("1"))
	db.Put([]byte("b"), []byte("2"))
	inner.Put([]byte("keep"), []byte("3"))

	if err := db.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll() error: %v", err)
	}
	if ok, _ := db.Has([]byte("a")); ok {
		t.Error("namespaced key should be deleted")
	}
	if ok, _ := inner.Has([]byte("keep")); !ok {
		t.Error("key outside namespace should survive")
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
