package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-icp/internal/storage"
)

func TestPeerStore_AddLoadRemove(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	now := time.Unix(1_700_000_000, 0)

	for _, h := range []string{"10.0.0.2:8899", "10.0.0.1:8899", "10.0.0.2:8899"} {
		if err := ps.Add(h, now); err != nil {
			t.Fatalf("Add(%s): %v", h, err)
		}
	}

	recs, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("LoadAll returned %d records, want 2", len(recs))
	}
	if recs[0].Host != "10.0.0.1:8899" || recs[0].AddedAt != now.Unix() {
		t.Errorf("first record = %+v", recs[0])
	}

	if err := ps.Remove("10.0.0.1:8899"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := ps.Remove("10.0.0.1:8899"); err != nil {
		t.Errorf("Remove of missing host error: %v", err)
	}
	if n, _ := ps.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestPeerStore_SkipsCorrupt(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)
	db.Put([]byte(peerKeyPrefix+"bad"), []byte("garbage"))
	ps.Add("host:1", time.Now())

	recs, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("LoadAll returned %d records, want 1", len(recs))
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	now := time.Now()
	for i := 0; i < maxPersistedPeers; i++ {
		if err := ps.Add(fmt.Sprintf("10.0.%d.%d:8899", i/256, i%256), now); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if err := ps.Add("overflow:1", now); err == nil {
		t.Error("Add beyond capacity should fail")
	}
}
