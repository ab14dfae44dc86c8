package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-icp/internal/storage"
)

const (
	peerKeyPrefix     = "peer/"
	maxPersistedPeers = 500
)

// PeerRecord is a peer added at runtime through the admin interface. It
// is pursued again after a restart.
type PeerRecord struct {
	Host    string `json:"host"`
	AddedAt int64  `json:"added_at"` // unix seconds
}

// PeerStore persists runtime peers under the "peer/" prefix.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a PeerStore backed by db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(host string) []byte {
	return []byte(peerKeyPrefix + host)
}

// Add persists host. Adding a host twice keeps the first record. New
// hosts beyond maxPersistedPeers are refused.
func (ps *PeerStore) Add(host string, now time.Time) error {
	key := peerKey(host)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if exists {
		return nil
	}
	count, err := ps.Count()
	if err != nil {
		return err
	}
	if count >= maxPersistedPeers {
		return fmt.Errorf("peer store full (%d peers)", maxPersistedPeers)
	}
	return storage.PutJSON(ps.db, key, &PeerRecord{Host: host, AddedAt: now.Unix()})
}

// Remove deletes host. Missing hosts are not an error.
func (ps *PeerStore) Remove(host string) error {
	err := ps.db.Delete(peerKey(host))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// LoadAll returns every persisted peer, ordered by host.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.Host == "" {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Host < records[j].Host })
	return records, nil
}

// Count returns the number of persisted peers.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}
