package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-icp/internal/storage"
)

const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry for one remote IP.
type BanRecord struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`  // unix seconds
	ExpiresAt int64  `json:"expires_at"` // unix seconds, 0 = permanent
}

// ExpiredAt reports whether the ban has lapsed at now.
func (r *BanRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records under the "ban/" prefix.
type BanStore struct {
	db storage.DB
}

// NewBanStore creates a BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(ip string) []byte {
	return []byte(banKeyPrefix + ip)
}

// Get returns the ban record for ip.
func (bs *BanStore) Get(ip string) (*BanRecord, error) {
	var rec BanRecord
	if err := storage.GetJSON(bs.db, banKey(ip), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put persists rec.
func (bs *BanStore) Put(rec *BanRecord) error {
	return storage.PutJSON(bs.db, banKey(rec.IP), rec)
}

// Delete removes the record for ip. Missing records are not an error.
func (bs *BanStore) Delete(ip string) error {
	err := bs.db.Delete(banKey(ip))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Load returns every decodable record.
func (bs *BanStore) Load() ([]BanRecord, error) {
	var out []BanRecord
	err := bs.db.ForEach([]byte(banKeyPrefix), func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	return out, nil
}

// PruneExpired removes records that have lapsed at now, and corrupt ones.
// It returns the number removed.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	var stale [][]byte
	err := bs.db.ForEach([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.ExpiredAt(now) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	for _, k := range stale {
		if err := bs.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete expired ban: %w", err)
		}
	}
	return len(stale), nil
}
