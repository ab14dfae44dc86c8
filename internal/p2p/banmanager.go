package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which an IP gets banned.
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyBadFrame      = 20  // Undecodable or oversized frame.
	PenaltyBadBlock      = 50  // Block that fails validation.
	PenaltyHandshakeFail = 100 // Wrong chain or failed authentication.
)

// BanManager tracks offense scores per remote IP and manages bans.
type BanManager struct {
	mu     sync.RWMutex
	scores map[string]int
	bans   map[string]*BanRecord
	store  *BanStore // nil disables persistence
	clock  clock.Clock
	logger zerolog.Logger

	onBan func(ip string)
}

// NewBanManager creates a BanManager. store may be nil.
func NewBanManager(store *BanStore, clk clock.Clock) *BanManager {
	if clk == nil {
		clk = clock.New()
	}
	return &BanManager{
		scores: make(map[string]int),
		bans:   make(map[string]*BanRecord),
		store:  store,
		clock:  clk,
		logger: klog.WithComponent(klog.ComponentNet),
	}
}

// SetBanHandler registers fn to be called, on its own goroutine, when an
// IP becomes banned.
func (bm *BanManager) SetBanHandler(fn func(ip string)) {
	bm.mu.Lock()
	bm.onBan = fn
	bm.mu.Unlock()
}

// LoadBans restores persisted, unexpired bans.
func (bm *BanManager) LoadBans() error {
	if bm.store == nil {
		return nil
	}
	now := bm.clock.Now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		return err
	}
	recs, err := bm.store.Load()
	if err != nil {
		return err
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range recs {
		if !recs[i].ExpiredAt(now) {
			bm.bans[recs[i].IP] = &recs[i]
		}
	}
	return nil
}

// RecordOffense adds penalty to ip's score and bans it at BanThreshold.
func (bm *BanManager) RecordOffense(ip string, penalty int, reason string) {
	bm.mu.Lock()
	if rec, ok := bm.bans[ip]; ok && !rec.ExpiredAt(bm.clock.Now()) {
		bm.mu.Unlock()
		return
	}
	bm.scores[ip] += penalty
	if bm.scores[ip] < BanThreshold {
		bm.mu.Unlock()
		return
	}

	now := bm.clock.Now()
	rec := &BanRecord{
		IP:        ip,
		Reason:    reason,
		Score:     bm.scores[ip],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[ip] = rec
	delete(bm.scores, ip)
	onBan := bm.onBan
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			bm.logger.Warn().Err(err).Str("ip", ip).Msg("Failed to persist ban")
		}
	}
	bm.logger.Warn().Str("ip", ip).Str("reason", reason).Int("score", rec.Score).Msg("Peer banned")
	if onBan != nil {
		go onBan(ip)
	}
}

// Score returns ip's current offense score.
func (bm *BanManager) Score(ip string) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[ip]
}

// IsBanned reports whether ip is currently banned. Lapsed bans are
// dropped on lookup.
func (bm *BanManager) IsBanned(ip string) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[ip]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if rec.ExpiredAt(bm.clock.Now()) {
		bm.Unban(ip)
		return false
	}
	return true
}

// Unban removes a ban and resets the score.
func (bm *BanManager) Unban(ip string) {
	bm.mu.Lock()
	delete(bm.bans, ip)
	delete(bm.scores, ip)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(ip)
	}
}

// BanList returns the active bans sorted by IP.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.clock.Now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.ExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IP < list[j].IP })
	return list
}

// PruneExpired drops lapsed bans from memory and the store.
func (bm *BanManager) PruneExpired() {
	now := bm.clock.Now()
	bm.mu.Lock()
	for ip, rec := range bm.bans {
		if rec.ExpiredAt(now) {
			delete(bm.bans, ip)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired(now)
	}
}
