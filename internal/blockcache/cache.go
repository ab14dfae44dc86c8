// Package blockcache holds remote blocks received from peers until the
// relay has consumed them.
package blockcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
)

// ErrConflict is the parent of every rejected insertion.
var ErrConflict = errors.New("block cache conflict")

// Insertion rejections.
var (
	ErrDuplicate = fmt.Errorf("%w: duplicate block", ErrConflict)
	ErrStale     = fmt.Errorf("%w: stale block", ErrConflict)
)

const btreeDegree = 16

func lessBlock(a, b *block.Block) bool { return a.Num < b.Num }

// Cache is an ordered, deduplicated set of blocks keyed by number.
//
// A block is accepted only if its number is above both the highest number
// currently stored and the eviction floor, so the cache only ever grows
// upward and never re-admits a block the consumer has already released.
type Cache struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[*block.Block]
	floor  uint64 // highest number removed by RemoveThrough
	logger zerolog.Logger
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		tree:   btree.NewG(btreeDegree, lessBlock),
		logger: klog.WithComponent(klog.ComponentCache),
	}
}

func key(n uint64) *block.Block { return &block.Block{Num: n} }

// Insert adds b. Duplicates return ErrDuplicate and blocks at or below the
// current maximum or the floor return ErrStale. Both wrap ErrConflict.
func (c *Cache) Insert(b *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tree.Get(key(b.Num)); ok {
		c.logger.Debug().Uint64("num", b.Num).Msg("Duplicate block dropped")
		metrics.CacheRejections.Inc()
		return fmt.Errorf("block %d: %w", b.Num, ErrDuplicate)
	}
	if b.Num <= c.floor {
		c.logger.Debug().Uint64("num", b.Num).Uint64("floor", c.floor).Msg("Stale block dropped")
		metrics.CacheRejections.Inc()
		return fmt.Errorf("block %d at or below floor %d: %w", b.Num, c.floor, ErrStale)
	}
	if max, ok := c.tree.Max(); ok && b.Num <= max.Num {
		c.logger.Debug().Uint64("num", b.Num).Uint64("max", max.Num).Msg("Stale block dropped")
		metrics.CacheRejections.Inc()
		return fmt.Errorf("block %d at or below max %d: %w", b.Num, max.Num, ErrStale)
	}
	c.tree.ReplaceOrInsert(b)
	metrics.CacheBlocks.Set(float64(c.tree.Len()))
	return nil
}

// Has reports whether block n is stored.
func (c *Cache) Has(n uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Has(key(n))
}

// Get returns block n.
func (c *Cache) Get(n uint64) (*block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Get(key(n))
}

// Range returns the stored blocks with from <= num < to, ascending.
func (c *Cache) Range(from, to uint64) []*block.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*block.Block
	c.tree.AscendRange(key(from), key(to), func(b *block.Block) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Numbers returns every stored number, ascending.
func (c *Cache) Numbers() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, 0, c.tree.Len())
	c.tree.Ascend(func(b *block.Block) bool {
		out = append(out, b.Num)
		return true
	})
	return out
}

// Len returns the number of stored blocks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// Max returns the highest stored number, or 0 when empty.
func (c *Cache) Max() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.tree.Max(); ok {
		return b.Num
	}
	return 0
}

// Floor returns the highest number released with RemoveThrough.
func (c *Cache) Floor() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.floor
}

// ContiguousFrom returns the highest n such that every block in
// [start, n] is stored, or start-1 if start itself is missing.
func (c *Cache) ContiguousFrom(start uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last := start - 1
	c.tree.AscendGreaterOrEqual(key(start), func(b *block.Block) bool {
		if b.Num != last+1 {
			return false
		}
		last = b.Num
		return true
	})
	return last
}

// Remove deletes block n. It does not move the floor.
func (c *Cache) Remove(n uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tree.Delete(key(n))
	metrics.CacheBlocks.Set(float64(c.tree.Len()))
	return ok
}

// RemoveThrough deletes every block numbered n or lower and raises the
// floor to n. It returns the number of blocks removed.
func (c *Cache) RemoveThrough(n uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for {
		min, ok := c.tree.Min()
		if !ok || min.Num > n {
			break
		}
		c.tree.DeleteMin()
		removed++
	}
	metrics.CacheBlocks.Set(float64(c.tree.Len()))
	if n > c.floor {
		c.floor = n
	}
	return removed
}

// RemoveAbove deletes every block numbered above n. The sync manager uses
// it to drop blocks past a gap so the gap can be refetched.
func (c *Cache) RemoveAbove(n uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for {
		max, ok := c.tree.Max()
		if !ok || max.Num <= n {
			break
		}
		c.tree.DeleteMax()
		removed++
	}
	metrics.CacheBlocks.Set(float64(c.tree.Len()))
	return removed
}
