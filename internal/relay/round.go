package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Local contract actions.
var (
	ActionAddBlocks = types.MustName("addblocks")
	ActionAddNode   = types.MustName("addnode")
)

// ContractABI is the interface the local contract exposes for the two
// actions above.
const ContractABI = `{
	"version": "icp::abi/1.0",
	"structs": [
		{"name": "relay_block", "base": "", "fields": [
			{"name": "num", "type": "uint64"},
			{"name": "id", "type": "checksum256"},
			{"name": "previous", "type": "checksum256"},
			{"name": "timestamp", "type": "int64"},
			{"name": "producer", "type": "name"},
			{"name": "payload", "type": "bytes"}
		]},
		{"name": "addblocks", "base": "", "fields": [
			{"name": "relay", "type": "name"},
			{"name": "blocks", "type": "relay_block[]"}
		]},
		{"name": "addnode", "base": "", "fields": [
			{"name": "nodeid", "type": "uint64"},
			{"name": "blockno", "type": "uint64"}
		]}
	],
	"actions": [
		{"name": "addblocks", "type": "addblocks"},
		{"name": "addnode", "type": "addnode"}
	]
}`

// relayBlock is one element of the addblocks argument.
type relayBlock struct {
	Num       uint64         `json:"num"`
	ID        types.Hash     `json:"id"`
	Previous  types.Hash     `json:"previous"`
	Timestamp int64          `json:"timestamp"`
	Producer  types.Name     `json:"producer"`
	Payload   types.HexBytes `json:"payload"`
}

type addBlocksArgs struct {
	Relay  types.Name   `json:"relay"`
	Blocks []relayBlock `json:"blocks"`
}

type addNodeArgs struct {
	NodeID  uint64 `json:"nodeid"`
	BlockNo uint64 `json:"blockno"`
}

// round runs one pass of the relay loop: push new local irreversible
// blocks, give the sync manager a chance to request, then move cached
// remote blocks toward the local contract.
func (r *Relay) round(ctx context.Context) {
	r.pushLocal(ctx)
	r.sync.Opportunity()
	r.consume()
}

// pushLocal sends local irreversible blocks above the send pointer to
// every connected peer.
func (r *Relay) pushLocal(ctx context.Context) {
	lib := r.lib.Load()
	r.mu.Lock()
	from := r.state.SendPointer + 1
	r.mu.Unlock()
	if from > lib {
		return
	}

	peers := r.net.Connected()
	if len(peers) == 0 {
		// Nobody to push to. Peers that connect later sync from us.
		r.setSendPointer(lib)
		return
	}

	to := min(lib, from+uint64(r.cfg.MaxSendBlocks)-1)
	last := from - 1
	for n := from; n <= to; n++ {
		fctx, cancel := context.WithTimeout(ctx, waitTimeout)
		b, err := r.host.FetchBlockByNumber(fctx, n)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Uint64("block", n).Msg("Failed to fetch local block")
			}
			break
		}
		for _, id := range peers {
			if err := r.net.PushBlock(id, b); err != nil {
				r.logger.Debug().Err(err).Uint64("peer", uint64(id)).Uint64("block", n).Msg("Push failed")
			}
		}
		metrics.BlocksPushed.Inc()
		last = n
	}
	if last >= from {
		r.logger.Debug().Uint64("from", from).Uint64("to", last).Int("peers", len(peers)).Msg("Pushed local blocks")
		r.setSendPointer(last)
	}
	if last < lib && last == to {
		// More to push; do not wait for the next irreversible event.
		r.poke()
	}
}

func (r *Relay) setSendPointer(n uint64) {
	r.mu.Lock()
	if n <= r.state.SendPointer {
		r.mu.Unlock()
		return
	}
	r.state.SendPointer = n
	st := r.state
	r.mu.Unlock()
	metrics.SendPointer.Set(float64(n))
	r.persist(st)
}

func (r *Relay) persist(st State) {
	if err := r.store.save(st); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist relay state")
	}
}

// consume finalizes the batch in flight once its inclusion block is
// irreversible, or submits the next batch.
func (r *Relay) consume() {
	lib := r.lib.Load()

	r.mu.Lock()
	if b := r.inflight; b != nil {
		switch {
		case b.rejected:
			r.inflight = nil
		case b.confirmed && b.blockNum <= lib:
			r.inflight = nil
			r.state.Relayed = b.to
			st := r.state
			r.mu.Unlock()
			r.finalize(b, st)
			r.mu.Lock()
		default:
			r.mu.Unlock()
			return
		}
	}
	from := r.state.Relayed + 1
	r.mu.Unlock()

	wm := r.sync.Watermark()
	if wm < from {
		return
	}
	to := min(wm, from+uint64(r.cfg.MaxSendBlocks)-1)
	if c := r.cache.ContiguousFrom(from); c < to {
		if c < from {
			return
		}
		to = c
	}
	blocks := r.cache.Range(from, to+1)
	if len(blocks) == 0 {
		return
	}
	r.submitBatch(blocks)
}

func (r *Relay) finalize(b *batch, st State) {
	removed := r.cache.RemoveThrough(b.to)
	metrics.BlocksRelayed.Add(float64(b.to - b.from + 1))
	metrics.RelayedPointer.Set(float64(b.to))
	r.persist(st)
	r.logger.Info().
		Uint64("from", b.from).
		Uint64("to", b.to).
		Uint64("included_in", b.blockNum).
		Int("evicted", removed).
		Msg("Remote blocks relayed")
	// Eviction may reopen fetching that paused on the cache bound.
	r.sync.Opportunity()
}

func (r *Relay) submitBatch(blocks []*block.Block) {
	args := addBlocksArgs{Relay: r.cfg.Signer.Actor, Blocks: make([]relayBlock, 0, len(blocks))}
	for _, b := range blocks {
		args.Blocks = append(args.Blocks, relayBlock{
			Num:       b.Num,
			ID:        b.ID,
			Previous:  b.Previous,
			Timestamp: b.Timestamp,
			Producer:  b.Producer,
			Payload:   types.HexBytes(b.Payload),
		})
	}
	data, err := json.Marshal(args)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode addblocks")
		return
	}

	bt := &batch{from: blocks[0].Num, to: blocks[len(blocks)-1].Num}
	r.mu.Lock()
	r.inflight = bt
	r.mu.Unlock()

	seq, err := r.pipeline.Submit([]txrelay.ActionRequest{{
		Account:       r.cfg.LocalContract,
		Name:          ActionAddBlocks,
		Authorization: []types.PermissionLevel{r.cfg.Signer},
		Args:          data,
	}}, func(rec txrelay.Record, err error) {
		r.mu.Lock()
		if err != nil {
			bt.rejected = true
		} else {
			bt.confirmed = true
			bt.blockNum = rec.BlockNum
		}
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn().Err(err).Uint64("from", bt.from).Uint64("to", bt.to).Msg("Addblocks rejected, will rebuild")
		}
		r.poke()
	})
	if err != nil {
		r.mu.Lock()
		if r.inflight == bt {
			r.inflight = nil
		}
		r.mu.Unlock()
		if !errors.Is(err, txrelay.ErrStopped) {
			r.logger.Warn().Err(err).Msg("Failed to queue addblocks")
		}
		return
	}

	r.mu.Lock()
	bt.seq = seq
	r.mu.Unlock()
	r.logger.Debug().Uint64("seq", seq).Uint64("from", bt.from).Uint64("to", bt.to).Msg("Addblocks submitted")
}

// registerNode announces this relay to the local contract.
func (r *Relay) registerNode(lib uint64) {
	data, err := json.Marshal(addNodeArgs{NodeID: r.cfg.RelayNodeID, BlockNo: lib})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode addnode")
		return
	}
	_, err = r.pipeline.Submit([]txrelay.ActionRequest{{
		Account:       r.cfg.LocalContract,
		Name:          ActionAddNode,
		Authorization: []types.PermissionLevel{r.cfg.Signer},
		Args:          data,
	}}, func(rec txrelay.Record, err error) {
		if err != nil {
			r.logger.Error().Err(err).Uint64("node_id", r.cfg.RelayNodeID).Msg("Relay registration failed")
			return
		}
		r.logger.Info().Uint64("node_id", r.cfg.RelayNodeID).Uint64("block", rec.BlockNum).Msg("Relay registered")
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to queue addnode")
	}
}
