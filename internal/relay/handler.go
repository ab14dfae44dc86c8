package relay

import (
	"context"

	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
)

// OnConnected implements p2p.Handler.
func (r *Relay) OnConnected(id p2p.ConnID, hs *p2p.Handshake) {
	r.mu.Lock()
	r.peers[id] = hs
	r.mu.Unlock()
	r.logger.Info().
		Uint64("peer", uint64(id)).
		Str("node", hs.NodeID).
		Uint64("peer_lib", hs.LIB).
		Msg("Peer ready")
	r.sync.PeerReady(id)
}

// OnDisconnected implements p2p.Handler.
func (r *Relay) OnDisconnected(id p2p.ConnID) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
	r.sync.PeerGone(id)
}

// OnMessage implements p2p.Handler.
func (r *Relay) OnMessage(id p2p.ConnID, m p2p.Message) {
	switch msg := m.(type) {
	case *p2p.BlockMessage:
		if err := msg.Block.Validate(); err != nil {
			r.logger.Warn().Err(err).Uint64("peer", uint64(id)).Msg("Invalid block from peer")
			r.net.Penalize(id, p2p.PenaltyBadBlock, "invalid block")
			return
		}
		r.sync.OnBlock(id, msg)
	case *p2p.BlockNotice:
		if msg.Num > r.sync.Watermark() {
			r.sync.Opportunity()
		}
	case *p2p.SyncRequest:
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.wg.Done()
			r.serveSync(r.ctx, id, msg)
		}()
	case *p2p.SyncDone:
		r.sync.OnSyncDone(id, msg)
	default:
		r.logger.Debug().Uint64("peer", uint64(id)).Str("type", m.Type().String()).Msg("Ignoring message")
	}
}

// serveSync answers a sync request with irreversible local blocks followed
// by a sync-done carrying the last number sent, 0 when none was. Sends wait
// for queue space so a concurrent push round cannot cut the answer short.
func (r *Relay) serveSync(ctx context.Context, id p2p.ConnID, req *p2p.SyncRequest) {
	start, end := req.Start, req.End
	if lim := start + maxServeBlocks; end > lim {
		end = lim
	}
	if lim := r.lib.Load() + 1; end > lim {
		end = lim
	}

	var last uint64
	if start > 0 {
		for n := start; n < end; n++ {
			fctx, cancel := context.WithTimeout(ctx, waitTimeout)
			b, err := r.host.FetchBlockByNumber(fctx, n)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn().Err(err).Uint64("block", n).Msg("Failed to fetch block for sync")
				break
			}
			sctx, cancel := context.WithTimeout(ctx, waitTimeout)
			err = r.net.SendBlock(sctx, id, b, req.RequestID)
			cancel()
			if err != nil {
				r.logger.Debug().Err(err).Uint64("peer", uint64(id)).Msg("Sync response aborted")
				return
			}
			last = n
		}
	}

	sctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := r.net.SendContext(sctx, id, &p2p.SyncDone{RequestID: req.RequestID, Last: last}); err != nil {
		r.logger.Debug().Err(err).Uint64("peer", uint64(id)).Msg("Failed to send sync done")
		return
	}
	r.logger.Debug().
		Uint64("peer", uint64(id)).
		Uint64("start", req.Start).
		Uint64("end", req.End).
		Uint64("last", last).
		Msg("Served sync request")
}
