package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Host node JSON-RPC methods.
const (
	MethodGetInfo         = "chain_getInfo"
	MethodGetAbi          = "chain_getAbi"
	MethodGetBlock        = "chain_getBlock"
	MethodGetRequiredKeys = "chain_getRequiredKeys"
	MethodGetProducerKeys = "chain_getProducerKeys"
	MethodGetReadMode     = "chain_getReadMode"
	MethodPushTransaction = "chain_pushTransaction"
)

// Error code the host node returns for an unknown block.
const codeBlockNotFound = -32004

// maxBlocksPerPoll bounds how many blocks a single poll announces.
const maxBlocksPerPoll = 100

// Client implements Host against a node's JSON-RPC endpoint. Events are
// produced by polling the node's head in Run.
type Client struct {
	rpc    *rpcclient.Client
	feed   *Feed
	clock  clock.Clock
	poll   time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	started   bool
	lastHead  uint64
	lastFinal uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock replaces the wall clock used for polling.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithPollInterval sets how often the node head is polled.
func WithPollInterval(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.poll = d
		}
	}
}

// NewClient creates a chain client for the given RPC client.
func NewClient(rpc *rpcclient.Client, opts ...ClientOption) *Client {
	c := &Client{
		rpc:    rpc,
		feed:   NewFeed(),
		clock:  clock.New(),
		poll:   500 * time.Millisecond,
		logger: klog.WithComponent(klog.ComponentChain),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type abiResult struct {
	Account types.Name      `json:"account"`
	ABI     json.RawMessage `json:"abi"`
}

// ResolveInterface implements Query.
func (c *Client) ResolveInterface(ctx context.Context, account types.Name) (*abi.Description, error) {
	var res abiResult
	if err := c.rpc.CallContext(ctx, MethodGetAbi, map[string]any{"account": account}, &res); err != nil {
		return nil, fmt.Errorf("get abi %s: %w", account, err)
	}
	if len(res.ABI) == 0 || string(res.ABI) == "null" {
		return nil, fmt.Errorf("%s: %w", account, ErrUnknownAbi)
	}
	return abi.Parse(res.ABI)
}

// HeadInfo implements Query.
func (c *Client) HeadInfo(ctx context.Context) (*HeadInfo, error) {
	var info HeadInfo
	if err := c.rpc.CallContext(ctx, MethodGetInfo, nil, &info); err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	return &info, nil
}

type blockResult struct {
	Block        *block.Block `json:"block"`
	Transactions []types.Hash `json:"transactions"`
}

func (c *Client) getBlock(ctx context.Context, n uint64) (*blockResult, error) {
	var res blockResult
	if err := c.rpc.CallContext(ctx, MethodGetBlock, map[string]any{"num": n}, &res); err != nil {
		var rpcErr *rpcclient.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeBlockNotFound {
			return nil, fmt.Errorf("block %d: %w", n, ErrBlockMissing)
		}
		return nil, fmt.Errorf("get block %d: %w", n, err)
	}
	if res.Block == nil {
		return nil, fmt.Errorf("block %d: %w", n, ErrBlockMissing)
	}
	return &res, nil
}

// FetchBlockByNumber implements Query.
func (c *Client) FetchBlockByNumber(ctx context.Context, n uint64) (*block.Block, error) {
	res, err := c.getBlock(ctx, n)
	if err != nil {
		return nil, err
	}
	return res.Block, nil
}

// RequiredKeys implements Query.
func (c *Client) RequiredKeys(ctx context.Context, t *tx.Transaction, available []string) ([]string, error) {
	params := map[string]any{"transaction": t, "available_keys": available}
	var res struct {
		RequiredKeys []string `json:"required_keys"`
	}
	if err := c.rpc.CallContext(ctx, MethodGetRequiredKeys, params, &res); err != nil {
		return nil, fmt.Errorf("get required keys: %w", err)
	}
	return res.RequiredKeys, nil
}

// ProducerKeys implements Query.
func (c *Client) ProducerKeys(ctx context.Context) ([]string, error) {
	var res struct {
		Keys []string `json:"keys"`
	}
	if err := c.rpc.CallContext(ctx, MethodGetProducerKeys, nil, &res); err != nil {
		return nil, fmt.Errorf("get producer keys: %w", err)
	}
	return res.Keys, nil
}

// ReadMode implements Query.
func (c *Client) ReadMode(ctx context.Context) (ReadMode, error) {
	var res struct {
		ReadMode string `json:"read_mode"`
	}
	if err := c.rpc.CallContext(ctx, MethodGetReadMode, nil, &res); err != nil {
		return "", fmt.Errorf("get read mode: %w", err)
	}
	return ParseReadMode(res.ReadMode)
}

// Submit implements Submitter. The push runs on its own goroutine; a
// successful trace is also emitted as an applied-transaction event.
func (c *Client) Submit(ctx context.Context, p *tx.PackedTransaction, done func(*Trace, error)) {
	go func() {
		var trace Trace
		if err := c.rpc.CallContext(ctx, MethodPushTransaction, p, &trace); err != nil {
			done(nil, fmt.Errorf("push transaction: %w", err))
			return
		}
		done(&trace, nil)
		c.feed.EmitAppliedTransaction(&trace)
	}()
}

func (c *Client) OnAppliedTransaction(fn func(*Trace)) Subscription {
	return c.feed.OnAppliedTransaction(fn)
}

func (c *Client) OnAcceptedBlock(fn func(*BlockEvent)) Subscription {
	return c.feed.OnAcceptedBlock(fn)
}

func (c *Client) OnIrreversibleBlock(fn func(*BlockEvent)) Subscription {
	return c.feed.OnIrreversibleBlock(fn)
}

// Run polls the node until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.poll)
	defer ticker.Stop()

	c.logger.Info().Str("endpoint", c.rpc.Endpoint()).Dur("interval", c.poll).Msg("Chain poller started")
	for {
		if err := c.PollOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Chain poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce fetches the node head and emits events for blocks not yet
// announced. The first poll only announces the current head and the
// current irreversible block.
func (c *Client) PollOnce(ctx context.Context) error {
	info, err := c.HeadInfo(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.started {
		c.started = true
		if info.HeadBlockNum > 0 {
			c.lastHead = info.HeadBlockNum - 1
		}
		if info.LastIrreversibleBlockNum > 0 {
			c.lastFinal = info.LastIrreversibleBlockNum - 1
		}
	}
	headFrom, finalFrom := c.lastHead+1, c.lastFinal+1
	c.mu.Unlock()

	for n := headFrom; n <= info.HeadBlockNum && n < headFrom+maxBlocksPerPoll; n++ {
		ev, err := c.blockEvent(ctx, n)
		if err != nil {
			return err
		}
		c.feed.EmitAcceptedBlock(ev)
		c.setLast(&c.lastHead, n)
	}
	for n := finalFrom; n <= info.LastIrreversibleBlockNum && n < finalFrom+maxBlocksPerPoll; n++ {
		ev, err := c.blockEvent(ctx, n)
		if err != nil {
			return err
		}
		c.feed.EmitIrreversibleBlock(ev)
		c.setLast(&c.lastFinal, n)
	}
	return nil
}

func (c *Client) setLast(p *uint64, n uint64) {
	c.mu.Lock()
	*p = n
	c.mu.Unlock()
}

func (c *Client) blockEvent(ctx context.Context, n uint64) (*BlockEvent, error) {
	res, err := c.getBlock(ctx, n)
	if err != nil {
		return nil, err
	}
	return &BlockEvent{
		Num:          res.Block.Num,
		ID:           res.Block.ID,
		Timestamp:    res.Block.Time(),
		Transactions: res.Transactions,
	}, nil
}
