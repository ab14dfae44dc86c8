package p2p

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// NetworkVersion is the wire protocol version advertised in handshakes.
const NetworkVersion uint16 = 1

// Errors returned by the connection layer.
var (
	// ErrConnection is a dial or resolve failure. Outbound peers are retried.
	ErrConnection = errors.New("connection error")
	// ErrProtocol is a malformed frame or an unacceptable handshake. The
	// session is closed.
	ErrProtocol = errors.New("protocol error")

	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrRejected         = errors.New("connection rejected")
	ErrSessionClosed    = errors.New("session closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// MessageType identifies a wire message.
type MessageType uint8

const (
	MsgHandshake   MessageType = iota + 1 // Identity exchange.
	MsgGoAway                             // Reason for an imminent close.
	MsgBlockNotice                        // Announces a block too large to push inline.
	MsgBlock                              // Block data.
	MsgSyncRequest                        // Requests a block range.
	MsgSyncDone                           // Ends a sync response.
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgGoAway:
		return "go_away"
	case MsgBlockNotice:
		return "block_notice"
	case MsgBlock:
		return "block"
	case MsgSyncRequest:
		return "sync_request"
	case MsgSyncDone:
		return "sync_done"
	}
	return fmt.Sprintf("message(%d)", uint8(t))
}

// Message is any wire message.
type Message interface {
	Type() MessageType
}

// Handshake is the first message each side sends. Token is a hash over
// the chain id, time and node id. Signature is the node key's signature
// over Token.
type Handshake struct {
	NetworkVersion uint16        `json:"network_version"`
	ChainID        types.ChainID `json:"chain_id"`
	NodeID         string        `json:"node_id"`
	Key            string        `json:"key"`
	Time           int64         `json:"time"` // unix nanoseconds
	Token          types.Hash    `json:"token"`
	Signature      string        `json:"signature"`
	Address        string        `json:"address"`
	Agent          string        `json:"agent"`
	LIB            uint64        `json:"last_irreversible_block_num"`
	Head           uint64        `json:"head_num"`
}

// GoAwayReason says why a peer is being dropped.
type GoAwayReason uint8

const (
	ReasonNone GoAwayReason = iota
	ReasonSelf
	ReasonDuplicate
	ReasonWrongChain
	ReasonWrongVersion
	ReasonAuthentication
	ReasonCapacity
	ReasonBanned
	ReasonProtocol
	ReasonShutdown
)

func (r GoAwayReason) String() string {
	switch r {
	case ReasonNone:
		return "no reason"
	case ReasonSelf:
		return "self connect"
	case ReasonDuplicate:
		return "duplicate"
	case ReasonWrongChain:
		return "wrong chain"
	case ReasonWrongVersion:
		return "wrong version"
	case ReasonAuthentication:
		return "authentication failure"
	case ReasonCapacity:
		return "at capacity"
	case ReasonBanned:
		return "banned"
	case ReasonProtocol:
		return "protocol violation"
	case ReasonShutdown:
		return "shutting down"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// GoAway precedes a deliberate close.
type GoAway struct {
	Reason GoAwayReason `json:"reason"`
	NodeID string       `json:"node_id,omitempty"`
}

// BlockNotice announces a block without carrying it. A peer that wants
// the block requests it with a SyncRequest.
type BlockNotice struct {
	Num  uint64     `json:"num"`
	ID   types.Hash `json:"id"`
	Size int        `json:"size"`
}

// BlockMessage carries one block. RequestID is set when the block answers
// a SyncRequest and empty when it is pushed unsolicited.
type BlockMessage struct {
	NetworkVersion uint16        `json:"network_version"`
	ChainID        types.ChainID `json:"chain_id"`
	RequestID      string        `json:"request_id,omitempty"`
	Block          *block.Block  `json:"block"`
}

// SyncRequest asks for blocks numbered in [Start, End).
type SyncRequest struct {
	RequestID string `json:"request_id"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
}

// SyncDone ends the response to a SyncRequest. Last is the highest block
// number sent, or Start-1 when none was available.
type SyncDone struct {
	RequestID string `json:"request_id"`
	Last      uint64 `json:"last"`
}

func (*Handshake) Type() MessageType    { return MsgHandshake }
func (*GoAway) Type() MessageType       { return MsgGoAway }
func (*BlockNotice) Type() MessageType  { return MsgBlockNotice }
func (*BlockMessage) Type() MessageType { return MsgBlock }
func (*SyncRequest) Type() MessageType  { return MsgSyncRequest }
func (*SyncDone) Type() MessageType     { return MsgSyncDone }

func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgHandshake:
		return &Handshake{}, nil
	case MsgGoAway:
		return &GoAway{}, nil
	case MsgBlockNotice:
		return &BlockNotice{}, nil
	case MsgBlock:
		return &BlockMessage{}, nil
	case MsgSyncRequest:
		return &SyncRequest{}, nil
	case MsgSyncDone:
		return &SyncDone{}, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, uint8(t))
}
