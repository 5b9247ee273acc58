// File: internal/models/event.go
package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LogPosition orders events the way the chain does: by block, transaction
// index within the block, then log index within the transaction.
type LogPosition struct {
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint   `json:"tx_index"`
	LogIndex    uint   `json:"log_index"`
	TxHash      common.Hash
}

// Before reports whether p was emitted strictly before other.
func (p LogPosition) Before(other LogPosition) bool {
	if p.BlockNumber != other.BlockNumber {
		return p.BlockNumber < other.BlockNumber
	}
	if p.TxIndex != other.TxIndex {
		return p.TxIndex < other.TxIndex
	}
	return p.LogIndex < other.LogIndex
}

// ChainEvent is the closed set of decoded contract events the reconciler
// understands. Adding a kind means adding a variant here and a case to the
// reconciler's switch, so the compiler keeps both in sync.
type ChainEvent interface {
	Position() LogPosition
	Name() string
}

// TokenNetworkCreatedEvent is emitted by the token network registry.
type TokenNetworkCreatedEvent struct {
	Pos                 LogPosition
	TokenAddress        common.Address
	TokenNetworkAddress common.Address
}

func (e *TokenNetworkCreatedEvent) Position() LogPosition { return e.Pos }
func (e *TokenNetworkCreatedEvent) Name() string          { return "TokenNetworkCreated" }

// ChannelOpenedEvent is emitted by a token network when a channel opens.
type ChannelOpenedEvent struct {
	Pos                 LogPosition
	TokenNetworkAddress common.Address
	ChannelIdentifier   *big.Int
	Participant1        common.Address
	Participant2        common.Address
	SettleTimeout       uint64
}

func (e *ChannelOpenedEvent) Position() LogPosition { return e.Pos }
func (e *ChannelOpenedEvent) Name() string          { return "ChannelOpened" }

// ChannelClosedEvent is emitted when a participant closes a channel.
type ChannelClosedEvent struct {
	Pos                 LogPosition
	TokenNetworkAddress common.Address
	ChannelIdentifier   *big.Int
	ClosingParticipant  common.Address
}

func (e *ChannelClosedEvent) Position() LogPosition { return e.Pos }
func (e *ChannelClosedEvent) Name() string          { return "ChannelClosed" }

// ChannelBalanceProofUpdatedEvent is emitted when the non-closing side
// submits a counter balance proof on-chain.
type ChannelBalanceProofUpdatedEvent struct {
	Pos                 LogPosition
	TokenNetworkAddress common.Address
	ChannelIdentifier   *big.Int
	ClosingParticipant  common.Address
	Nonce               uint64
}

func (e *ChannelBalanceProofUpdatedEvent) Position() LogPosition { return e.Pos }
func (e *ChannelBalanceProofUpdatedEvent) Name() string          { return "NonClosingBalanceProofUpdated" }

// ChannelSettledEvent is emitted when a channel settles; the channel becomes
// terminal and later events referencing it are no-ops.
type ChannelSettledEvent struct {
	Pos                 LogPosition
	TokenNetworkAddress common.Address
	ChannelIdentifier   *big.Int
}

func (e *ChannelSettledEvent) Position() LogPosition { return e.Pos }
func (e *ChannelSettledEvent) Name() string          { return "ChannelSettled" }

// MonitorNewBalanceProofEvent is emitted by the monitoring service contract
// when any monitoring service submits a balance proof for a channel.
type MonitorNewBalanceProofEvent struct {
	Pos                 LogPosition
	TokenNetworkAddress common.Address
	ChannelIdentifier   *big.Int
	RewardAmount        *big.Int
	Nonce               uint64
	MonitoringService   common.Address
	NonClosingPeer      common.Address
}

func (e *MonitorNewBalanceProofEvent) Position() LogPosition { return e.Pos }
func (e *MonitorNewBalanceProofEvent) Name() string          { return "NewBalanceProofReceived" }

// MonitorRewardClaimedEvent is emitted when a monitoring service claims its
// reward after settlement.
type MonitorRewardClaimedEvent struct {
	Pos               LogPosition
	MonitoringService common.Address
	Amount            *big.Int
	RewardIdentifier  common.Hash
}

func (e *MonitorRewardClaimedEvent) Position() LogPosition { return e.Pos }
func (e *MonitorRewardClaimedEvent) Name() string          { return "RewardClaimed" }
