// File: internal/models/scheduled.go
package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind discriminates the scheduled on-chain interventions.
type ActionKind int

const (
	// ActionMonitor checks whether a monitor request should be submitted
	// for a closed channel.
	ActionMonitor ActionKind = iota
	// ActionClaim claims the reward after our balance proof survived the
	// settle window.
	ActionClaim
)

func (k ActionKind) Valid() bool {
	return k == ActionMonitor || k == ActionClaim
}

func (k ActionKind) String() string {
	switch k {
	case ActionMonitor:
		return "monitor"
	case ActionClaim:
		return "claim"
	default:
		return "invalid"
	}
}

// ScheduledEvent is a durable (trigger block, action) pair. The whole tuple
// is the identity, so re-scheduling the same action after a restart is a
// no-op upsert rather than a duplicate.
type ScheduledEvent struct {
	TriggerBlockNumber    uint64         `json:"trigger_block_number"`
	Kind                  ActionKind     `json:"kind"`
	TokenNetworkAddress   common.Address `json:"token_network_address"`
	ChannelIdentifier     *big.Int       `json:"channel_identifier"`
	NonClosingParticipant common.Address `json:"non_closing_participant"`
}
