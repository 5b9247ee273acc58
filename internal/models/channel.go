// File: internal/models/channel.go
package models

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// ChannelState mirrors the channel lifecycle of the on-chain contract.
type ChannelState int

const (
	ChannelNonExistent ChannelState = iota
	ChannelOpened
	ChannelClosed
	ChannelSettled
	ChannelRemoved
)

// Valid reports whether s is one of the known lifecycle states. Rows must
// never be written with an out-of-range state.
func (s ChannelState) Valid() bool {
	return s >= ChannelNonExistent && s <= ChannelRemoved
}

func (s ChannelState) String() string {
	switch s {
	case ChannelNonExistent:
		return "non_existent"
	case ChannelOpened:
		return "opened"
	case ChannelClosed:
		return "closed"
	case ChannelSettled:
		return "settled"
	case ChannelRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// OnChainUpdateStatus records the last balance-proof update observed on-chain
// for a channel. Sender and nonce are set together or not at all.
type OnChainUpdateStatus struct {
	UpdateSender common.Address `json:"update_sender"`
	Nonce        uint64         `json:"nonce"`
}

// Channel is the persisted projection of a payment channel.
type Channel struct {
	TokenNetworkAddress common.Address `json:"token_network_address"`
	Identifier          *big.Int       `json:"identifier"`
	Participant1        common.Address `json:"participant1"`
	Participant2        common.Address `json:"participant2"`
	SettleTimeout       uint64         `json:"settle_timeout"`
	State               ChannelState   `json:"state"`

	ClosingBlock       uint64         `json:"closing_block,omitempty"`
	ClosingParticipant common.Address `json:"closing_participant,omitempty"`
	ClosingTxHash      *common.Hash   `json:"closing_tx_hash,omitempty"`

	MonitorTxHash *common.Hash `json:"monitor_tx_hash,omitempty"`
	ClaimTxHash   *common.Hash `json:"claim_tx_hash,omitempty"`

	UpdateStatus *OnChainUpdateStatus `json:"update_status,omitempty"`
}

// NewChannel creates an opened channel with participants in canonical order
// (participant1 < participant2). The ordering is an invariant, not a display
// convenience: it keys per-pair deduplication and foreign keys.
func NewChannel(
	tokenNetwork common.Address,
	identifier *big.Int,
	participant1, participant2 common.Address,
	settleTimeout uint64,
) *Channel {
	if bytes.Compare(participant1.Bytes(), participant2.Bytes()) > 0 {
		participant1, participant2 = participant2, participant1
	}
	return &Channel{
		TokenNetworkAddress: tokenNetwork,
		Identifier:          identifier,
		Participant1:        participant1,
		Participant2:        participant2,
		SettleTimeout:       settleTimeout,
		State:               ChannelOpened,
	}
}

// HasParticipant reports whether addr is one of the channel's two parties.
func (c *Channel) HasParticipant(addr common.Address) bool {
	return addr == c.Participant1 || addr == c.Participant2
}

// CounterpartOf returns the other participant. The second return value is
// false when addr is not part of the channel.
func (c *Channel) CounterpartOf(addr common.Address) (common.Address, bool) {
	switch addr {
	case c.Participant1:
		return c.Participant2, true
	case c.Participant2:
		return c.Participant1, true
	default:
		return common.Address{}, false
	}
}

// Terminal reports whether no further state mutations are allowed.
func (c *Channel) Terminal() bool {
	return c.State == ChannelSettled || c.State == ChannelRemoved
}

// Validate enforces the row invariants before a write.
func (c *Channel) Validate() error {
	if !c.State.Valid() {
		return utils.NewAppError(utils.ErrCodeInvariant, "Channel state out of range", c.State.String())
	}
	if c.Identifier == nil || c.Identifier.Sign() < 0 {
		return utils.NewAppError(utils.ErrCodeInvariant, "Channel identifier missing or negative")
	}
	if bytes.Compare(c.Participant1.Bytes(), c.Participant2.Bytes()) > 0 {
		return utils.NewAppError(utils.ErrCodeInvariant, "Channel participants not in canonical order")
	}
	if c.UpdateStatus != nil && c.UpdateStatus.UpdateSender == (common.Address{}) {
		return utils.NewAppError(utils.ErrCodeInvariant, "Update status sender missing")
	}
	return nil
}
