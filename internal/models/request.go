// File: internal/models/request.go
package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// MonitorRequest is a signed off-chain message authorizing this service to
// submit a balance proof on a user's behalf, plus the reward the user offers
// for doing so. Identity is (channel, token network, non-closing signer).
type MonitorRequest struct {
	// balance proof
	ChannelIdentifier   *big.Int       `json:"channel_identifier"`
	TokenNetworkAddress common.Address `json:"token_network_address"`
	ChainID             uint64         `json:"chain_id"`
	BalanceHash         common.Hash    `json:"balance_hash"`
	Nonce               uint64         `json:"nonce"`
	AdditionalHash      common.Hash    `json:"additional_hash"`
	ClosingSignature    []byte         `json:"closing_signature"`

	// authorization by the non-closing side
	NonClosingSignature []byte `json:"non_closing_signature"`

	// reward offer
	MonitoringContract    common.Address `json:"monitoring_contract"`
	RewardAmount          *big.Int       `json:"reward_amount"`
	NonClosingParticipant common.Address `json:"non_closing_participant"`
	RewardProofSignature  []byte         `json:"reward_proof_signature"`

	// recovered from the signatures, never taken from the wire
	Signer           common.Address `json:"signer"`
	NonClosingSigner common.Address `json:"non_closing_signer"`
	RewardSigner     common.Address `json:"reward_signer"`

	// bookkeeping
	SavedAt           time.Time `json:"saved_at"`
	WaitingForChannel bool      `json:"waiting_for_channel"`
}

// PackedBalanceProof returns the closing participant's signed payload.
func (r *MonitorRequest) PackedBalanceProof() []byte {
	return utils.PackBalanceProof(
		r.TokenNetworkAddress,
		r.ChainID,
		utils.MessageTypeBalanceProof,
		r.ChannelIdentifier,
		r.BalanceHash,
		r.Nonce,
		r.AdditionalHash,
	)
}

// PackedNonClosingData returns the payload signed by the non-closing side:
// the balance proof re-packed with the update message type, followed by the
// closing signature it vouches for.
func (r *MonitorRequest) PackedNonClosingData() []byte {
	packed := utils.PackBalanceProof(
		r.TokenNetworkAddress,
		r.ChainID,
		utils.MessageTypeBalanceProofUpdate,
		r.ChannelIdentifier,
		r.BalanceHash,
		r.Nonce,
		r.AdditionalHash,
	)
	return append(packed, r.ClosingSignature...)
}

// PackedRewardProof returns the signed reward authorization payload.
func (r *MonitorRequest) PackedRewardProof() []byte {
	return utils.PackRewardProof(
		r.MonitoringContract,
		r.ChainID,
		r.TokenNetworkAddress,
		r.NonClosingParticipant,
		r.NonClosingSignature,
		r.RewardAmount,
	)
}

// RecoverSigners fills the recovered signer fields from the three embedded
// signatures. It does not judge whether the signers are acceptable; the
// request store does that against channel state.
func (r *MonitorRequest) RecoverSigners() error {
	signer, err := utils.RecoverSigner(r.PackedBalanceProof(), r.ClosingSignature)
	if err != nil {
		return err
	}

	nonClosingSigner, err := utils.RecoverSigner(r.PackedNonClosingData(), r.NonClosingSignature)
	if err != nil {
		return err
	}

	rewardSigner, err := utils.RecoverSigner(r.PackedRewardProof(), r.RewardProofSignature)
	if err != nil {
		return err
	}

	r.Signer = signer
	r.NonClosingSigner = nonClosingSigner
	r.RewardSigner = rewardSigner
	return nil
}
