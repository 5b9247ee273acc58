// File: internal/submitter/submitter.go
package submitter

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Call fragments of the monitoring service contract.
const monitoringCallABIJSON = `[
	{"type":"function","name":"monitor","inputs":[
		{"name":"closing_participant","type":"address"},
		{"name":"non_closing_participant","type":"address"},
		{"name":"balance_hash","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"additional_hash","type":"bytes32"},
		{"name":"closing_signature","type":"bytes"},
		{"name":"non_closing_signature","type":"bytes"},
		{"name":"reward_amount","type":"uint256"},
		{"name":"token_network_address","type":"address"},
		{"name":"reward_proof_signature","type":"bytes"}]},
	{"type":"function","name":"claimReward","inputs":[
		{"name":"channel_identifier","type":"uint256"},
		{"name":"token_network_address","type":"address"},
		{"name":"closing_participant","type":"address"},
		{"name":"non_closing_participant","type":"address"}]}
]`

// Submitter sends the two monitoring service transactions. The scheduled
// action engine depends on this interface so tests can capture submissions
// without a node.
type Submitter interface {
	// SubmitMonitor submits the request's balance proof on behalf of the
	// non-closing participant.
	SubmitMonitor(ctx context.Context, request *models.MonitorRequest, closingParticipant common.Address) (common.Hash, error)
	// SubmitClaim claims the reward for a successful intervention after
	// the settle window closed.
	SubmitClaim(ctx context.Context, request *models.MonitorRequest, closingParticipant common.Address) (common.Hash, error)
	// Address returns the sender account.
	Address() common.Address
}

// ContractSubmitter builds, signs and broadcasts raw transactions against
// the monitoring service contract.
type ContractSubmitter struct {
	connection         connection.Manager
	chainID            uint64
	monitoringContract common.Address
	callABI            abi.ABI
	privateKey         *ecdsa.PrivateKey
	address            common.Address
	logger             *logrus.Logger
}

func NewContractSubmitter(
	conn connection.Manager,
	chainCfg *config.ChainConfig,
	monitoringContract common.Address,
) (*ContractSubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(chainCfg.PrivateKey, "0x"))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid private key", err.Error())
	}

	callABI, err := abi.JSON(strings.NewReader(monitoringCallABIJSON))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to parse monitoring call ABI", err.Error())
	}

	return &ContractSubmitter{
		connection:         conn,
		chainID:            chainCfg.ChainID,
		monitoringContract: monitoringContract,
		callABI:            callABI,
		privateKey:         key,
		address:            crypto.PubkeyToAddress(key.PublicKey),
		logger:             utils.GetLogger(),
	}, nil
}

func (s *ContractSubmitter) Address() common.Address {
	return s.address
}

func (s *ContractSubmitter) SubmitMonitor(
	ctx context.Context,
	request *models.MonitorRequest,
	closingParticipant common.Address,
) (common.Hash, error) {
	input, err := s.callABI.Pack("monitor",
		closingParticipant,
		request.NonClosingParticipant,
		request.BalanceHash,
		utils.BigUint256(request.Nonce),
		request.AdditionalHash,
		request.ClosingSignature,
		request.NonClosingSignature,
		request.RewardAmount,
		request.TokenNetworkAddress,
		request.RewardProofSignature,
	)
	if err != nil {
		return common.Hash{}, utils.NewAppError(utils.ErrCodeInternal, "Failed to pack monitor call", err.Error())
	}
	return s.sendTransaction(ctx, "monitor", input)
}

func (s *ContractSubmitter) SubmitClaim(
	ctx context.Context,
	request *models.MonitorRequest,
	closingParticipant common.Address,
) (common.Hash, error) {
	input, err := s.callABI.Pack("claimReward",
		request.ChannelIdentifier,
		request.TokenNetworkAddress,
		closingParticipant,
		request.NonClosingParticipant,
	)
	if err != nil {
		return common.Hash{}, utils.NewAppError(utils.ErrCodeInternal, "Failed to pack claimReward call", err.Error())
	}
	return s.sendTransaction(ctx, "claimReward", input)
}

// sendTransaction builds and broadcasts a signed transaction. A gas estimate
// failure means the call would revert and is reported as permanent; RPC
// failures around it are transient and leave the scheduled action in place
// for a retry.
func (s *ContractSubmitter) sendTransaction(ctx context.Context, method string, input []byte) (common.Hash, error) {
	client, err := s.connection.GetClient(ctx)
	if err != nil {
		return common.Hash{}, utils.NewTransient(err)
	}

	nonce, err := client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, utils.NewTransient(
			utils.NewAppError(utils.ErrCodeBlockchain, "Failed to fetch account nonce", err.Error()))
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, utils.NewTransient(
			utils.NewAppError(utils.ErrCodeBlockchain, "Failed to fetch gas price", err.Error()))
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &s.monitoringContract,
		Data: input,
	})
	if err != nil {
		return common.Hash{}, utils.NewAppError(utils.ErrCodeBlockchain,
			"Transaction would revert", method+": "+err.Error())
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &s.monitoringContract,
		Data:     input,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(utils.BigUint256(s.chainID)), s.privateKey)
	if err != nil {
		return common.Hash{}, utils.NewAppError(utils.ErrCodeInternal, "Failed to sign transaction", err.Error())
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, utils.NewTransient(
			utils.NewAppError(utils.ErrCodeBlockchain, "Failed to broadcast transaction", err.Error()))
	}

	s.logger.WithFields(logrus.Fields{
		"method":  method,
		"tx_hash": signed.Hash().Hex(),
		"gas":     signed.Gas(),
	}).Info("Transaction submitted")
	return signed.Hash(), nil
}
