// File: internal/chainsync/parser.go
package chainsync

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Event fragments of the three contracts we watch. Only events are listed;
// calls go through the submitter's own ABI.
const registryABIJSON = `[
	{"type":"event","name":"TokenNetworkCreated","inputs":[
		{"name":"token_address","type":"address","indexed":true},
		{"name":"token_network_address","type":"address","indexed":true}]}
]`

const tokenNetworkABIJSON = `[
	{"type":"event","name":"ChannelOpened","inputs":[
		{"name":"channel_identifier","type":"uint256","indexed":true},
		{"name":"participant1","type":"address","indexed":true},
		{"name":"participant2","type":"address","indexed":true},
		{"name":"settle_timeout","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChannelClosed","inputs":[
		{"name":"channel_identifier","type":"uint256","indexed":true},
		{"name":"closing_participant","type":"address","indexed":true}]},
	{"type":"event","name":"NonClosingBalanceProofUpdated","inputs":[
		{"name":"channel_identifier","type":"uint256","indexed":true},
		{"name":"closing_participant","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChannelSettled","inputs":[
		{"name":"channel_identifier","type":"uint256","indexed":true},
		{"name":"participant1_amount","type":"uint256","indexed":false},
		{"name":"participant2_amount","type":"uint256","indexed":false}]}
]`

const monitoringABIJSON = `[
	{"type":"event","name":"NewBalanceProofReceived","inputs":[
		{"name":"token_network_address","type":"address","indexed":false},
		{"name":"channel_identifier","type":"uint256","indexed":false},
		{"name":"reward_amount","type":"uint256","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"ms_address","type":"address","indexed":true},
		{"name":"raiden_node_address","type":"address","indexed":true}]},
	{"type":"event","name":"RewardClaimed","inputs":[
		{"name":"ms_address","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"reward_identifier","type":"bytes32","indexed":true}]}
]`

// EventParser decodes raw logs into the closed ChainEvent set.
type EventParser struct {
	registry           common.Address
	monitoringContract common.Address

	registryABI     abi.ABI
	tokenNetworkABI abi.ABI
	monitoringABI   abi.ABI

	logger *logrus.Logger
}

func NewEventParser(registry, monitoringContract common.Address) (*EventParser, error) {
	p := &EventParser{
		registry:           registry,
		monitoringContract: monitoringContract,
		logger:             utils.GetLogger(),
	}

	var err error
	for _, c := range []struct {
		dest *abi.ABI
		json string
	}{
		{&p.registryABI, registryABIJSON},
		{&p.tokenNetworkABI, tokenNetworkABIJSON},
		{&p.monitoringABI, monitoringABIJSON},
	} {
		if *c.dest, err = abi.JSON(strings.NewReader(c.json)); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to parse contract ABI", err.Error())
		}
	}
	return p, nil
}

// DecodeLog turns a raw log into a ChainEvent, or nil when the log belongs
// to no watched contract or carries an event we do not track. tokenNetworks
// routes token network addresses; the set grows as registry events confirm.
func (p *EventParser) DecodeLog(log *types.Log, tokenNetworks map[common.Address]bool) (models.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	pos := models.LogPosition{
		BlockNumber: log.BlockNumber,
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
	}

	switch {
	case log.Address == p.registry:
		return p.decodeRegistryLog(log, pos)
	case log.Address == p.monitoringContract:
		return p.decodeMonitoringLog(log, pos)
	case tokenNetworks[log.Address]:
		return p.decodeTokenNetworkLog(log, pos)
	default:
		return nil, nil
	}
}

func (p *EventParser) decodeRegistryLog(log *types.Log, pos models.LogPosition) (models.ChainEvent, error) {
	event, err := p.registryABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil
	}
	if event.Name != "TokenNetworkCreated" {
		return nil, nil
	}
	if len(log.Topics) < 3 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed TokenNetworkCreated log", log.TxHash.Hex())
	}
	return &models.TokenNetworkCreatedEvent{
		Pos:                 pos,
		TokenAddress:        topicAddress(log.Topics[1]),
		TokenNetworkAddress: topicAddress(log.Topics[2]),
	}, nil
}

func (p *EventParser) decodeTokenNetworkLog(log *types.Log, pos models.LogPosition) (models.ChainEvent, error) {
	event, err := p.tokenNetworkABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil
	}

	switch event.Name {
	case "ChannelOpened":
		if len(log.Topics) < 4 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed ChannelOpened log", log.TxHash.Hex())
		}
		data, err := unpackData(event, log.Data)
		if err != nil {
			return nil, err
		}
		return &models.ChannelOpenedEvent{
			Pos:                 pos,
			TokenNetworkAddress: log.Address,
			ChannelIdentifier:   topicUint256(log.Topics[1]),
			Participant1:        topicAddress(log.Topics[2]),
			Participant2:        topicAddress(log.Topics[3]),
			SettleTimeout:       data[0].(*big.Int).Uint64(),
		}, nil

	case "ChannelClosed":
		if len(log.Topics) < 3 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed ChannelClosed log", log.TxHash.Hex())
		}
		return &models.ChannelClosedEvent{
			Pos:                 pos,
			TokenNetworkAddress: log.Address,
			ChannelIdentifier:   topicUint256(log.Topics[1]),
			ClosingParticipant:  topicAddress(log.Topics[2]),
		}, nil

	case "NonClosingBalanceProofUpdated":
		if len(log.Topics) < 3 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed NonClosingBalanceProofUpdated log", log.TxHash.Hex())
		}
		data, err := unpackData(event, log.Data)
		if err != nil {
			return nil, err
		}
		return &models.ChannelBalanceProofUpdatedEvent{
			Pos:                 pos,
			TokenNetworkAddress: log.Address,
			ChannelIdentifier:   topicUint256(log.Topics[1]),
			ClosingParticipant:  topicAddress(log.Topics[2]),
			Nonce:               data[0].(*big.Int).Uint64(),
		}, nil

	case "ChannelSettled":
		if len(log.Topics) < 2 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed ChannelSettled log", log.TxHash.Hex())
		}
		return &models.ChannelSettledEvent{
			Pos:                 pos,
			TokenNetworkAddress: log.Address,
			ChannelIdentifier:   topicUint256(log.Topics[1]),
		}, nil

	default:
		return nil, nil
	}
}

func (p *EventParser) decodeMonitoringLog(log *types.Log, pos models.LogPosition) (models.ChainEvent, error) {
	event, err := p.monitoringABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil
	}

	switch event.Name {
	case "NewBalanceProofReceived":
		if len(log.Topics) < 3 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed NewBalanceProofReceived log", log.TxHash.Hex())
		}
		data, err := unpackData(event, log.Data)
		if err != nil {
			return nil, err
		}
		return &models.MonitorNewBalanceProofEvent{
			Pos:                 pos,
			TokenNetworkAddress: data[0].(common.Address),
			ChannelIdentifier:   data[1].(*big.Int),
			RewardAmount:        data[2].(*big.Int),
			Nonce:               data[3].(*big.Int).Uint64(),
			MonitoringService:   topicAddress(log.Topics[1]),
			NonClosingPeer:      topicAddress(log.Topics[2]),
		}, nil

	case "RewardClaimed":
		if len(log.Topics) < 3 {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Malformed RewardClaimed log", log.TxHash.Hex())
		}
		data, err := unpackData(event, log.Data)
		if err != nil {
			return nil, err
		}
		return &models.MonitorRewardClaimedEvent{
			Pos:               pos,
			MonitoringService: topicAddress(log.Topics[1]),
			Amount:            data[0].(*big.Int),
			RewardIdentifier:  log.Topics[2],
		}, nil

	default:
		return nil, nil
	}
}

func unpackData(event *abi.Event, data []byte) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Failed to unpack "+event.Name+" data", err.Error())
	}
	return values, nil
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}

func topicUint256(topic common.Hash) *big.Int {
	return new(big.Int).SetBytes(topic.Bytes())
}
