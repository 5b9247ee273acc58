// File: internal/models/state.go
package models

import "github.com/ethereum/go-ethereum/common"

// BlockchainState is the singleton metadata row anchoring the sync process.
// LatestCommittedBlock is the watermark: the highest block whose events have
// been durably applied, and the sole resumption point after a restart.
type BlockchainState struct {
	ChainID              uint64         `json:"chain_id"`
	Receiver             common.Address `json:"receiver"`
	TokenNetworkRegistry common.Address `json:"token_network_registry"`
	MonitoringContract   common.Address `json:"monitoring_contract"`
	LatestCommittedBlock uint64         `json:"latest_committed_block"`
}
