// File: internal/storage/storage.go
package storage

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Storage is the durable state store shared by the reconciler, the request
// store and the scheduled action engine. The reconciler is the only writer
// of channel and token network rows; the other components write their own
// tables and read channels through committed transactions only.
type Storage interface {
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// blockchain metadata singleton
	LoadChainState(ctx context.Context) (*models.BlockchainState, error)
	InitChainState(ctx context.Context, state *models.BlockchainState) error

	// Begin opens a state transaction. A reconciliation batch, including
	// the watermark advance, commits atomically through one of these.
	Begin(ctx context.Context) (StateTx, error)

	GetTokenNetworks(ctx context.Context) ([]common.Address, error)
	GetChannel(ctx context.Context, tokenNetwork common.Address, identifier *big.Int) (*models.Channel, error)
	ChannelCount(ctx context.Context) (int64, error)

	UpsertMonitorRequest(ctx context.Context, request *models.MonitorRequest) error
	GetMonitorRequest(ctx context.Context, tokenNetwork common.Address, identifier *big.Int, nonClosingSigner common.Address) (*models.MonitorRequest, error)
	MonitorRequestCount(ctx context.Context) (int64, error)
	// MarkRequestsWithChannel flips waiting_for_channel off for every
	// request whose channel row now exists.
	MarkRequestsWithChannel(ctx context.Context) (int64, error)
	// PurgeWaitingRequests deletes requests still waiting for a channel
	// that were saved before the cutoff.
	PurgeWaitingRequests(ctx context.Context, savedBefore time.Time) (int64, error)

	GetDueScheduledEvents(ctx context.Context, maxTriggerBlock uint64) ([]*models.ScheduledEvent, error)
	RemoveScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error
	ScheduledEventCount(ctx context.Context) (int64, error)

	AddWaitingTransaction(ctx context.Context, txHash common.Hash) error
	GetWaitingTransactions(ctx context.Context) ([]common.Hash, error)
	RemoveWaitingTransaction(ctx context.Context, txHash common.Hash) error

	Stats(ctx context.Context) (*StorageStats, error)
}

// StateTx is a transaction over the entity tables. Either everything in it
// becomes visible, or nothing does.
type StateTx interface {
	UpsertTokenNetwork(ctx context.Context, address common.Address) error
	GetChannel(ctx context.Context, tokenNetwork common.Address, identifier *big.Int) (*models.Channel, error)
	UpsertChannel(ctx context.Context, channel *models.Channel) error
	UpsertScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error
	RemoveScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error
	AddWaitingTransaction(ctx context.Context, txHash common.Hash) error
	SetLatestCommittedBlock(ctx context.Context, block uint64) error
	Commit() error
	Rollback() error
}

// StorageStats summarizes table sizes for the status endpoint.
type StorageStats struct {
	TokenNetworks       int64 `json:"token_networks"`
	Channels            int64 `json:"channels"`
	MonitorRequests     int64 `json:"monitor_requests"`
	ScheduledEvents     int64 `json:"scheduled_events"`
	WaitingTransactions int64 `json:"waiting_transactions"`
}

// NewStorage creates a storage backend based on configuration
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "sqlite":
		return newSQLStorage(cfg, sqliteDialect()), nil
	case "postgres":
		return newSQLStorage(cfg, postgresDialect()), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported storage type", cfg.Type)
	}
}
