// File: internal/connection/manager.go
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Reader is the chain-facing contract the sync engine depends on. Errors
// returned by the implementation are marked transient when retrying can
// help (network trouble) and left unmarked when it cannot.
type Reader interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Manager defines the connection manager interface
type Manager interface {
	Reader
	GetClient(ctx context.Context) (*ethclient.Client, error)
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager implements the Manager interface with failover across
// the configured backup nodes.
type ConnectionManager struct {
	config          *config.ChainConfig
	primaryURL      string
	backupURLs      []string
	currentIndex    int
	client          *ethclient.Client
	mu              sync.RWMutex
	logger          *logrus.Logger
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.ChainConfig) *ConnectionManager {
	return &ConnectionManager{
		config:       cfg,
		primaryURL:   cfg.NodeURL,
		backupURLs:   cfg.BackupNodes,
		currentIndex: 0,
		logger:       utils.GetLogger(),
		stats: ConnectionStats{
			CurrentURL: cfg.NodeURL,
		},
	}
}

// GetClient returns the current client, connecting or reconnecting if needed.
func (cm *ConnectionManager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	lastCheck := cm.lastHealthCheck
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if time.Since(lastCheck) > time.Minute {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()
	return client, nil
}

func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	urls := cm.getAllURLs()

	for attempt := 0; attempt < cm.config.RetryAttempts; attempt++ {
		for i, url := range urls {
			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1}).
					WithError(err).Warn("Connection failed")
				cm.stats.FailedRequests++
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				cm.logger.WithField("url", url).WithError(err).Warn("Health check failed after connection")
				continue
			}

			cm.client = client
			cm.currentIndex = i
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()

			cm.logger.WithField("url", url).Info("Connected to chain node")
			return client, nil
		}

		if attempt < cm.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	return nil, utils.NewTransient(utils.NewAppError(utils.ErrCodeConnection,
		"Failed to connect to any chain node", "All connection attempts exhausted"))
}

func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	return ethclient.DialContext(dialCtx, url)
}

func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.ChainID(checkCtx)
	return err
}

// HealthCheck verifies the connection, the chain id and head availability.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		cm.setUnhealthy()
		return utils.NewTransient(utils.NewAppError(utils.ErrCodeConnection, "Failed to get chain ID", err.Error()))
	}

	if cm.config.ChainID != 0 && chainID.Uint64() != cm.config.ChainID {
		cm.setUnhealthy()
		return utils.NewAppError(utils.ErrCodeConnection, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.config.ChainID, chainID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setUnhealthy()
		return utils.NewTransient(utils.NewAppError(utils.ErrCodeConnection, "Failed to get latest block", err.Error()))
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	cm.mu.Unlock()

	return nil
}

func (cm *ConnectionManager) setUnhealthy() {
	cm.mu.Lock()
	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.mu.Unlock()
}

// GetLatestBlockNumber returns the head block number reported by the node.
func (cm *ConnectionManager) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, utils.NewTransient(utils.NewAppError(utils.ErrCodeConnection,
			"Failed to get latest block number", err.Error()))
	}

	cm.mu.Lock()
	cm.stats.LatestBlock = blockNumber
	cm.mu.Unlock()

	return blockNumber, nil
}

// FilterLogs fetches contract logs for the given query.
func (cm *ConnectionManager) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	logs, err := client.FilterLogs(reqCtx, query)
	if err != nil {
		cm.mu.Lock()
		cm.stats.FailedRequests++
		cm.mu.Unlock()
		return nil, utils.NewTransient(utils.NewAppError(utils.ErrCodeBlockchain, "Failed to filter logs", err.Error()))
	}

	return logs, nil
}

// TransactionReceipt returns the receipt for txHash, or ethereum.NotFound
// wrapped as a plain (non-transient) error when the tx is not mined yet.
func (cm *ConnectionManager) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	return client.TransactionReceipt(reqCtx, txHash)
}

// IsConnected returns whether the manager holds a healthy connection.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

func (cm *ConnectionManager) getAllURLs() []string {
	urls := []string{cm.primaryURL}
	urls = append(urls, cm.backupURLs...)

	if cm.currentIndex > 0 && cm.currentIndex < len(urls) {
		rotated := make([]string, len(urls))
		copy(rotated, urls[cm.currentIndex:])
		copy(rotated[len(urls)-cm.currentIndex:], urls[:cm.currentIndex])
		return rotated
	}

	return urls
}
