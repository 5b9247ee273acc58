// File: internal/scheduler/engine_test.go
package scheduler

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

var (
	engineRegistry   = common.HexToAddress("0xaaa0000000000000000000000000000000000001")
	engineMonitoring = common.HexToAddress("0xbbb0000000000000000000000000000000000002")
	engineNetwork    = common.HexToAddress("0xccc0000000000000000000000000000000000003")
	engineReceiver   = common.HexToAddress("0xddd0000000000000000000000000000000000004")
	engineP1         = common.HexToAddress("0x0100000000000000000000000000000000000001")
	engineP2         = common.HexToAddress("0x0100000000000000000000000000000000000002")
)

type submittedCall struct {
	request            *models.MonitorRequest
	closingParticipant common.Address
}

type fakeSubmitter struct {
	monitorCalls []submittedCall
	claimCalls   []submittedCall
	err          error
	nextHash     common.Hash
}

func (f *fakeSubmitter) SubmitMonitor(_ context.Context, request *models.MonitorRequest, closing common.Address) (common.Hash, error) {
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.monitorCalls = append(f.monitorCalls, submittedCall{request, closing})
	return f.nextHash, nil
}

func (f *fakeSubmitter) SubmitClaim(_ context.Context, request *models.MonitorRequest, closing common.Address) (common.Hash, error) {
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.claimCalls = append(f.claimCalls, submittedCall{request, closing})
	return f.nextHash, nil
}

func (f *fakeSubmitter) Address() common.Address { return engineReceiver }

type fakeReceiptReader struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeReceiptReader) GetLatestBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeReceiptReader) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeReceiptReader) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newTestEngine(t *testing.T, minReward uint64) (*Engine, storage.Storage, *fakeSubmitter, *fakeReceiptReader) {
	t.Helper()

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "monitor.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.InitChainState(context.Background(), &models.BlockchainState{
		ChainID:              1,
		Receiver:             engineReceiver,
		TokenNetworkRegistry: engineRegistry,
		MonitoringContract:   engineMonitoring,
	}))

	sub := &fakeSubmitter{nextHash: common.HexToHash("0xbeef")}
	reader := &fakeReceiptReader{receipts: map[common.Hash]*types.Receipt{}}
	engine := NewEngine(store, reader, sub,
		&config.MonitoringConfig{MinReward: minReward, MaxDispatchRetries: 10}, metrics.NewManager())
	return engine, store, sub, reader
}

// seedDueAction stores a closed channel, its monitor request, and a due
// scheduled action of the given kind.
func seedDueAction(t *testing.T, store storage.Storage, kind models.ActionKind, mutate func(*models.Channel)) {
	t.Helper()
	ctx := context.Background()

	channel := models.NewChannel(engineNetwork, big.NewInt(7), engineP1, engineP2, 500)
	channel.State = models.ChannelClosed
	channel.ClosingBlock = 50
	channel.ClosingParticipant = engineP1
	closingTx := common.HexToHash("0xc105e")
	channel.ClosingTxHash = &closingTx
	if mutate != nil {
		mutate(channel)
	}

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertTokenNetwork(ctx, engineNetwork))
	require.NoError(t, tx.UpsertChannel(ctx, channel))
	require.NoError(t, tx.UpsertScheduledEvent(ctx, &models.ScheduledEvent{
		TriggerBlockNumber:    100,
		Kind:                  kind,
		TokenNetworkAddress:   engineNetwork,
		ChannelIdentifier:     big.NewInt(7),
		NonClosingParticipant: engineP2,
	}))
	require.NoError(t, tx.Commit())

	require.NoError(t, store.UpsertMonitorRequest(ctx, &models.MonitorRequest{
		ChannelIdentifier:     big.NewInt(7),
		TokenNetworkAddress:   engineNetwork,
		ChainID:               1,
		BalanceHash:           common.HexToHash("0x1122"),
		Nonce:                 12,
		AdditionalHash:        common.HexToHash("0x3344"),
		ClosingSignature:      make([]byte, 65),
		NonClosingSignature:   make([]byte, 65),
		MonitoringContract:    engineMonitoring,
		RewardAmount:          big.NewInt(5000),
		NonClosingParticipant: engineP2,
		RewardProofSignature:  make([]byte, 65),
		Signer:                engineP1,
		NonClosingSigner:      engineP2,
		RewardSigner:          engineP2,
	}))
}

func TestTickDispatchesDueMonitorAction(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)

	require.NoError(t, engine.Tick(ctx, 100))

	require.Len(t, sub.monitorCalls, 1)
	assert.Equal(t, engineP1, sub.monitorCalls[0].closingParticipant)
	assert.Equal(t, uint64(12), sub.monitorCalls[0].request.Nonce)

	channel, err := store.GetChannel(ctx, engineNetwork, big.NewInt(7))
	require.NoError(t, err)
	require.NotNil(t, channel.MonitorTxHash)
	assert.Equal(t, sub.nextHash, *channel.MonitorTxHash)

	hashes, err := store.GetWaitingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.Equal(t, sub.nextHash, hashes[0])

	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTickLeavesFutureActionsAlone(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)

	require.NoError(t, engine.Tick(ctx, 99))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMonitorSkippedWhenRewardBelowMinimum(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 10000)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMonitorSkippedWhenAlreadySubmitted(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	existing := common.HexToHash("0xold")
	seedDueAction(t, store, models.ActionMonitor, func(c *models.Channel) {
		c.MonitorTxHash = &existing
	})

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMonitorSkippedWhenOnChainNonceCurrent(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, func(c *models.Channel) {
		c.UpdateStatus = &models.OnChainUpdateStatus{UpdateSender: engineP2, Nonce: 12}
	})

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMonitorSkippedWhenChannelNotClosed(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, func(c *models.Channel) {
		c.State = models.ChannelSettled
	})

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTransientSubmitErrorKeepsAction(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)
	sub.err = utils.NewTransient(errors.New("rpc timeout"))

	require.NoError(t, engine.Tick(ctx, 100))

	// The row survives for the next tick.
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	channel, err := store.GetChannel(ctx, engineNetwork, big.NewInt(7))
	require.NoError(t, err)
	assert.Nil(t, channel.MonitorTxHash)

	// Once the node recovers, the retry goes through.
	sub.err = nil
	require.NoError(t, engine.Tick(ctx, 100))
	require.Len(t, sub.monitorCalls, 1)
}

type flakyStore struct {
	storage.Storage
	failReads int
}

func (f *flakyStore) GetMonitorRequest(ctx context.Context, tokenNetwork common.Address, identifier *big.Int, signer common.Address) (*models.MonitorRequest, error) {
	if f.failReads > 0 {
		f.failReads--
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load monitor request", "database is locked")
	}
	return f.Storage.GetMonitorRequest(ctx, tokenNetwork, identifier, signer)
}

func TestStorageErrorAtDispatchKeepsAction(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)
	engine.storage = &flakyStore{Storage: store, failReads: 1}

	require.NoError(t, engine.Tick(ctx, 100))

	// A locked database must not cost the action.
	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, engine.Tick(ctx, 100))
	require.Len(t, sub.monitorCalls, 1)
}

func TestUnsweptWaitingRequestStillDispatches(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)

	// Open, close and trigger can all confirm in one catch-up batch, with
	// the request still flagged waiting because the sweep has not run yet.
	stored, err := store.GetMonitorRequest(ctx, engineNetwork, big.NewInt(7), engineP2)
	require.NoError(t, err)
	stored.WaitingForChannel = true
	require.NoError(t, store.UpsertMonitorRequest(ctx, stored))

	require.NoError(t, engine.Tick(ctx, 100))

	require.Len(t, sub.monitorCalls, 1)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTransientFailuresBoundedByRetryLimit(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	engine.maxRetries = 2
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)
	sub.err = utils.NewTransient(errors.New("rpc timeout"))

	for i := 0; i < 2; i++ {
		require.NoError(t, engine.Tick(ctx, 100))
		count, err := store.ScheduledEventCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	}

	// The third consecutive failure exhausts the allowance.
	require.NoError(t, engine.Tick(ctx, 100))
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, sub.monitorCalls)
}

func TestFatalSubmitErrorDropsAction(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionMonitor, nil)
	sub.err = errors.New("transaction would revert")

	require.NoError(t, engine.Tick(ctx, 100))

	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, sub.monitorCalls)
}

func TestTickDispatchesDueClaimAction(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionClaim, func(c *models.Channel) {
		c.UpdateStatus = &models.OnChainUpdateStatus{UpdateSender: engineReceiver, Nonce: 12}
	})

	require.NoError(t, engine.Tick(ctx, 100))

	require.Len(t, sub.claimCalls, 1)
	channel, err := store.GetChannel(ctx, engineNetwork, big.NewInt(7))
	require.NoError(t, err)
	require.NotNil(t, channel.ClaimTxHash)
	assert.Equal(t, sub.nextHash, *channel.ClaimTxHash)
}

func TestClaimSkippedWhenUpdateNotOurs(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedDueAction(t, store, models.ActionClaim, func(c *models.Channel) {
		// Another monitoring service outbid us inside the settle window.
		c.UpdateStatus = &models.OnChainUpdateStatus{UpdateSender: engineP1, Nonce: 20}
	})

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.claimCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestActionWithoutRequestIsDropped(t *testing.T) {
	engine, store, sub, _ := newTestEngine(t, 0)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertScheduledEvent(ctx, &models.ScheduledEvent{
		TriggerBlockNumber:    100,
		Kind:                  models.ActionMonitor,
		TokenNetworkAddress:   engineNetwork,
		ChannelIdentifier:     big.NewInt(7),
		NonClosingParticipant: engineP2,
	}))
	require.NoError(t, tx.Commit())

	require.NoError(t, engine.Tick(ctx, 100))

	assert.Empty(t, sub.monitorCalls)
	count, err := store.ScheduledEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCheckPendingTransactions(t *testing.T) {
	engine, store, _, reader := newTestEngine(t, 0)
	ctx := context.Background()

	confirmed := common.HexToHash("0x01")
	pending := common.HexToHash("0x02")
	unknown := common.HexToHash("0x03")
	for _, hash := range []common.Hash{confirmed, pending, unknown} {
		require.NoError(t, store.AddWaitingTransaction(ctx, hash))
	}

	reader.receipts[confirmed] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(40),
	}
	reader.receipts[pending] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(90),
	}

	require.NoError(t, engine.CheckPendingTransactions(ctx, 50))

	hashes, err := store.GetWaitingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	assert.NotContains(t, hashes, confirmed)
	assert.Contains(t, hashes, pending)
	assert.Contains(t, hashes, unknown)
}

func TestRevertedTransactionIsRetired(t *testing.T) {
	engine, store, _, reader := newTestEngine(t, 0)
	ctx := context.Background()

	reverted := common.HexToHash("0x04")
	require.NoError(t, store.AddWaitingTransaction(ctx, reverted))
	reader.receipts[reverted] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(40),
	}

	require.NoError(t, engine.CheckPendingTransactions(ctx, 50))

	hashes, err := store.GetWaitingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
