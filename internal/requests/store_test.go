// File: internal/requests/store_test.go
package requests

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

const (
	closingKeyHex    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	nonClosingKeyHex = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
	strangerKeyHex   = "2bdd21761a483f71054e14f5b827213567971c676928d9a1808cbfa4b7501200"

	testChainID = uint64(1)
)

var (
	testRegistry   = common.HexToAddress("0xaaa0000000000000000000000000000000000001")
	testMonitoring = common.HexToAddress("0xbbb0000000000000000000000000000000000002")
	testNetwork    = common.HexToAddress("0xccc0000000000000000000000000000000000003")
	testReceiver   = common.HexToAddress("0xddd0000000000000000000000000000000000004")
)

func keyAddress(t *testing.T, keyHex string) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func newTestStore(t *testing.T, gracePeriod time.Duration) (*Store, storage.Storage) {
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
		ChainID:              testChainID,
		Receiver:             testReceiver,
		TokenNetworkRegistry: testRegistry,
		MonitoringContract:   testMonitoring,
	}))

	requests := NewStore(store, testChainID, testMonitoring,
		&config.MonitoringConfig{RequestGracePeriod: gracePeriod}, metrics.NewManager())
	return requests, store
}

// signedRequest builds a request whose three signatures verify: the balance
// proof is signed by closingKey and both the countersignature and the reward
// proof by nonClosingKey.
func signedRequest(t *testing.T, closingKey, nonClosingKey string, nonce uint64) *models.MonitorRequest {
	t.Helper()

	request := &models.MonitorRequest{
		ChannelIdentifier:     big.NewInt(7),
		TokenNetworkAddress:   testNetwork,
		ChainID:               testChainID,
		BalanceHash:           common.HexToHash("0x1122"),
		Nonce:                 nonce,
		AdditionalHash:        common.HexToHash("0x3344"),
		MonitoringContract:    testMonitoring,
		RewardAmount:          big.NewInt(5000),
		NonClosingParticipant: keyAddress(t, nonClosingKey),
	}

	var err error
	request.ClosingSignature, err = utils.SignData(closingKey, request.PackedBalanceProof())
	require.NoError(t, err)
	request.NonClosingSignature, err = utils.SignData(nonClosingKey, request.PackedNonClosingData())
	require.NoError(t, err)
	request.RewardProofSignature, err = utils.SignData(nonClosingKey, request.PackedRewardProof())
	require.NoError(t, err)
	return request
}

func insertOpenChannel(t *testing.T, store storage.Storage, p1, p2 common.Address) {
	t.Helper()
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertTokenNetwork(ctx, testNetwork))
	require.NoError(t, tx.UpsertChannel(ctx, models.NewChannel(testNetwork, big.NewInt(7), p1, p2, 500)))
	require.NoError(t, tx.Commit())
}

func TestSubmitWithoutChannelParksRequest(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	request := signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)
	require.NoError(t, requests.Submit(ctx, request))
	assert.True(t, request.WaitingForChannel)

	stored, err := store.GetMonitorRequest(ctx, testNetwork, big.NewInt(7), keyAddress(t, nonClosingKeyHex))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(10), stored.Nonce)
	assert.Equal(t, testChainID, stored.ChainID)
	assert.Equal(t, testMonitoring, stored.MonitoringContract)
	assert.True(t, stored.WaitingForChannel)
}

func TestSubmitWithChannelIsImmediatelyEligible(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	insertOpenChannel(t, store, keyAddress(t, closingKeyHex), keyAddress(t, nonClosingKeyHex))

	request := signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)
	require.NoError(t, requests.Submit(ctx, request))
	assert.False(t, request.WaitingForChannel)

	assert.Equal(t, keyAddress(t, closingKeyHex), request.Signer)
	assert.Equal(t, keyAddress(t, nonClosingKeyHex), request.NonClosingSigner)
}

func TestSubmitDiscardsStaleNonce(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)))

	// An older request for the same identity is accepted but not stored.
	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 5)))

	stored, err := store.GetMonitorRequest(ctx, testNetwork, big.NewInt(7), keyAddress(t, nonClosingKeyHex))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stored.Nonce)
}

func TestSubmitReplacesWithNewerNonce(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)))
	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 12)))

	stored, err := store.GetMonitorRequest(ctx, testNetwork, big.NewInt(7), keyAddress(t, nonClosingKeyHex))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), stored.Nonce)

	count, err := store.MonitorRequestCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSubmitRejectsForeignRewardSigner(t *testing.T) {
	requests, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	request := signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)
	var err error
	request.RewardProofSignature, err = utils.SignData(strangerKeyHex, request.PackedRewardProof())
	require.NoError(t, err)

	err = requests.Submit(ctx, request)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeSignature))
}

func TestSubmitRejectsCounterSignatureFromWrongParty(t *testing.T) {
	requests, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	request := &models.MonitorRequest{
		ChannelIdentifier:     big.NewInt(7),
		TokenNetworkAddress:   testNetwork,
		ChainID:               testChainID,
		Nonce:                 10,
		MonitoringContract:    testMonitoring,
		RewardAmount:          big.NewInt(5000),
		NonClosingParticipant: keyAddress(t, nonClosingKeyHex),
	}
	var err error
	request.ClosingSignature, err = utils.SignData(closingKeyHex, request.PackedBalanceProof())
	require.NoError(t, err)
	// The countersignature comes from a third party, not the participant
	// who is supposed to authorize the update.
	request.NonClosingSignature, err = utils.SignData(strangerKeyHex, request.PackedNonClosingData())
	require.NoError(t, err)
	request.RewardProofSignature, err = utils.SignData(nonClosingKeyHex, request.PackedRewardProof())
	require.NoError(t, err)

	err = requests.Submit(ctx, request)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeSignature))
}

func TestSubmitRejectsSameSignerBothSides(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	closer := keyAddress(t, closingKeyHex)
	insertOpenChannel(t, store, closer, keyAddress(t, nonClosingKeyHex))

	request := &models.MonitorRequest{
		ChannelIdentifier:     big.NewInt(7),
		TokenNetworkAddress:   testNetwork,
		ChainID:               testChainID,
		Nonce:                 10,
		MonitoringContract:    testMonitoring,
		RewardAmount:          big.NewInt(5000),
		NonClosingParticipant: closer,
	}
	var err error
	request.ClosingSignature, err = utils.SignData(closingKeyHex, request.PackedBalanceProof())
	require.NoError(t, err)
	request.NonClosingSignature, err = utils.SignData(closingKeyHex, request.PackedNonClosingData())
	require.NoError(t, err)
	request.RewardProofSignature, err = utils.SignData(closingKeyHex, request.PackedRewardProof())
	require.NoError(t, err)

	err = requests.Submit(ctx, request)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
}

func TestSubmitRejectsNonParticipantSigners(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	// Channel exists but between two unrelated parties.
	insertOpenChannel(t, store,
		common.HexToAddress("0x0100000000000000000000000000000000000001"),
		common.HexToAddress("0x0100000000000000000000000000000000000002"))

	err := requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10))
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
}

func TestSubmitRejectsSettledChannel(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	channel := models.NewChannel(testNetwork, big.NewInt(7),
		keyAddress(t, closingKeyHex), keyAddress(t, nonClosingKeyHex), 500)
	channel.State = models.ChannelSettled

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertTokenNetwork(ctx, testNetwork))
	require.NoError(t, tx.UpsertChannel(ctx, channel))
	require.NoError(t, tx.Commit())

	err = requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10))
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
}

func TestSubmitShapeValidation(t *testing.T) {
	requests, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(r *models.MonitorRequest)
	}{
		{"zero channel identifier", func(r *models.MonitorRequest) { r.ChannelIdentifier = big.NewInt(0) }},
		{"wrong chain", func(r *models.MonitorRequest) { r.ChainID = 99 }},
		{"wrong monitoring contract", func(r *models.MonitorRequest) {
			r.MonitoringContract = common.HexToAddress("0x0100000000000000000000000000000000000099")
		}},
		{"missing token network", func(r *models.MonitorRequest) { r.TokenNetworkAddress = common.Address{} }},
		{"negative reward", func(r *models.MonitorRequest) { r.RewardAmount = big.NewInt(-1) }},
		{"zero nonce", func(r *models.MonitorRequest) { r.Nonce = 0 }},
		{"truncated signature", func(r *models.MonitorRequest) { r.ClosingSignature = r.ClosingSignature[:64] }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)
			tc.mutate(request)

			err := requests.Submit(ctx, request)
			require.Error(t, err)
			assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
		})
	}
}

func TestSweepMatchesWaitingRequestToChannel(t *testing.T) {
	requests, store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)))

	// The channel's open event confirms after the request arrived.
	insertOpenChannel(t, store, keyAddress(t, closingKeyHex), keyAddress(t, nonClosingKeyHex))
	require.NoError(t, requests.Sweep(ctx))

	stored, err := store.GetMonitorRequest(ctx, testNetwork, big.NewInt(7), keyAddress(t, nonClosingKeyHex))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.WaitingForChannel)
}

func TestSweepPurgesExpiredWaitingRequests(t *testing.T) {
	requests, store := newTestStore(t, time.Nanosecond)
	ctx := context.Background()

	require.NoError(t, requests.Submit(ctx, signedRequest(t, closingKeyHex, nonClosingKeyHex, 10)))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, requests.Sweep(ctx))

	count, err := store.MonitorRequestCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
