// File: internal/requests/store.go
package requests

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

const signatureLength = 65

// Store validates and persists incoming monitor requests. Acceptance here is
// deliberately permissive about channel existence: a request may arrive
// before the channel's open event confirms, so unknown channels park the
// request instead of rejecting it, and Sweep settles the question later.
type Store struct {
	storage            storage.Storage
	chainID            uint64
	monitoringContract common.Address
	gracePeriod        time.Duration
	metrics            *metrics.Manager
	logger             *logrus.Logger
}

func NewStore(
	store storage.Storage,
	chainID uint64,
	monitoringContract common.Address,
	cfg *config.MonitoringConfig,
	m *metrics.Manager,
) *Store {
	return &Store{
		storage:            store,
		chainID:            chainID,
		monitoringContract: monitoringContract,
		gracePeriod:        cfg.RequestGracePeriod,
		metrics:            m,
		logger:             utils.GetLogger(),
	}
}

// Submit validates a monitor request and stores it. A request older than the
// stored one for the same identity is accepted and silently discarded, so
// delayed duplicates never clobber fresher state.
func (s *Store) Submit(ctx context.Context, request *models.MonitorRequest) error {
	prom := s.metrics.GetPrometheusMetrics()

	if err := s.validateShape(request); err != nil {
		prom.RequestsReceivedTotal.WithLabelValues("invalid").Inc()
		return err
	}

	if err := request.RecoverSigners(); err != nil {
		prom.RequestsReceivedTotal.WithLabelValues("bad_signature").Inc()
		return utils.NewAppError(utils.ErrCodeSignature, "Signature recovery failed", err.Error())
	}

	// The reward must be authorized by the participant it benefits, and
	// the balance proof update must be countersigned by the same party.
	if request.NonClosingSigner != request.NonClosingParticipant {
		prom.RequestsReceivedTotal.WithLabelValues("bad_signature").Inc()
		return utils.NewAppError(utils.ErrCodeSignature,
			"Non-closing signature not from the non-closing participant",
			request.NonClosingSigner.Hex())
	}
	if request.RewardSigner != request.NonClosingParticipant {
		prom.RequestsReceivedTotal.WithLabelValues("bad_signature").Inc()
		return utils.NewAppError(utils.ErrCodeSignature,
			"Reward proof signature not from the non-closing participant",
			request.RewardSigner.Hex())
	}

	channel, err := s.storage.GetChannel(ctx, request.TokenNetworkAddress, request.ChannelIdentifier)
	if err != nil {
		return err
	}
	if channel != nil {
		if channel.Terminal() {
			prom.RequestsReceivedTotal.WithLabelValues("rejected").Inc()
			return utils.NewAppError(utils.ErrCodeValidation,
				"Channel already settled", utils.Hex256(request.ChannelIdentifier))
		}
		if !channel.HasParticipant(request.Signer) || !channel.HasParticipant(request.NonClosingSigner) {
			prom.RequestsReceivedTotal.WithLabelValues("rejected").Inc()
			return utils.NewAppError(utils.ErrCodeValidation,
				"Signers are not the channel participants", utils.Hex256(request.ChannelIdentifier))
		}
		if request.Signer == request.NonClosingSigner {
			prom.RequestsReceivedTotal.WithLabelValues("rejected").Inc()
			return utils.NewAppError(utils.ErrCodeValidation,
				"Balance proof and update signed by the same participant", request.Signer.Hex())
		}
	}

	existing, err := s.storage.GetMonitorRequest(
		ctx, request.TokenNetworkAddress, request.ChannelIdentifier, request.NonClosingSigner)
	if err != nil {
		return err
	}
	if existing != nil && request.Nonce < existing.Nonce {
		s.logger.WithFields(logrus.Fields{
			"channel":      utils.Hex256(request.ChannelIdentifier),
			"nonce":        request.Nonce,
			"stored_nonce": existing.Nonce,
		}).Debug("Discarding outdated monitor request")
		prom.RequestsReceivedTotal.WithLabelValues("stale").Inc()
		return nil
	}

	request.SavedAt = time.Now().UTC()
	request.WaitingForChannel = channel == nil
	if err := s.storage.UpsertMonitorRequest(ctx, request); err != nil {
		return err
	}

	status := "accepted"
	if request.WaitingForChannel {
		status = "waiting"
	}
	prom.RequestsReceivedTotal.WithLabelValues(status).Inc()

	s.logger.WithFields(logrus.Fields{
		"channel":       utils.Hex256(request.ChannelIdentifier),
		"token_network": request.TokenNetworkAddress.Hex(),
		"nonce":         request.Nonce,
		"reward":        request.RewardAmount.String(),
		"waiting":       request.WaitingForChannel,
	}).Info("Monitor request stored")
	return nil
}

// Sweep resolves parked requests against current channel state: requests
// whose channel has since confirmed become eligible, and requests that
// outstayed the grace period without one are dropped.
func (s *Store) Sweep(ctx context.Context) error {
	resolved, err := s.storage.MarkRequestsWithChannel(ctx)
	if err != nil {
		return err
	}
	if resolved > 0 {
		s.logger.WithField("count", resolved).Info("Waiting monitor requests matched to channels")
	}

	purged, err := s.storage.PurgeWaitingRequests(ctx, time.Now().UTC().Add(-s.gracePeriod))
	if err != nil {
		return err
	}
	if purged > 0 {
		s.metrics.GetPrometheusMetrics().RequestsPurgedTotal.Add(float64(purged))
		s.logger.WithField("count", purged).Info("Purged monitor requests without a channel")
	}
	return nil
}

func (s *Store) validateShape(r *models.MonitorRequest) error {
	if r.ChannelIdentifier == nil || r.ChannelIdentifier.Sign() <= 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Channel identifier missing or non-positive")
	}
	if r.ChainID != s.chainID {
		return utils.NewAppError(utils.ErrCodeValidation, "Request for a different chain")
	}
	if r.MonitoringContract != s.monitoringContract {
		return utils.NewAppError(utils.ErrCodeValidation,
			"Request for a different monitoring contract", r.MonitoringContract.Hex())
	}
	if r.TokenNetworkAddress == (common.Address{}) {
		return utils.NewAppError(utils.ErrCodeValidation, "Token network address missing")
	}
	if r.RewardAmount == nil || r.RewardAmount.Sign() < 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Reward amount missing or negative")
	}
	if r.Nonce == 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Nonce must be positive")
	}
	for _, sig := range [][]byte{r.ClosingSignature, r.NonClosingSignature, r.RewardProofSignature} {
		if len(sig) != signatureLength {
			return utils.NewAppError(utils.ErrCodeValidation, "Malformed signature")
		}
	}
	return nil
}
