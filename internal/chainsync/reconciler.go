// File: internal/chainsync/reconciler.go
package chainsync

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Reconciler applies a batch of confirmed events to stored state. The whole
// batch, including the watermark advance, commits in one transaction, so a
// crash at any point leaves the store at a previous watermark and the next
// start replays the same batch to the same result.
type Reconciler struct {
	storage         storage.Storage
	receiver        common.Address
	triggerFraction float64
	metrics         *metrics.Manager
	logger          *logrus.Logger
}

func NewReconciler(
	store storage.Storage,
	receiver common.Address,
	triggerFraction float64,
	m *metrics.Manager,
) *Reconciler {
	return &Reconciler{
		storage:         store,
		receiver:        receiver,
		triggerFraction: triggerFraction,
		metrics:         m,
		logger:          utils.GetLogger(),
	}
}

// ApplyBatch applies every event of the batch in chain order and advances
// the watermark to the batch's upper bound. A failing event is logged and
// skipped; it must never abort the batch, or the watermark would stall
// behind one bad log forever.
func (r *Reconciler) ApplyBatch(ctx context.Context, batch *Batch) error {
	tx, err := r.storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prom := r.metrics.GetPrometheusMetrics()
	for _, event := range batch.Events {
		if err := r.applyEvent(ctx, tx, batch, event); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"event": event.Name(),
				"block": event.Position().BlockNumber,
				"tx":    event.Position().TxHash.Hex(),
			}).Warn("Skipping event")
			prom.EventsSkippedTotal.WithLabelValues(event.Name(), "error").Inc()
			continue
		}
		prom.EventsAppliedTotal.WithLabelValues(event.Name()).Inc()
	}

	if err := tx.SetLatestCommittedBlock(ctx, batch.ToBlock); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	prom.SyncBatchesTotal.Inc()
	prom.LatestCommittedBlock.Set(float64(batch.ToBlock))

	r.logger.WithFields(logrus.Fields{
		"from":   batch.FromBlock,
		"to":     batch.ToBlock,
		"events": len(batch.Events),
	}).Debug("Batch committed")
	return nil
}

func (r *Reconciler) applyEvent(ctx context.Context, tx storage.StateTx, batch *Batch, event models.ChainEvent) error {
	switch e := event.(type) {
	case *models.TokenNetworkCreatedEvent:
		return tx.UpsertTokenNetwork(ctx, e.TokenNetworkAddress)
	case *models.ChannelOpenedEvent:
		return r.onChannelOpened(ctx, tx, e)
	case *models.ChannelClosedEvent:
		return r.onChannelClosed(ctx, tx, batch, e)
	case *models.ChannelBalanceProofUpdatedEvent:
		return r.onBalanceProofUpdated(ctx, tx, e)
	case *models.ChannelSettledEvent:
		return r.onChannelSettled(ctx, tx, e)
	case *models.MonitorNewBalanceProofEvent:
		return r.onMonitorNewBalanceProof(ctx, tx, e)
	case *models.MonitorRewardClaimedEvent:
		r.onRewardClaimed(e)
		return nil
	default:
		return utils.NewAppError(utils.ErrCodeInternal, "Unhandled event kind", event.Name())
	}
}

func (r *Reconciler) onChannelOpened(ctx context.Context, tx storage.StateTx, e *models.ChannelOpenedEvent) error {
	existing, err := tx.GetChannel(ctx, e.TokenNetworkAddress, e.ChannelIdentifier)
	if err != nil {
		return err
	}
	if existing != nil {
		// Replay during resumption; the stored row is at least as new.
		return nil
	}

	channel := models.NewChannel(
		e.TokenNetworkAddress, e.ChannelIdentifier,
		e.Participant1, e.Participant2, e.SettleTimeout,
	)
	return tx.UpsertChannel(ctx, channel)
}

// onChannelClosed marks the channel closed and schedules the monitor check
// partway into the settle window. One scheduled action is enough: at
// dispatch time the engine re-validates whether intervening is still needed.
func (r *Reconciler) onChannelClosed(ctx context.Context, tx storage.StateTx, batch *Batch, e *models.ChannelClosedEvent) error {
	channel, err := tx.GetChannel(ctx, e.TokenNetworkAddress, e.ChannelIdentifier)
	if err != nil {
		return err
	}
	if channel == nil {
		return utils.NewAppError(utils.ErrCodeNotFound, "Close for unknown channel", utils.Hex256(e.ChannelIdentifier))
	}
	if channel.State != models.ChannelOpened {
		r.logger.WithFields(logrus.Fields{
			"channel": utils.Hex256(e.ChannelIdentifier),
			"state":   channel.State.String(),
		}).Warn("Close for channel not in opened state, ignoring")
		return nil
	}

	channel.State = models.ChannelClosed
	channel.ClosingBlock = e.Pos.BlockNumber
	channel.ClosingParticipant = e.ClosingParticipant
	txHash := e.Pos.TxHash
	channel.ClosingTxHash = &txHash

	if err := tx.UpsertChannel(ctx, channel); err != nil {
		return err
	}

	nonClosing, ok := channel.CounterpartOf(e.ClosingParticipant)
	if !ok {
		return utils.NewAppError(utils.ErrCodeInvariant,
			"Closing participant not in channel", e.ClosingParticipant.Hex())
	}

	settleEnd := channel.ClosingBlock + channel.SettleTimeout
	if batch.ConfirmedBlock >= settleEnd {
		// The settle window has already passed confirmation depth;
		// submitting a balance proof now would revert.
		r.logger.WithField("channel", utils.Hex256(e.ChannelIdentifier)).
			Warn("Settle period over at confirmation, not scheduling monitor action")
		return nil
	}

	trigger := channel.ClosingBlock + uint64(float64(channel.SettleTimeout)*r.triggerFraction)
	return tx.UpsertScheduledEvent(ctx, &models.ScheduledEvent{
		TriggerBlockNumber:    trigger,
		Kind:                  models.ActionMonitor,
		TokenNetworkAddress:   e.TokenNetworkAddress,
		ChannelIdentifier:     e.ChannelIdentifier,
		NonClosingParticipant: nonClosing,
	})
}

func (r *Reconciler) onBalanceProofUpdated(ctx context.Context, tx storage.StateTx, e *models.ChannelBalanceProofUpdatedEvent) error {
	channel, err := tx.GetChannel(ctx, e.TokenNetworkAddress, e.ChannelIdentifier)
	if err != nil {
		return err
	}
	if channel == nil {
		return utils.NewAppError(utils.ErrCodeNotFound, "Balance proof update for unknown channel", utils.Hex256(e.ChannelIdentifier))
	}
	if channel.State != models.ChannelClosed {
		return utils.NewAppError(utils.ErrCodeInvariant,
			"Balance proof update for channel not in closed state", channel.State.String())
	}
	if channel.UpdateStatus != nil && e.Nonce <= channel.UpdateStatus.Nonce {
		r.logger.WithFields(logrus.Fields{
			"channel":      utils.Hex256(e.ChannelIdentifier),
			"event_nonce":  e.Nonce,
			"stored_nonce": channel.UpdateStatus.Nonce,
		}).Debug("Stale balance proof update, ignoring")
		return nil
	}

	sender, ok := channel.CounterpartOf(e.ClosingParticipant)
	if !ok {
		return utils.NewAppError(utils.ErrCodeInvariant,
			"Closing participant not in channel", e.ClosingParticipant.Hex())
	}

	channel.UpdateStatus = &models.OnChainUpdateStatus{
		UpdateSender: sender,
		Nonce:        e.Nonce,
	}
	return tx.UpsertChannel(ctx, channel)
}

func (r *Reconciler) onChannelSettled(ctx context.Context, tx storage.StateTx, e *models.ChannelSettledEvent) error {
	channel, err := tx.GetChannel(ctx, e.TokenNetworkAddress, e.ChannelIdentifier)
	if err != nil {
		return err
	}
	if channel == nil {
		return utils.NewAppError(utils.ErrCodeNotFound, "Settle for unknown channel", utils.Hex256(e.ChannelIdentifier))
	}
	if channel.Terminal() {
		return nil
	}

	channel.State = models.ChannelSettled
	return tx.UpsertChannel(ctx, channel)
}

// onMonitorNewBalanceProof records a monitoring service intervention. When
// the submitter is us, the reward claim is scheduled for right after the
// settle window ends.
func (r *Reconciler) onMonitorNewBalanceProof(ctx context.Context, tx storage.StateTx, e *models.MonitorNewBalanceProofEvent) error {
	channel, err := tx.GetChannel(ctx, e.TokenNetworkAddress, e.ChannelIdentifier)
	if err != nil {
		return err
	}
	if channel == nil {
		return utils.NewAppError(utils.ErrCodeNotFound, "Monitor intervention for unknown channel", utils.Hex256(e.ChannelIdentifier))
	}
	if channel.UpdateStatus != nil && e.Nonce < channel.UpdateStatus.Nonce {
		r.logger.WithFields(logrus.Fields{
			"channel":      utils.Hex256(e.ChannelIdentifier),
			"event_nonce":  e.Nonce,
			"stored_nonce": channel.UpdateStatus.Nonce,
		}).Debug("Stale monitor intervention, ignoring")
		return nil
	}

	channel.UpdateStatus = &models.OnChainUpdateStatus{
		UpdateSender: e.MonitoringService,
		Nonce:        e.Nonce,
	}

	if e.MonitoringService == r.receiver {
		txHash := e.Pos.TxHash
		channel.MonitorTxHash = &txHash

		if err := tx.UpsertScheduledEvent(ctx, &models.ScheduledEvent{
			TriggerBlockNumber:    channel.ClosingBlock + channel.SettleTimeout + 1,
			Kind:                  models.ActionClaim,
			TokenNetworkAddress:   e.TokenNetworkAddress,
			ChannelIdentifier:     e.ChannelIdentifier,
			NonClosingParticipant: e.NonClosingPeer,
		}); err != nil {
			return err
		}
	}

	return tx.UpsertChannel(ctx, channel)
}

func (r *Reconciler) onRewardClaimed(e *models.MonitorRewardClaimedEvent) {
	entry := r.logger.WithFields(logrus.Fields{
		"monitoring_service": e.MonitoringService.Hex(),
		"amount":             e.Amount.String(),
		"reward_id":          e.RewardIdentifier.Hex(),
	})
	if e.MonitoringService == r.receiver {
		entry.Info("Our reward claim confirmed")
	} else {
		entry.Debug("Reward claimed by another monitoring service")
	}
}
