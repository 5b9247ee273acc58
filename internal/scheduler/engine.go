// File: internal/scheduler/engine.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/internal/submitter"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Engine dispatches scheduled actions once the chain head reaches their
// trigger block. An action's stored row is just a reminder; everything that
// decides whether to actually send a transaction is re-checked against live
// state at dispatch time, because hours may pass between scheduling and
// triggering.
type Engine struct {
	storage    storage.Storage
	reader     connection.Reader
	submitter  submitter.Submitter
	receiver   common.Address
	minReward  *big.Int
	maxRetries int
	attempts   map[string]int
	metrics    *metrics.Manager
	logger     *logrus.Logger
}

func NewEngine(
	store storage.Storage,
	reader connection.Reader,
	sub submitter.Submitter,
	cfg *config.MonitoringConfig,
	m *metrics.Manager,
) *Engine {
	return &Engine{
		storage:    store,
		reader:     reader,
		submitter:  sub,
		receiver:   sub.Address(),
		minReward:  new(big.Int).SetUint64(cfg.MinReward),
		maxRetries: cfg.MaxDispatchRetries,
		attempts:   make(map[string]int),
		metrics:    m,
		logger:     utils.GetLogger(),
	}
}

// actionKey identifies a scheduled row for retry accounting. The count lives
// in memory only; a restart starts the allowance over, which keeps the bound
// per-process without a schema column.
func actionKey(e *models.ScheduledEvent) string {
	return fmt.Sprintf("%d/%d/%s/%s/%s",
		e.TriggerBlockNumber, e.Kind, e.TokenNetworkAddress.Hex(),
		utils.Hex256(e.ChannelIdentifier), e.NonClosingParticipant.Hex())
}

// Tick dispatches every action whose trigger block the head has reached.
// Triggers compare against the unconfirmed head on purpose: waiting for
// confirmation depth here would eat into the remaining settle window.
func (e *Engine) Tick(ctx context.Context, head uint64) error {
	due, err := e.storage.GetDueScheduledEvents(ctx, head)
	if err != nil {
		return err
	}

	prom := e.metrics.GetPrometheusMetrics()
	for _, event := range due {
		dispatched, err := e.dispatch(ctx, event)

		status := "skipped"
		switch {
		case err != nil && utils.IsTransient(err):
			// The node or the database hiccuped; the row stays and the
			// next tick retries, up to the configured bound.
			key := actionKey(event)
			e.attempts[key]++
			if e.attempts[key] <= e.maxRetries {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"kind":    event.Kind.String(),
					"channel": utils.Hex256(event.ChannelIdentifier),
					"attempt": e.attempts[key],
				}).Warn("Transient dispatch failure, will retry")
				prom.ActionsDispatchedTotal.WithLabelValues(event.Kind.String(), "retry").Inc()
				continue
			}
			status = "failed"
			e.logger.WithError(err).WithFields(logrus.Fields{
				"kind":     event.Kind.String(),
				"channel":  utils.Hex256(event.ChannelIdentifier),
				"attempts": e.attempts[key],
			}).Error("Transient failures exceeded retry limit, dropping action")
		case err != nil:
			status = "failed"
			e.logger.WithError(err).WithFields(logrus.Fields{
				"kind":    event.Kind.String(),
				"channel": utils.Hex256(event.ChannelIdentifier),
			}).Error("Dispatch failed permanently")
		case dispatched:
			status = "dispatched"
		}
		prom.ActionsDispatchedTotal.WithLabelValues(event.Kind.String(), status).Inc()

		delete(e.attempts, actionKey(event))
		if err := e.storage.RemoveScheduledEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, event *models.ScheduledEvent) (bool, error) {
	switch event.Kind {
	case models.ActionMonitor:
		return e.dispatchMonitor(ctx, event)
	case models.ActionClaim:
		return e.dispatchClaim(ctx, event)
	default:
		return false, utils.NewAppError(utils.ErrCodeInternal, "Unknown action kind", event.Kind.String())
	}
}

// dispatchMonitor submits the stored balance proof for a closed channel,
// unless live state says the intervention is unnecessary or unpaid.
func (e *Engine) dispatchMonitor(ctx context.Context, event *models.ScheduledEvent) (bool, error) {
	request, channel, err := e.loadPair(ctx, event)
	if err != nil || request == nil || channel == nil {
		return false, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"channel":       utils.Hex256(event.ChannelIdentifier),
		"token_network": event.TokenNetworkAddress.Hex(),
	})

	if channel.State != models.ChannelClosed {
		log.WithField("state", channel.State.String()).Info("Channel no longer closed, monitor action dropped")
		return false, nil
	}
	if channel.MonitorTxHash != nil {
		log.Info("Balance proof already submitted, monitor action dropped")
		return false, nil
	}
	if channel.UpdateStatus != nil && channel.UpdateStatus.Nonce >= request.Nonce {
		log.WithField("on_chain_nonce", channel.UpdateStatus.Nonce).
			Info("On-chain balance proof is current, monitor action dropped")
		return false, nil
	}
	if !channel.HasParticipant(request.Signer) || !channel.HasParticipant(request.NonClosingSigner) {
		log.Warn("Stored request signers do not match channel participants, monitor action dropped")
		return false, nil
	}
	if request.RewardAmount.Cmp(e.minReward) < 0 {
		log.WithField("reward", request.RewardAmount.String()).
			Info("Reward below minimum, monitor action dropped")
		return false, nil
	}

	txHash, err := e.submitter.SubmitMonitor(ctx, request, channel.ClosingParticipant)
	if err != nil {
		return false, err
	}
	e.metrics.GetPrometheusMetrics().TransactionsSentTotal.WithLabelValues("monitor").Inc()

	channel.MonitorTxHash = &txHash
	return true, e.recordSubmission(ctx, channel, txHash)
}

// dispatchClaim claims the reward after the settle window, provided our own
// intervention is still the surviving balance proof update.
func (e *Engine) dispatchClaim(ctx context.Context, event *models.ScheduledEvent) (bool, error) {
	request, channel, err := e.loadPair(ctx, event)
	if err != nil || request == nil || channel == nil {
		return false, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"channel":       utils.Hex256(event.ChannelIdentifier),
		"token_network": event.TokenNetworkAddress.Hex(),
	})

	if channel.ClaimTxHash != nil {
		log.Info("Reward already claimed, claim action dropped")
		return false, nil
	}
	if channel.UpdateStatus == nil || channel.UpdateStatus.UpdateSender != e.receiver {
		log.Info("Our balance proof did not survive the settle window, claim action dropped")
		return false, nil
	}
	if request.RewardAmount.Sign() <= 0 {
		log.Info("Nothing to claim, claim action dropped")
		return false, nil
	}

	txHash, err := e.submitter.SubmitClaim(ctx, request, channel.ClosingParticipant)
	if err != nil {
		return false, err
	}
	e.metrics.GetPrometheusMetrics().TransactionsSentTotal.WithLabelValues("claim").Inc()

	channel.ClaimTxHash = &txHash
	return true, e.recordSubmission(ctx, channel, txHash)
}

// loadPair fetches the stored request and channel for a due action. Storage
// errors come back marked transient: a locked database at the due tick must
// not cost the row. A request still flagged waiting_for_channel is served
// anyway when the channel row exists; the sweep may simply not have caught
// up with a channel that confirmed in the same batch as the trigger, and
// every channel-dependent check is redone here at dispatch time.
func (e *Engine) loadPair(ctx context.Context, event *models.ScheduledEvent) (*models.MonitorRequest, *models.Channel, error) {
	request, err := e.storage.GetMonitorRequest(
		ctx, event.TokenNetworkAddress, event.ChannelIdentifier, event.NonClosingParticipant)
	if err != nil {
		return nil, nil, utils.NewTransient(err)
	}
	if request == nil {
		e.logger.WithField("channel", utils.Hex256(event.ChannelIdentifier)).
			Debug("No monitor request stored for due action")
		return nil, nil, nil
	}

	channel, err := e.storage.GetChannel(ctx, event.TokenNetworkAddress, event.ChannelIdentifier)
	if err != nil {
		return nil, nil, utils.NewTransient(err)
	}
	if channel == nil {
		e.logger.WithField("channel", utils.Hex256(event.ChannelIdentifier)).
			Warn("Due action references unknown channel")
		return nil, nil, nil
	}
	return request, channel, nil
}

// recordSubmission persists the transaction hash and the receipt watch
// atomically, so a restart cannot resubmit for the same channel.
func (e *Engine) recordSubmission(ctx context.Context, channel *models.Channel, txHash common.Hash) error {
	tx, err := e.storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.UpsertChannel(ctx, channel); err != nil {
		return err
	}
	if err := tx.AddWaitingTransaction(ctx, txHash); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckPendingTransactions polls receipts for submitted transactions and
// retires them once mined past confirmation depth.
func (e *Engine) CheckPendingTransactions(ctx context.Context, confirmed uint64) error {
	hashes, err := e.storage.GetWaitingTransactions(ctx)
	if err != nil {
		return err
	}

	prom := e.metrics.GetPrometheusMetrics()
	for _, hash := range hashes {
		receipt, err := e.reader.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			e.logger.WithError(err).WithField("tx_hash", hash.Hex()).
				Warn("Failed to fetch transaction receipt")
			continue
		}
		if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() > confirmed {
			continue
		}

		if receipt.Status == types.ReceiptStatusSuccessful {
			prom.TransactionsMinedTotal.WithLabelValues("success").Inc()
			e.logger.WithFields(logrus.Fields{
				"tx_hash": hash.Hex(),
				"block":   receipt.BlockNumber.Uint64(),
			}).Info("Transaction confirmed")
		} else {
			prom.TransactionsMinedTotal.WithLabelValues("reverted").Inc()
			e.logger.WithFields(logrus.Fields{
				"tx_hash": hash.Hex(),
				"block":   receipt.BlockNumber.Uint64(),
			}).Error("Transaction reverted on-chain")
		}

		if err := e.storage.RemoveWaitingTransaction(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}
