// File: internal/chainsync/synchronizer.go
package chainsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// ActionEngine is driven once per sync round with the unconfirmed head, so
// scheduled actions fire as soon as the chain reaches their trigger block.
type ActionEngine interface {
	Tick(ctx context.Context, head uint64) error
	CheckPendingTransactions(ctx context.Context, confirmed uint64) error
}

// RequestSweeper reconciles stored monitor requests against channel state
// once per sync round.
type RequestSweeper interface {
	Sweep(ctx context.Context) error
}

// Synchronizer runs the poll loop tying the pipeline together. All stages of
// a round run sequentially on one goroutine; the ordering between applying
// confirmed events and ticking the action engine is load-bearing, because
// the engine reads the channel state the reconciler just committed.
type Synchronizer struct {
	config     *config.SyncConfig
	connection connection.Manager
	storage    storage.Storage
	fetcher    *Fetcher
	reconciler *Reconciler
	tracker    *ConfirmationTracker
	engine     ActionEngine
	sweeper    RequestSweeper
	metrics    *metrics.Manager
	logger     *logrus.Logger

	watermark uint64

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSynchronizer(
	cfg *config.SyncConfig,
	conn connection.Manager,
	store storage.Storage,
	fetcher *Fetcher,
	reconciler *Reconciler,
	engine ActionEngine,
	sweeper RequestSweeper,
	m *metrics.Manager,
) *Synchronizer {
	return &Synchronizer{
		config:     cfg,
		connection: conn,
		storage:    store,
		fetcher:    fetcher,
		reconciler: reconciler,
		tracker:    NewConfirmationTracker(cfg.ConfirmationBlocks),
		engine:     engine,
		sweeper:    sweeper,
		metrics:    m,
		logger:     utils.GetLogger(),
		stopChan:   make(chan struct{}),
	}
}

// Start loads the watermark and launches the sync loop
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return utils.NewAppError(utils.ErrCodeInternal, "Synchronizer already started")
	}

	state, err := s.storage.LoadChainState(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Chain state not initialized")
	}
	s.watermark = state.LatestCommittedBlock

	s.started = true
	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.logger.WithFields(logrus.Fields{
		"watermark":     s.watermark,
		"confirmations": s.config.ConfirmationBlocks,
		"poll_interval": s.config.PollInterval,
	}).Info("Synchronizer started")
	return nil
}

// Stop signals the loop and waits for the current round to finish
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Synchronizer stopped")
}

// Watermark returns the highest durably applied block.
func (s *Synchronizer) Watermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

func (s *Synchronizer) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.syncOnce(ctx)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

// syncOnce runs one full round: advance confirmed state, fire due actions
// against the live head, check receipts, sweep requests. Any stage may fail
// transiently; the round is abandoned and retried at the next tick from the
// durable watermark.
func (s *Synchronizer) syncOnce(ctx context.Context) {
	prom := s.metrics.GetPrometheusMetrics()
	start := time.Now()

	head, err := s.connection.GetLatestBlockNumber(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to fetch chain head")
		prom.SyncErrorsTotal.Inc()
		return
	}
	prom.LatestHeadBlock.Set(float64(head))

	confirmed := s.tracker.ConfirmedBlock(head)
	if confirmed > s.watermark {
		if err := s.advanceTo(ctx, confirmed); err != nil {
			s.logger.WithError(err).Warn("Failed to advance confirmed state")
			prom.SyncErrorsTotal.Inc()
			return
		}
	}

	if err := s.engine.Tick(ctx, head); err != nil {
		s.logger.WithError(err).Warn("Action engine tick failed")
		prom.SyncErrorsTotal.Inc()
	}
	if err := s.engine.CheckPendingTransactions(ctx, confirmed); err != nil {
		s.logger.WithError(err).Warn("Pending transaction check failed")
		prom.SyncErrorsTotal.Inc()
	}
	if err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.WithError(err).Warn("Request sweep failed")
		prom.SyncErrorsTotal.Inc()
	}

	prom.SyncBatchDuration.Observe(time.Since(start).Seconds())
	s.updateGauges(ctx)
}

func (s *Synchronizer) advanceTo(ctx context.Context, confirmed uint64) error {
	tokenNetworks, err := s.storage.GetTokenNetworks(ctx)
	if err != nil {
		return err
	}

	batch, err := s.fetcher.FetchConfirmed(ctx, s.watermark+1, confirmed, tokenNetworks)
	if err != nil {
		return err
	}
	s.metrics.GetPrometheusMetrics().FetchWindowSize.Set(float64(s.fetcher.Window()))
	if batch == nil {
		return nil
	}

	if err := s.reconciler.ApplyBatch(ctx, batch); err != nil {
		return err
	}

	s.mu.Lock()
	s.watermark = batch.ToBlock
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) updateGauges(ctx context.Context) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("Failed to read storage stats")
		return
	}
	prom := s.metrics.GetPrometheusMetrics()
	prom.ChannelsTracked.Set(float64(stats.Channels))
	prom.TokenNetworksTracked.Set(float64(stats.TokenNetworks))
	prom.MonitorRequestsHeld.Set(float64(stats.MonitorRequests))
	prom.ScheduledEventsDue.Set(float64(stats.ScheduledEvents))
	s.metrics.UpdateSystemMetrics()
}
