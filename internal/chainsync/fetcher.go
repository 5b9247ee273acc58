// File: internal/chainsync/fetcher.go
package chainsync

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Batch is one contiguous range of confirmed, decoded, ordered events.
type Batch struct {
	Events         []models.ChainEvent
	FromBlock      uint64
	ToBlock        uint64
	ConfirmedBlock uint64
}

// Fetcher pulls logs for the watched contracts over an adaptive block
// window. The window halves when a range returns too many logs and doubles
// back up after quiet ranges, so one noisy contract cannot stall the sync
// loop behind a single huge query.
type Fetcher struct {
	reader             connection.Reader
	parser             *EventParser
	registry           common.Address
	monitoringContract common.Address

	window        uint64
	maxWindow     uint64
	highWaterMark int

	logger *logrus.Logger
}

func NewFetcher(
	reader connection.Reader,
	parser *EventParser,
	registry, monitoringContract common.Address,
	cfg *config.SyncConfig,
) *Fetcher {
	return &Fetcher{
		reader:             reader,
		parser:             parser,
		registry:           registry,
		monitoringContract: monitoringContract,
		window:             cfg.MaxWindow,
		maxWindow:          cfg.MaxWindow,
		highWaterMark:      cfg.EventsHighWaterMark,
		logger:             utils.GetLogger(),
	}
}

// Window returns the current adaptive window size in blocks.
func (f *Fetcher) Window() uint64 {
	return f.window
}

// FetchConfirmed returns the next batch of confirmed events starting at
// from, or nil when the confirmed horizon has not moved past from yet. The
// returned range may be shorter than requested; the caller resumes from
// ToBlock+1 next round.
func (f *Fetcher) FetchConfirmed(
	ctx context.Context,
	from, confirmed uint64,
	tokenNetworks []common.Address,
) (*Batch, error) {
	if from > confirmed {
		return nil, nil
	}

	tnSet := make(map[common.Address]bool, len(tokenNetworks))
	for _, addr := range tokenNetworks {
		tnSet[addr] = true
	}

	for {
		to := from + f.window - 1
		if to > confirmed || to < from {
			to = confirmed
		}

		addresses := make([]common.Address, 0, len(tokenNetworks)+2)
		addresses = append(addresses, f.registry, f.monitoringContract)
		addresses = append(addresses, tokenNetworks...)

		logs, err := f.reader.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addresses,
		})
		if err != nil {
			f.shrink()
			return nil, err
		}

		if len(logs) > f.highWaterMark && f.window > 1 {
			f.logger.WithFields(logrus.Fields{
				"logs":   len(logs),
				"window": f.window,
			}).Debug("Log burst, shrinking fetch window")
			f.shrink()
			continue
		}

		events := f.decodeLogs(logs, tnSet)

		// Token networks created inside this range were not in the
		// address filter, so their own logs need a follow-up query.
		if extra, err := f.fetchNewNetworkLogs(ctx, events, to, tnSet); err != nil {
			return nil, err
		} else if len(extra) > 0 {
			events = append(events, extra...)
		}

		sort.Slice(events, func(i, j int) bool {
			return events[i].Position().Before(events[j].Position())
		})

		if len(logs) < f.highWaterMark/2 {
			f.grow()
		}

		return &Batch{
			Events:         events,
			FromBlock:      from,
			ToBlock:        to,
			ConfirmedBlock: confirmed,
		}, nil
	}
}

func (f *Fetcher) decodeLogs(logs []types.Log, tnSet map[common.Address]bool) []models.ChainEvent {
	var events []models.ChainEvent
	for i := range logs {
		event, err := f.parser.DecodeLog(&logs[i], tnSet)
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"tx_hash":   logs[i].TxHash.Hex(),
				"log_index": logs[i].Index,
			}).Warn("Skipping undecodable log")
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}
	return events
}

// fetchNewNetworkLogs covers channel events of token networks whose creation
// confirmed within the current range.
func (f *Fetcher) fetchNewNetworkLogs(
	ctx context.Context,
	events []models.ChainEvent,
	to uint64,
	tnSet map[common.Address]bool,
) ([]models.ChainEvent, error) {
	var created []*models.TokenNetworkCreatedEvent
	for _, event := range events {
		if e, ok := event.(*models.TokenNetworkCreatedEvent); ok && !tnSet[e.TokenNetworkAddress] {
			created = append(created, e)
			tnSet[e.TokenNetworkAddress] = true
		}
	}
	if len(created) == 0 {
		return nil, nil
	}

	var extra []models.ChainEvent
	for _, e := range created {
		logs, err := f.reader.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(e.Pos.BlockNumber),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{e.TokenNetworkAddress},
		})
		if err != nil {
			return nil, err
		}
		extra = append(extra, f.decodeLogs(logs, tnSet)...)
	}
	return extra, nil
}

func (f *Fetcher) shrink() {
	if f.window > 1 {
		f.window /= 2
	}
}

func (f *Fetcher) grow() {
	if f.window < f.maxWindow {
		f.window *= 2
		if f.window > f.maxWindow {
			f.window = f.maxWindow
		}
	}
}
