// File: internal/storage/sql.go
package storage

import (
	"context"
	"database/sql"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// dialect captures the differences between the supported backends. The query
// text itself is shared; both drivers understand ON CONFLICT upserts, so only
// placeholder style and migration scripts vary.
type dialect struct {
	name       string
	driver     string
	rebind     func(string) string
	migrations []*Migration
}

func sqliteDialect() *dialect {
	return &dialect{
		name:       "sqlite",
		driver:     "sqlite",
		rebind:     func(q string) string { return q },
		migrations: GetSQLiteMigrations(),
	}
}

func postgresDialect() *dialect {
	return &dialect{
		name:       "postgres",
		driver:     "postgres",
		rebind:     rebindPositional,
		migrations: GetPostgresMigrations(),
	}
}

// rebindPositional rewrites ? placeholders to $1..$n for lib/pq.
func rebindPositional(query string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// sqlStorage implements Storage over database/sql.
type sqlStorage struct {
	config  *config.StorageConfig
	dialect *dialect
	db      *sql.DB
	logger  *logrus.Logger
}

func newSQLStorage(cfg *config.StorageConfig, d *dialect) *sqlStorage {
	return &sqlStorage{
		config:  cfg,
		dialect: d,
		logger:  utils.GetLogger(),
	}
}

// Connect establishes the database connection
func (s *sqlStorage) Connect() error {
	db, err := sql.Open(s.dialect.driver, s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open database", err.Error())
	}

	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
	}
	if s.config.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(s.config.MaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping database", err.Error())
	}

	if s.dialect.name == "sqlite" {
		// WAL keeps readers unblocked during reconciliation commits.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return utils.NewAppError(utils.ErrCodeDatabase, "Failed to configure sqlite", err.Error())
			}
		}
	}

	s.db = db
	s.logger.WithField("backend", s.dialect.name).Info("Database connected")
	return nil
}

func (s *sqlStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return s.db.Ping()
}

// Migrate applies all pending migrations. Scripts are idempotent, so the
// whole set runs on every start.
func (s *sqlStorage) Migrate() error {
	for _, migration := range s.dialect.migrations {
		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				"Migration failed", migration.Version+": "+err.Error())
		}
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Migration applied")
	}
	return nil
}

// LoadChainState returns the blockchain singleton, or nil when the store has
// never been initialized.
func (s *sqlStorage) LoadChainState(ctx context.Context) (*models.BlockchainState, error) {
	query := s.dialect.rebind(`
		SELECT chain_id, receiver, token_network_registry, monitoring_contract, latest_committed_block
		FROM blockchain WHERE id = 1`)

	var state models.BlockchainState
	var receiver, registry, monitoring string
	err := s.db.QueryRowContext(ctx, query).Scan(
		&state.ChainID, &receiver, &registry, &monitoring, &state.LatestCommittedBlock,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load chain state", err.Error())
	}

	state.Receiver = common.HexToAddress(receiver)
	state.TokenNetworkRegistry = common.HexToAddress(registry)
	state.MonitoringContract = common.HexToAddress(monitoring)
	return &state, nil
}

// InitChainState writes the singleton on first start. On later starts the
// stored identity must match the configured one; a mismatch means the
// database belongs to a different deployment and must not be reused.
func (s *sqlStorage) InitChainState(ctx context.Context, state *models.BlockchainState) error {
	existing, err := s.LoadChainState(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ChainID != state.ChainID ||
			existing.Receiver != state.Receiver ||
			existing.TokenNetworkRegistry != state.TokenNetworkRegistry ||
			existing.MonitoringContract != state.MonitoringContract {
			return utils.NewAppError(utils.ErrCodeConfiguration,
				"Stored chain state does not match configuration",
				"refusing to reuse a database from a different deployment")
		}
		return nil
	}

	query := s.dialect.rebind(`
		INSERT INTO blockchain (id, chain_id, receiver, token_network_registry, monitoring_contract, latest_committed_block)
		VALUES (1, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		state.ChainID,
		addrString(state.Receiver),
		addrString(state.TokenNetworkRegistry),
		addrString(state.MonitoringContract),
		state.LatestCommittedBlock,
	)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to init chain state", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"chain_id":    state.ChainID,
		"start_block": state.LatestCommittedBlock,
	}).Info("Chain state initialized")
	return nil
}

// Begin opens a state transaction
func (s *sqlStorage) Begin(ctx context.Context) (StateTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	return &stateTx{tx: tx, dialect: s.dialect}, nil
}

func (s *sqlStorage) GetTokenNetworks(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM token_network ORDER BY address`)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query token networks", err.Error())
	}
	defer rows.Close()

	var networks []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan token network", err.Error())
		}
		networks = append(networks, common.HexToAddress(addr))
	}
	return networks, rows.Err()
}

func (s *sqlStorage) GetChannel(ctx context.Context, tokenNetwork common.Address, identifier *big.Int) (*models.Channel, error) {
	return getChannel(ctx, s.db, s.dialect, tokenNetwork, identifier)
}

func (s *sqlStorage) ChannelCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "channel")
}

// UpsertMonitorRequest stores a validated monitor request, replacing any
// previous request for the same (channel, token network, signer) identity.
// The replacement is nonce-guarded in SQL: concurrent submissions race
// between the store's read and this write, and the guard keeps a delayed
// lower-nonce write from clobbering a fresher row.
func (s *sqlStorage) UpsertMonitorRequest(ctx context.Context, request *models.MonitorRequest) error {
	query := s.dialect.rebind(`
		INSERT INTO monitor_request (
			channel_identifier, token_network_address, balance_hash, nonce, additional_hash,
			closing_signature, non_closing_signature, reward_amount, reward_proof_signature,
			non_closing_signer, non_closing_participant, saved_at, waiting_for_channel
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_identifier, token_network_address, non_closing_signer) DO UPDATE SET
			balance_hash = excluded.balance_hash,
			nonce = excluded.nonce,
			additional_hash = excluded.additional_hash,
			closing_signature = excluded.closing_signature,
			non_closing_signature = excluded.non_closing_signature,
			reward_amount = excluded.reward_amount,
			reward_proof_signature = excluded.reward_proof_signature,
			non_closing_participant = excluded.non_closing_participant,
			saved_at = excluded.saved_at,
			waiting_for_channel = excluded.waiting_for_channel
		WHERE excluded.nonce >= monitor_request.nonce`)

	_, err := s.db.ExecContext(ctx, query,
		utils.Hex256(request.ChannelIdentifier),
		addrString(request.TokenNetworkAddress),
		request.BalanceHash.Hex(),
		request.Nonce,
		request.AdditionalHash.Hex(),
		hexutil.Encode(request.ClosingSignature),
		hexutil.Encode(request.NonClosingSignature),
		utils.Hex256(request.RewardAmount),
		hexutil.Encode(request.RewardProofSignature),
		addrString(request.NonClosingSigner),
		addrString(request.NonClosingParticipant),
		request.SavedAt.UTC(),
		request.WaitingForChannel,
	)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert monitor request", err.Error())
	}
	return nil
}

// GetMonitorRequest loads a request by identity, or nil when absent. The
// chain ID and monitoring contract come from the blockchain singleton so the
// packed proofs can be reconstructed.
func (s *sqlStorage) GetMonitorRequest(
	ctx context.Context,
	tokenNetwork common.Address,
	identifier *big.Int,
	nonClosingSigner common.Address,
) (*models.MonitorRequest, error) {
	query := s.dialect.rebind(`
		SELECT r.channel_identifier, r.token_network_address, r.balance_hash, r.nonce,
			r.additional_hash, r.closing_signature, r.non_closing_signature, r.reward_amount,
			r.reward_proof_signature, r.non_closing_signer, r.non_closing_participant,
			r.saved_at, r.waiting_for_channel, b.chain_id, b.monitoring_contract
		FROM monitor_request r, blockchain b
		WHERE r.token_network_address = ? AND r.channel_identifier = ? AND r.non_closing_signer = ?`)

	row := s.db.QueryRowContext(ctx, query,
		addrString(tokenNetwork), utils.Hex256(identifier), addrString(nonClosingSigner))

	var r models.MonitorRequest
	var channelID, tnAddr, balanceHash, additionalHash string
	var closingSig, nonClosingSig, rewardAmount, rewardSig string
	var signer, participant, monitoring string

	err := row.Scan(
		&channelID, &tnAddr, &balanceHash, &r.Nonce, &additionalHash,
		&closingSig, &nonClosingSig, &rewardAmount, &rewardSig,
		&signer, &participant, &r.SavedAt, &r.WaitingForChannel,
		&r.ChainID, &monitoring,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load monitor request", err.Error())
	}

	if r.ChannelIdentifier, err = utils.ParseHex256(channelID); err != nil {
		return nil, err
	}
	if r.RewardAmount, err = utils.ParseHex256(rewardAmount); err != nil {
		return nil, err
	}
	if r.ClosingSignature, err = hexutil.Decode(closingSig); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt closing signature", err.Error())
	}
	if r.NonClosingSignature, err = hexutil.Decode(nonClosingSig); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt non-closing signature", err.Error())
	}
	if r.RewardProofSignature, err = hexutil.Decode(rewardSig); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt reward proof signature", err.Error())
	}

	r.TokenNetworkAddress = common.HexToAddress(tnAddr)
	r.BalanceHash = common.HexToHash(balanceHash)
	r.AdditionalHash = common.HexToHash(additionalHash)
	r.NonClosingSigner = common.HexToAddress(signer)
	r.NonClosingParticipant = common.HexToAddress(participant)
	r.MonitoringContract = common.HexToAddress(monitoring)
	return &r, nil
}

func (s *sqlStorage) MonitorRequestCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "monitor_request")
}

func (s *sqlStorage) MarkRequestsWithChannel(ctx context.Context) (int64, error) {
	query := `
		UPDATE monitor_request SET waiting_for_channel = FALSE
		WHERE waiting_for_channel = TRUE AND EXISTS (
			SELECT 1 FROM channel c
			WHERE c.token_network_address = monitor_request.token_network_address
				AND c.identifier = monitor_request.channel_identifier
		)`
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark requests", err.Error())
	}
	return result.RowsAffected()
}

func (s *sqlStorage) PurgeWaitingRequests(ctx context.Context, savedBefore time.Time) (int64, error) {
	query := s.dialect.rebind(`
		DELETE FROM monitor_request
		WHERE waiting_for_channel = TRUE AND saved_at < ?`)
	result, err := s.db.ExecContext(ctx, query, savedBefore.UTC())
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to purge waiting requests", err.Error())
	}
	return result.RowsAffected()
}

func (s *sqlStorage) GetDueScheduledEvents(ctx context.Context, maxTriggerBlock uint64) ([]*models.ScheduledEvent, error) {
	query := s.dialect.rebind(`
		SELECT trigger_block_number, event_type, token_network_address, channel_identifier, non_closing_participant
		FROM scheduled_events
		WHERE trigger_block_number <= ?
		ORDER BY trigger_block_number, channel_identifier`)

	rows, err := s.db.QueryContext(ctx, query, maxTriggerBlock)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query scheduled events", err.Error())
	}
	defer rows.Close()

	var events []*models.ScheduledEvent
	for rows.Next() {
		var e models.ScheduledEvent
		var kind int
		var tnAddr, channelID, participant string
		if err := rows.Scan(&e.TriggerBlockNumber, &kind, &tnAddr, &channelID, &participant); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan scheduled event", err.Error())
		}
		e.Kind = models.ActionKind(kind)
		e.TokenNetworkAddress = common.HexToAddress(tnAddr)
		e.NonClosingParticipant = common.HexToAddress(participant)
		if e.ChannelIdentifier, err = utils.ParseHex256(channelID); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *sqlStorage) RemoveScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error {
	return removeScheduledEvent(ctx, s.db, s.dialect, event)
}

func (s *sqlStorage) ScheduledEventCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "scheduled_events")
}

func (s *sqlStorage) AddWaitingTransaction(ctx context.Context, txHash common.Hash) error {
	return addWaitingTransaction(ctx, s.db, s.dialect, txHash)
}

func (s *sqlStorage) GetWaitingTransactions(ctx context.Context) ([]common.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT transaction_hash FROM waiting_transactions`)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query waiting transactions", err.Error())
	}
	defer rows.Close()

	var hashes []common.Hash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan waiting transaction", err.Error())
		}
		hashes = append(hashes, common.HexToHash(h))
	}
	return hashes, rows.Err()
}

func (s *sqlStorage) RemoveWaitingTransaction(ctx context.Context, txHash common.Hash) error {
	query := s.dialect.rebind(`DELETE FROM waiting_transactions WHERE transaction_hash = ?`)
	if _, err := s.db.ExecContext(ctx, query, txHash.Hex()); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to remove waiting transaction", err.Error())
	}
	return nil
}

func (s *sqlStorage) Stats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}
	for _, c := range []struct {
		table string
		dest  *int64
	}{
		{"token_network", &stats.TokenNetworks},
		{"channel", &stats.Channels},
		{"monitor_request", &stats.MonitorRequests},
		{"scheduled_events", &stats.ScheduledEvents},
		{"waiting_transactions", &stats.WaitingTransactions},
	} {
		n, err := s.count(ctx, c.table)
		if err != nil {
			return nil, err
		}
		*c.dest = n
	}
	return stats, nil
}

func (s *sqlStorage) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count "+table, err.Error())
	}
	return n, nil
}

// stateTx implements StateTx over *sql.Tx.
type stateTx struct {
	tx      *sql.Tx
	dialect *dialect
}

func (t *stateTx) UpsertTokenNetwork(ctx context.Context, address common.Address) error {
	query := t.dialect.rebind(`
		INSERT INTO token_network (address) VALUES (?)
		ON CONFLICT (address) DO NOTHING`)
	if _, err := t.tx.ExecContext(ctx, query, addrString(address)); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert token network", err.Error())
	}
	return nil
}

func (t *stateTx) GetChannel(ctx context.Context, tokenNetwork common.Address, identifier *big.Int) (*models.Channel, error) {
	return getChannel(ctx, t.tx, t.dialect, tokenNetwork, identifier)
}

func (t *stateTx) UpsertChannel(ctx context.Context, channel *models.Channel) error {
	if err := channel.Validate(); err != nil {
		return err
	}

	query := t.dialect.rebind(`
		INSERT INTO channel (
			token_network_address, identifier, participant1, participant2, settle_timeout, state,
			closing_block, closing_participant, closing_tx_hash, monitor_tx_hash, claim_tx_hash,
			update_status_sender, update_status_nonce
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_network_address, identifier) DO UPDATE SET
			participant1 = excluded.participant1,
			participant2 = excluded.participant2,
			settle_timeout = excluded.settle_timeout,
			state = excluded.state,
			closing_block = excluded.closing_block,
			closing_participant = excluded.closing_participant,
			closing_tx_hash = excluded.closing_tx_hash,
			monitor_tx_hash = excluded.monitor_tx_hash,
			claim_tx_hash = excluded.claim_tx_hash,
			update_status_sender = excluded.update_status_sender,
			update_status_nonce = excluded.update_status_nonce`)

	var closingBlock sql.NullInt64
	var closingParticipant sql.NullString
	if channel.ClosingBlock > 0 {
		closingBlock = sql.NullInt64{Int64: int64(channel.ClosingBlock), Valid: true}
		closingParticipant = sql.NullString{String: addrString(channel.ClosingParticipant), Valid: true}
	}

	var updateSender sql.NullString
	var updateNonce sql.NullInt64
	if channel.UpdateStatus != nil {
		updateSender = sql.NullString{String: addrString(channel.UpdateStatus.UpdateSender), Valid: true}
		updateNonce = sql.NullInt64{Int64: int64(channel.UpdateStatus.Nonce), Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, query,
		addrString(channel.TokenNetworkAddress),
		utils.Hex256(channel.Identifier),
		addrString(channel.Participant1),
		addrString(channel.Participant2),
		channel.SettleTimeout,
		int(channel.State),
		closingBlock,
		closingParticipant,
		hashString(channel.ClosingTxHash),
		hashString(channel.MonitorTxHash),
		hashString(channel.ClaimTxHash),
		updateSender,
		updateNonce,
	)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert channel", err.Error())
	}
	return nil
}

func (t *stateTx) UpsertScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error {
	query := t.dialect.rebind(`
		INSERT INTO scheduled_events (
			trigger_block_number, event_type, token_network_address, channel_identifier, non_closing_participant
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (trigger_block_number, event_type, token_network_address, channel_identifier, non_closing_participant)
		DO NOTHING`)

	_, err := t.tx.ExecContext(ctx, query,
		event.TriggerBlockNumber,
		int(event.Kind),
		addrString(event.TokenNetworkAddress),
		utils.Hex256(event.ChannelIdentifier),
		addrString(event.NonClosingParticipant),
	)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert scheduled event", err.Error())
	}
	return nil
}

func (t *stateTx) RemoveScheduledEvent(ctx context.Context, event *models.ScheduledEvent) error {
	return removeScheduledEvent(ctx, t.tx, t.dialect, event)
}

func (t *stateTx) AddWaitingTransaction(ctx context.Context, txHash common.Hash) error {
	return addWaitingTransaction(ctx, t.tx, t.dialect, txHash)
}

func (t *stateTx) SetLatestCommittedBlock(ctx context.Context, block uint64) error {
	query := t.dialect.rebind(`UPDATE blockchain SET latest_committed_block = ? WHERE id = 1`)
	result, err := t.tx.ExecContext(ctx, query, block)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to advance watermark", err.Error())
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return utils.NewAppError(utils.ErrCodeDatabase, "Chain state row missing")
	}
	return nil
}

func (t *stateTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err.Error())
	}
	return nil
}

func (t *stateTx) Rollback() error {
	return t.tx.Rollback()
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getChannel(ctx context.Context, q querier, d *dialect, tokenNetwork common.Address, identifier *big.Int) (*models.Channel, error) {
	query := d.rebind(`
		SELECT token_network_address, identifier, participant1, participant2, settle_timeout, state,
			closing_block, closing_participant, closing_tx_hash, monitor_tx_hash, claim_tx_hash,
			update_status_sender, update_status_nonce
		FROM channel
		WHERE token_network_address = ? AND identifier = ?`)

	row := q.QueryRowContext(ctx, query, addrString(tokenNetwork), utils.Hex256(identifier))

	var c models.Channel
	var tnAddr, channelID, p1, p2 string
	var state int
	var closingBlock, updateNonce sql.NullInt64
	var closingParticipant, closingTx, monitorTx, claimTx, updateSender sql.NullString

	err := row.Scan(
		&tnAddr, &channelID, &p1, &p2, &c.SettleTimeout, &state,
		&closingBlock, &closingParticipant, &closingTx, &monitorTx, &claimTx,
		&updateSender, &updateNonce,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load channel", err.Error())
	}

	c.TokenNetworkAddress = common.HexToAddress(tnAddr)
	c.Participant1 = common.HexToAddress(p1)
	c.Participant2 = common.HexToAddress(p2)
	c.State = models.ChannelState(state)
	if c.Identifier, err = utils.ParseHex256(channelID); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt channel identifier", channelID)
	}

	if closingBlock.Valid {
		c.ClosingBlock = uint64(closingBlock.Int64)
	}
	if closingParticipant.Valid {
		c.ClosingParticipant = common.HexToAddress(closingParticipant.String)
	}
	c.ClosingTxHash = parseHash(closingTx)
	c.MonitorTxHash = parseHash(monitorTx)
	c.ClaimTxHash = parseHash(claimTx)

	if updateSender.Valid {
		c.UpdateStatus = &models.OnChainUpdateStatus{
			UpdateSender: common.HexToAddress(updateSender.String),
			Nonce:        uint64(updateNonce.Int64),
		}
	}
	return &c, nil
}

func removeScheduledEvent(ctx context.Context, q querier, d *dialect, event *models.ScheduledEvent) error {
	query := d.rebind(`
		DELETE FROM scheduled_events
		WHERE trigger_block_number = ? AND event_type = ? AND token_network_address = ?
			AND channel_identifier = ? AND non_closing_participant = ?`)
	_, err := q.ExecContext(ctx, query,
		event.TriggerBlockNumber,
		int(event.Kind),
		addrString(event.TokenNetworkAddress),
		utils.Hex256(event.ChannelIdentifier),
		addrString(event.NonClosingParticipant),
	)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to remove scheduled event", err.Error())
	}
	return nil
}

func addWaitingTransaction(ctx context.Context, q querier, d *dialect, txHash common.Hash) error {
	query := d.rebind(`
		INSERT INTO waiting_transactions (transaction_hash) VALUES (?)
		ON CONFLICT (transaction_hash) DO NOTHING`)
	if _, err := q.ExecContext(ctx, query, txHash.Hex()); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to add waiting transaction", err.Error())
	}
	return nil
}

func addrString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func hashString(h *common.Hash) sql.NullString {
	if h == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func parseHash(s sql.NullString) *common.Hash {
	if !s.Valid {
		return nil
	}
	h := common.HexToHash(s.String)
	return &h
}
