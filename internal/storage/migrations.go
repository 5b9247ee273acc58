// File: internal/storage/migrations.go
package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Schema evolution is additive: migrations use IF NOT EXISTS and are safe
// to re-run on every start.

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create blockchain metadata singleton",
			SQL: `
				CREATE TABLE IF NOT EXISTS blockchain (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					chain_id INTEGER NOT NULL,
					receiver TEXT NOT NULL,
					token_network_registry TEXT NOT NULL,
					monitoring_contract TEXT NOT NULL,
					latest_committed_block INTEGER NOT NULL
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create token network and channel tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_network (
					address TEXT PRIMARY KEY
				);

				CREATE TABLE IF NOT EXISTS channel (
					token_network_address TEXT NOT NULL REFERENCES token_network(address),
					identifier TEXT NOT NULL,
					participant1 TEXT NOT NULL,
					participant2 TEXT NOT NULL,
					settle_timeout INTEGER NOT NULL,
					state INTEGER NOT NULL,
					closing_block INTEGER,
					closing_participant TEXT,
					closing_tx_hash TEXT,
					monitor_tx_hash TEXT,
					claim_tx_hash TEXT,
					update_status_sender TEXT,
					update_status_nonce INTEGER,
					PRIMARY KEY (token_network_address, identifier),
					CHECK ((update_status_sender IS NULL) = (update_status_nonce IS NULL))
				);

				CREATE INDEX IF NOT EXISTS idx_channel_state ON channel(state);
			`,
		},
		{
			Version:     "003",
			Description: "Create monitor request table",
			SQL: `
				CREATE TABLE IF NOT EXISTS monitor_request (
					channel_identifier TEXT NOT NULL,
					token_network_address TEXT NOT NULL,
					balance_hash TEXT NOT NULL,
					nonce INTEGER NOT NULL,
					additional_hash TEXT NOT NULL,
					closing_signature TEXT NOT NULL,
					non_closing_signature TEXT NOT NULL,
					reward_amount TEXT NOT NULL,
					reward_proof_signature TEXT NOT NULL,
					non_closing_signer TEXT NOT NULL,
					non_closing_participant TEXT NOT NULL,
					saved_at DATETIME NOT NULL,
					waiting_for_channel BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (channel_identifier, token_network_address, non_closing_signer)
				);

				CREATE INDEX IF NOT EXISTS idx_monitor_request_waiting
					ON monitor_request(waiting_for_channel, saved_at);
			`,
		},
		{
			Version:     "004",
			Description: "Create scheduled events and waiting transactions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS scheduled_events (
					trigger_block_number INTEGER NOT NULL,
					event_type INTEGER NOT NULL,
					token_network_address TEXT NOT NULL,
					channel_identifier TEXT NOT NULL,
					non_closing_participant TEXT NOT NULL,
					PRIMARY KEY (
						trigger_block_number, event_type, token_network_address,
						channel_identifier, non_closing_participant
					)
				);

				CREATE INDEX IF NOT EXISTS idx_scheduled_trigger
					ON scheduled_events(trigger_block_number);

				CREATE TABLE IF NOT EXISTS waiting_transactions (
					transaction_hash TEXT PRIMARY KEY
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create blockchain metadata singleton",
			SQL: `
				CREATE TABLE IF NOT EXISTS blockchain (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					chain_id BIGINT NOT NULL,
					receiver TEXT NOT NULL,
					token_network_registry TEXT NOT NULL,
					monitoring_contract TEXT NOT NULL,
					latest_committed_block BIGINT NOT NULL
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create token network and channel tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_network (
					address TEXT PRIMARY KEY
				);

				CREATE TABLE IF NOT EXISTS channel (
					token_network_address TEXT NOT NULL REFERENCES token_network(address),
					identifier TEXT NOT NULL,
					participant1 TEXT NOT NULL,
					participant2 TEXT NOT NULL,
					settle_timeout BIGINT NOT NULL,
					state INTEGER NOT NULL,
					closing_block BIGINT,
					closing_participant TEXT,
					closing_tx_hash TEXT,
					monitor_tx_hash TEXT,
					claim_tx_hash TEXT,
					update_status_sender TEXT,
					update_status_nonce BIGINT,
					PRIMARY KEY (token_network_address, identifier),
					CHECK ((update_status_sender IS NULL) = (update_status_nonce IS NULL))
				);

				CREATE INDEX IF NOT EXISTS idx_channel_state ON channel(state);
			`,
		},
		{
			Version:     "003",
			Description: "Create monitor request table",
			SQL: `
				CREATE TABLE IF NOT EXISTS monitor_request (
					channel_identifier TEXT NOT NULL,
					token_network_address TEXT NOT NULL,
					balance_hash TEXT NOT NULL,
					nonce BIGINT NOT NULL,
					additional_hash TEXT NOT NULL,
					closing_signature TEXT NOT NULL,
					non_closing_signature TEXT NOT NULL,
					reward_amount TEXT NOT NULL,
					reward_proof_signature TEXT NOT NULL,
					non_closing_signer TEXT NOT NULL,
					non_closing_participant TEXT NOT NULL,
					saved_at TIMESTAMPTZ NOT NULL,
					waiting_for_channel BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (channel_identifier, token_network_address, non_closing_signer)
				);

				CREATE INDEX IF NOT EXISTS idx_monitor_request_waiting
					ON monitor_request(waiting_for_channel, saved_at);
			`,
		},
		{
			Version:     "004",
			Description: "Create scheduled events and waiting transactions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS scheduled_events (
					trigger_block_number BIGINT NOT NULL,
					event_type INTEGER NOT NULL,
					token_network_address TEXT NOT NULL,
					channel_identifier TEXT NOT NULL,
					non_closing_participant TEXT NOT NULL,
					PRIMARY KEY (
						trigger_block_number, event_type, token_network_address,
						channel_identifier, non_closing_participant
					)
				);

				CREATE INDEX IF NOT EXISTS idx_scheduled_trigger
					ON scheduled_events(trigger_block_number);

				CREATE TABLE IF NOT EXISTS waiting_transactions (
					transaction_hash TEXT PRIMARY KEY
				);
			`,
		},
	}
}
