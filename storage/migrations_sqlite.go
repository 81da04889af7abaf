package storage

import (
	"database/sql"
)

// sqliteMigrations is the gateway schema history. Applied migrations must not
// be edited; add a new version instead.
var sqliteMigrations = []Migration{
	{
		Version: "1.0.0",
		Name:    "initial_schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS blocks (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				value TEXT NOT NULL,
				reason TEXT NOT NULL,
				rule_id TEXT,
				active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_blocks_active_expires ON blocks(active, expires_at);
			CREATE INDEX IF NOT EXISTS idx_blocks_value ON blocks(type, value);

			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				event_id TEXT NOT NULL,
				rule_id TEXT NOT NULL,
				rule_name TEXT NOT NULL,
				severity TEXT NOT NULL,
				action TEXT NOT NULL,
				ip_address TEXT,
				user_id TEXT,
				message TEXT,
				acknowledged INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				UNIQUE(event_id, rule_id)
			);
			CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC);

			CREATE TABLE IF NOT EXISTS users (
				user_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				reason TEXT,
				rule_id TEXT,
				quarantined_at TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);

			CREATE TABLE IF NOT EXISTS security_events (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				severity TEXT NOT NULL,
				user_id TEXT,
				ip_address TEXT NOT NULL,
				user_agent TEXT,
				resource TEXT,
				action TEXT NOT NULL,
				details TEXT,
				blocked INTEGER NOT NULL DEFAULT 0,
				timestamp TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp DESC);
			CREATE INDEX IF NOT EXISTS idx_security_events_ip ON security_events(ip_address);
			`)
			return err
		},
	},
	{
		Version: "1.1.0",
		Name:    "add_event_region",
		Up: func(tx *sql.Tx) error {
			return addColumnIfNotExists(tx, "security_events", "region", "TEXT")
		},
	},
	{
		Version: "1.2.0",
		Name:    "index_alert_rule_and_event_user",
		Up: func(tx *sql.Tx) error {
			if err := createIndexIfNotExists(tx, "idx_alerts_rule_id", "alerts", "rule_id"); err != nil {
				return err
			}
			return createIndexIfNotExists(tx, "idx_security_events_user", "security_events", "user_id")
		},
	},
}
