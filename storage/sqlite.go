package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"sentinel/core"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteGateway stores engine artifacts in a local SQLite database.
// Writes go through a single-connection pool, reads through a query_only pool.
type SQLiteGateway struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
	closed  atomic.Bool
}

// sqliteDSN applies per-connection pragmas through the DSN so every pooled
// connection gets them, not just the first one
func sqliteDSN(dbPath string, readOnly bool) string {
	dsn := dbPath
	if dbPath == ":memory:" {
		// both pools must see the same database
		dsn = "file::memory:?cache=shared"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)"
	if readOnly {
		dsn += "&_pragma=query_only(1)"
	}
	return dsn
}

// verifySQLiteConnection pings a pool and checks it runs in WAL mode
func verifySQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)
	return nil
}

// NewSQLiteGateway opens (creating if needed) the database at dbPath
func NewSQLiteGateway(dbPath string, logger *zap.SugaredLogger) (*SQLiteGateway, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", sqliteDSN(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// journal mode is stored in the database file, so setting it once is enough
	if _, err := writeDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := verifySQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	g := &SQLiteGateway{
		WriteDB: writeDB,
		Path:    dbPath,
		Logger:  logger,
	}
	if err := g.migrate(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	readDB, err := sql.Open("sqlite", sqliteDSN(dbPath, true))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(2)
	readDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := verifySQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	g.ReadDB = readDB

	logger.Infof("SQLite gateway initialized at %s", dbPath)
	return g, nil
}

// migrate brings the schema up to date
func (s *SQLiteGateway) migrate() error {
	runner, err := NewMigrationRunner(s.WriteDB, s.Logger)
	if err != nil {
		return err
	}
	runner.Register(sqliteMigrations...)
	if issues, err := runner.VerifyIntegrity(); err != nil {
		return err
	} else if len(issues) > 0 {
		s.Logger.Warnw("SQLite schema history differs from this build", "issues", issues)
	}
	return runner.Run()
}

func (s *SQLiteGateway) checkOpen() error {
	if s.closed.Load() {
		return ErrDatabaseClosed
	}
	return nil
}

// SaveBlock inserts or replaces a block record
func (s *SQLiteGateway) SaveBlock(ctx context.Context, rec *core.BlockRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO blocks (id, type, value, reason, rule_id, active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Value, rec.Reason, rec.RuleID, boolToInt(rec.Active),
		formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save block %s: %w", rec.ID, err)
	}
	return nil
}

// SaveAlert inserts an alert. A second alert for the same (event, rule) is ignored.
func (s *SQLiteGateway) SaveAlert(ctx context.Context, alert *core.SecurityAlert) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (id, event_id, rule_id, rule_name, severity, action, ip_address, user_id, message, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.EventID, alert.RuleID, alert.RuleName, string(alert.Severity), string(alert.Action),
		alert.IPAddress, alert.UserID, alert.Message, boolToInt(alert.Acknowledged), formatTime(alert.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// SaveUser upserts a user's quarantine record
func (s *SQLiteGateway) SaveUser(ctx context.Context, rec *core.UserRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO users (user_id, status, reason, rule_id, quarantined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			rule_id = excluded.rule_id,
			quarantined_at = excluded.quarantined_at`,
		rec.UserID, string(rec.Status), rec.Reason, rec.RuleID, formatTime(rec.QuarantinedAt))
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", rec.UserID, err)
	}
	return nil
}

// ArchiveEvent stores a processed event
func (s *SQLiteGateway) ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	details, err := marshalDetails(event.Details)
	if err != nil {
		return err
	}
	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO security_events (id, type, severity, user_id, ip_address, user_agent, resource, action, details, region, blocked, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), string(event.Severity), event.UserID, event.IPAddress, event.UserAgent,
		event.Resource, event.Action, details, event.Region, boolToInt(event.Blocked), formatTime(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", event.ID, err)
	}
	return nil
}

// LoadActiveBlocks returns blocks that are active and unexpired at now
func (s *SQLiteGateway) LoadActiveBlocks(ctx context.Context, now time.Time) ([]*core.BlockRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, type, value, reason, rule_id, active, created_at, expires_at
		FROM blocks
		WHERE active = 1 AND expires_at > ?
		ORDER BY created_at`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query active blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]*core.BlockRecord, 0)
	for rows.Next() {
		var (
			rec                  core.BlockRecord
			blockType            string
			ruleID               sql.NullString
			active               int
			createdAt, expiresAt string
		)
		if err := rows.Scan(&rec.ID, &blockType, &rec.Value, &rec.Reason, &ruleID, &active, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		rec.Type = core.BlockType(blockType)
		rec.RuleID = ruleID.String
		rec.Active = active == 1
		rec.CreatedAt = parseTime(createdAt)
		rec.ExpiresAt = parseTime(expiresAt)
		blocks = append(blocks, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocks: %w", err)
	}
	return blocks, nil
}

// LoadQuarantinedUsers returns every user in the quarantined state
func (s *SQLiteGateway) LoadQuarantinedUsers(ctx context.Context) ([]*core.UserRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT user_id, status, reason, rule_id, quarantined_at
		FROM users
		WHERE status = ?`, string(core.UserStatusQuarantined))
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantined users: %w", err)
	}
	defer rows.Close()

	users := make([]*core.UserRecord, 0)
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// GetUser returns the stored record for userID
func (s *SQLiteGateway) GetUser(ctx context.Context, userID string) (*core.UserRecord, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT user_id, status, reason, rule_id, quarantined_at
		FROM users
		WHERE user_id = ?`, userID)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Ping checks the write pool
func (s *SQLiteGateway) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.WriteDB.PingContext(ctx)
}

// Close closes both pools
func (s *SQLiteGateway) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.WriteDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("write pool: %w", err))
	}
	if err := s.ReadDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("read pool: %w", err))
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*core.UserRecord, error) {
	var (
		rec           core.UserRecord
		status        string
		reason        sql.NullString
		ruleID        sql.NullString
		quarantinedAt sql.NullString
	)
	if err := row.Scan(&rec.UserID, &status, &reason, &ruleID, &quarantinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	rec.Status = core.UserStatus(status)
	rec.Reason = reason.String
	rec.RuleID = ruleID.String
	rec.QuarantinedAt = parseTime(quarantinedAt.String)
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalDetails(details map[string]interface{}) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event details: %w", err)
	}
	return string(data), nil
}

// validateDatabasePath rejects paths that could escape the data directory
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	return nil
}
