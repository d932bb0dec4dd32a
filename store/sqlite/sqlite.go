/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:       balances + append-only transaction log
  subscription.Store: billing relationships, sharing the ledger's atomic unit

APPEND-ONLY ENFORCEMENT:
  The transactions table is never updated except to stamp reversed_by, and
  never deleted from. Corrections happen via compensating entries.

IDEMPOTENCY:
  The partial unique index on external_event_id is the enforcement point for
  webhook deduplication. A violation maps to ledger.ErrDuplicateEvent; the
  engine interprets it as "already processed".

CONCURRENCY:
  A store-level mutex serializes writers; SQLite WAL keeps readers unblocked.
  Busy/locked errors map to ledger.ErrStorageConflict so the engine's bounded
  retry can absorb transient contention.

USAGE:
  store, err := sqlite.New("./data/tokenledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.SystemClock{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/chatforge/tokenledger/ledger"
	"github.com/chatforge/tokenledger/subscription"
)

// Store implements ledger.Store and subscription.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writers are serialized by the store mutex anyway, and
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- One balance row per user, created lazily on first credit.
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Append-only transaction log. reversed_by is the only mutable column.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		subscription_id TEXT,
		external_event_id TEXT,
		reversed_by TEXT,
		balance_after INTEGER NOT NULL,
		metadata_json TEXT
	);

	-- Webhook dedupe. The storage engine, not application code, closes the
	-- race between two concurrent deliveries of the same event.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_event
		ON transactions(external_event_id) WHERE external_event_id IS NOT NULL;

	-- Statement pagination and grant replay.
	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id);

	-- Sweep candidates.
	CREATE INDEX IF NOT EXISTS idx_transactions_expiry
		ON transactions(expires_at)
		WHERE expires_at IS NOT NULL AND reversed_by IS NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_subscription
		ON transactions(subscription_id) WHERE subscription_id IS NOT NULL;

	-- One row per billing relationship, retained after cancellation.
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_subscription_id TEXT UNIQUE,
		plan_tier TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		monthly_allowance INTEGER NOT NULL,
		allocated_this_period INTEGER NOT NULL DEFAULT 0,
		last_allocation_at TEXT,
		past_due_since TEXT,
		canceled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_status
		ON subscriptions(status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user
		ON subscriptions(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.withTx(ctx, func(tx *sqliteTx) error { return fn(tx) })
}

// WithSubscriptionTx executes fn within one database transaction spanning the
// ledger and subscription tables.
func (s *Store) WithSubscriptionTx(ctx context.Context, fn func(subscription.Tx) error) error {
	return s.withTx(ctx, func(tx *sqliteTx) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(*sqliteTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageErr(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapStorageErr(err)
	}
	return nil
}

// GetBalance returns the user's balance; absent rows read as zero.
func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mapStorageErr(err)
	}
	return balance, nil
}

// ListTransactions pages the user's history newest first, keyset-paginated on
// the append order.
func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor string, limit int) (ledger.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	before := int64(1<<62 - 1)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return ledger.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		before = parsed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, `+txColumns+`
		FROM transactions
		WHERE user_id = ? AND rowid < ?
		ORDER BY rowid DESC
		LIMIT ?
	`, userID, before, limit)
	if err != nil {
		return ledger.Page{}, mapStorageErr(err)
	}
	defer rows.Close()

	var page ledger.Page
	for rows.Next() {
		var rowid int64
		tx, err := scanTransaction(rows, &rowid)
		if err != nil {
			return ledger.Page{}, err
		}
		page.Transactions = append(page.Transactions, tx)
		page.NextCursor = strconv.FormatInt(rowid, 10)
	}
	if err := rows.Err(); err != nil {
		return ledger.Page{}, mapStorageErr(err)
	}
	if len(page.Transactions) < limit {
		page.NextCursor = ""
	}
	return page, nil
}

// UsersWithExpired returns users holding unreversed grants past expiry.
func (s *Store) UsersWithExpired(ctx context.Context, now time.Time) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM transactions
		WHERE delta > 0 AND expires_at IS NOT NULL AND reversed_by IS NULL
		  AND expires_at <= ?
		ORDER BY user_id
	`, encodeTime(now))
	if err != nil {
		return nil, mapStorageErr(err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// =============================================================================
// TRANSACTION VIEW - ledger.Tx + subscription.Tx
// =============================================================================

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) BalanceForUpdate(ctx context.Context, userID ledger.UserID) (int64, bool, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapStorageErr(err)
	}
	return balance, true, nil
}

func (t *sqliteTx) SaveBalance(ctx context.Context, userID ledger.UserID, balance int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`, userID, balance, encodeTime(time.Now().UTC()))
	return mapStorageErr(err)
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, tx ledger.TokenTransaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, delta, reason, created_at, expires_at, subscription_id,
		 external_event_id, reversed_by, balance_after, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.Delta,
		tx.Reason,
		encodeTime(tx.CreatedAt),
		encodeTimePtr(tx.ExpiresAt),
		nullString(string(tx.SubscriptionID)),
		nullString(tx.ExternalEventID),
		nullString(string(tx.ReversedBy)),
		tx.BalanceAfter,
		metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err, "external_event_id") {
			return ledger.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append transaction: %w", mapStorageErr(err))
	}
	return nil
}

func (t *sqliteTx) FindByExternalEventID(ctx context.Context, eventID string) (*ledger.TokenTransaction, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT rowid, `+txColumns+`
		FROM transactions WHERE external_event_id = ?
	`, eventID)

	var rowid int64
	tx, err := scanTransaction(row, &rowid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return &tx, nil
}

func (t *sqliteTx) UserTransactions(ctx context.Context, userID ledger.UserID) ([]ledger.TokenTransaction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT rowid, `+txColumns+`
		FROM transactions
		WHERE user_id = ?
		ORDER BY rowid ASC
	`, userID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	defer rows.Close()

	var txs []ledger.TokenTransaction
	for rows.Next() {
		var rowid int64
		tx, err := scanTransaction(rows, &rowid)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (t *sqliteTx) MarkReversed(ctx context.Context, grantID, reversalID ledger.TransactionID) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET reversed_by = ?
		WHERE id = ? AND reversed_by IS NULL
	`, reversalID, grantID)
	if err != nil {
		return mapStorageErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("grant %s missing or already reversed", grantID)
	}
	return nil
}

// =============================================================================
// SUBSCRIPTION STORE (subscription.Store interface)
// =============================================================================

const subColumns = `id, user_id, external_subscription_id, plan_tier, status,
	period_start, period_end, monthly_allowance, allocated_this_period,
	last_allocation_at, past_due_since, canceled_at, created_at, updated_at`

func (s *Store) GetSubscription(ctx context.Context, id ledger.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSubscriptionRow(s.db.QueryRowContext(ctx,
		"SELECT "+subColumns+" FROM subscriptions WHERE id = ?", id))
}

func (s *Store) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSubscription(ctx, s.db, sub)
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, status subscription.Status) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+subColumns+" FROM subscriptions WHERE status = ? ORDER BY created_at ASC", status)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (t *sqliteTx) SubscriptionForUpdate(ctx context.Context, id ledger.SubscriptionID) (*subscription.Subscription, error) {
	return scanSubscriptionRow(t.tx.QueryRowContext(ctx,
		"SELECT "+subColumns+" FROM subscriptions WHERE id = ?", id))
}

func (t *sqliteTx) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return saveSubscription(ctx, t.tx, sub)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveSubscription(ctx context.Context, db execer, sub *subscription.Subscription) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, user_id, external_subscription_id, plan_tier, status,
		 period_start, period_end, monthly_allowance, allocated_this_period,
		 last_allocation_at, past_due_since, canceled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_tier = excluded.plan_tier,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			monthly_allowance = excluded.monthly_allowance,
			allocated_this_period = excluded.allocated_this_period,
			last_allocation_at = excluded.last_allocation_at,
			past_due_since = excluded.past_due_since,
			canceled_at = excluded.canceled_at,
			updated_at = excluded.updated_at
	`,
		sub.ID,
		sub.UserID,
		nullString(sub.ExternalSubscriptionID),
		sub.PlanTier,
		sub.Status,
		encodeTime(sub.PeriodStart),
		encodeTime(sub.PeriodEnd),
		sub.MonthlyAllowance,
		sub.AllocatedThisPeriod,
		encodeTimePtr(sub.LastAllocationAt),
		encodeTimePtr(sub.PastDueSince),
		encodeTimePtr(sub.CanceledAt),
		encodeTime(sub.CreatedAt),
		encodeTime(sub.UpdatedAt),
	)
	return mapStorageErr(err)
}

// =============================================================================
// SCANNING
// =============================================================================

const txColumns = `id, user_id, delta, reason, created_at, expires_at,
	subscription_id, external_event_id, reversed_by, balance_after, metadata_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner, rowid *int64) (ledger.TokenTransaction, error) {
	var (
		tx              ledger.TokenTransaction
		createdAt       string
		expiresAt       sql.NullString
		subscriptionID  sql.NullString
		externalEventID sql.NullString
		reversedBy      sql.NullString
		metadataJSON    sql.NullString
	)

	err := row.Scan(
		rowid, &tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &createdAt,
		&expiresAt, &subscriptionID, &externalEventID, &reversedBy,
		&tx.BalanceAfter, &metadataJSON,
	)
	if err != nil {
		return tx, err
	}

	tx.CreatedAt = decodeTime(createdAt)
	if expiresAt.Valid {
		t := decodeTime(expiresAt.String)
		tx.ExpiresAt = &t
	}
	tx.SubscriptionID = ledger.SubscriptionID(subscriptionID.String)
	tx.ExternalEventID = externalEventID.String
	tx.ReversedBy = ledger.TransactionID(reversedBy.String)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	return tx, nil
}

func scanSubscriptionRow(row rowScanner) (*subscription.Subscription, error) {
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var (
		sub              subscription.Subscription
		externalID       sql.NullString
		periodStart      string
		periodEnd        string
		lastAllocationAt sql.NullString
		pastDueSince     sql.NullString
		canceledAt       sql.NullString
		createdAt        string
		updatedAt        string
	)

	err := row.Scan(
		&sub.ID, &sub.UserID, &externalID, &sub.PlanTier, &sub.Status,
		&periodStart, &periodEnd, &sub.MonthlyAllowance, &sub.AllocatedThisPeriod,
		&lastAllocationAt, &pastDueSince, &canceledAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.ExternalSubscriptionID = externalID.String
	sub.PeriodStart = decodeTime(periodStart)
	sub.PeriodEnd = decodeTime(periodEnd)
	sub.LastAllocationAt = decodeTimePtr(lastAllocationAt)
	sub.PastDueSince = decodeTimePtr(pastDueSince)
	sub.CanceledAt = decodeTimePtr(canceledAt)
	sub.CreatedAt = decodeTime(createdAt)
	sub.UpdatedAt = decodeTime(updatedAt)
	return &sub, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeFormat keeps the fractional part fixed-width so the lexicographic
// comparisons in SQL (expires_at <= ?) match chronological order.
// RFC3339Nano trims trailing zeros and would misorder sub-second values.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on the
// named column.
func isUniqueViolation(err error, column string) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(serr.Error(), column)
	}
	return false
}

// mapStorageErr converts transient SQLite contention into the sentinel the
// engine retries on.
func mapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%v: %w", err, ledger.ErrStorageConflict)
		}
	}
	return err
}
