// Package postgres provides a PostgreSQL implementation of the subscription.Storage interface.
// Each user's row is serialized with a transaction-scoped advisory lock plus
// SELECT FOR UPDATE, and webhook events are deduplicated by a unique constraint.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Storage implements subscription.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string (postgres:// URL form)
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations in New.
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:   pool,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const packageColumns = `id, name, is_premium, price, currency, billing_cycle, provider_product_id,
	is_active, max_watchlists, max_stocks_per_watchlist, max_chart_layouts`

func scanPackage(row pgx.Row) (*subscription.Package, error) {
	var pkg subscription.Package
	var cycle string
	var productID *string
	err := row.Scan(
		&pkg.ID, &pkg.Name, &pkg.Premium, &pkg.Price, &pkg.Currency, &cycle, &productID,
		&pkg.Active, &pkg.Limits.MaxWatchlists, &pkg.Limits.MaxStocksPerWatchlist, &pkg.Limits.MaxChartLayouts,
	)
	if err != nil {
		return nil, err
	}
	pkg.BillingCycle = subscription.BillingCycle(cycle)
	pkg.ProviderProductID = deref(productID)
	return &pkg, nil
}

func (s *Storage) getPackage(ctx context.Context, where string, arg any) (*subscription.Package, error) {
	pkg, err := scanPackage(s.pool.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get package: %v", subscription.ErrPersistence, err)
	}
	return pkg, nil
}

// GetPackage implements subscription.PackageSource
func (s *Storage) GetPackage(ctx context.Context, id string) (*subscription.Package, error) {
	return s.getPackage(ctx, "id = $1", id)
}

// GetPackageByProviderProductID implements subscription.PackageSource
func (s *Storage) GetPackageByProviderProductID(ctx context.Context, productID string) (*subscription.Package, error) {
	if productID == "" {
		return nil, subscription.ErrPackageNotFound
	}
	return s.getPackage(ctx, "provider_product_id = $1", productID)
}

// GetBasicPackage implements subscription.PackageSource
func (s *Storage) GetBasicPackage(ctx context.Context) (*subscription.Package, error) {
	pkgs, err := s.listPackages(ctx, s.pool, `WHERE NOT is_premium AND price = 0`)
	if err != nil {
		return nil, err
	}
	switch len(pkgs) {
	case 0:
		return nil, fmt.Errorf("%w: no basic package", subscription.ErrPackageNotFound)
	case 1:
		return pkgs[0], nil
	default:
		return nil, fmt.Errorf("more than one basic package: %s, %s", pkgs[0].ID, pkgs[1].ID)
	}
}

// ListPackages implements subscription.PackageSource
func (s *Storage) ListPackages(ctx context.Context) ([]*subscription.Package, error) {
	return s.listPackages(ctx, s.pool, "")
}

func (s *Storage) listPackages(ctx context.Context, q querier, where string) ([]*subscription.Package, error) {
	rows, err := q.Query(ctx, `SELECT `+packageColumns+` FROM packages `+where+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list packages: %v", subscription.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*subscription.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan package: %v", subscription.ErrPersistence, err)
		}
		out = append(out, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list packages: %v", subscription.ErrPersistence, err)
	}
	return out, nil
}

// UpsertPackage inserts or updates a package definition.
func (s *Storage) UpsertPackage(ctx context.Context, pkg *subscription.Package) error {
	if pkg == nil || pkg.ID == "" {
		return fmt.Errorf("invalid package")
	}
	cycle := pkg.BillingCycle
	if cycle == "" {
		cycle = subscription.BillingMonthly
	}
	currency := pkg.Currency
	if currency == "" {
		currency = "USD"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO packages (`+packageColumns+`, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				is_premium = EXCLUDED.is_premium,
				price = EXCLUDED.price,
				currency = EXCLUDED.currency,
				billing_cycle = EXCLUDED.billing_cycle,
				provider_product_id = EXCLUDED.provider_product_id,
				is_active = EXCLUDED.is_active,
				max_watchlists = EXCLUDED.max_watchlists,
				max_stocks_per_watchlist = EXCLUDED.max_stocks_per_watchlist,
				max_chart_layouts = EXCLUDED.max_chart_layouts,
				updated_at = NOW()`,
		pkg.ID, pkg.Name, pkg.Premium, pkg.Price, currency, string(cycle), nullString(pkg.ProviderProductID),
		pkg.Active, pkg.Limits.MaxWatchlists, pkg.Limits.MaxStocksPerWatchlist, pkg.Limits.MaxChartLayouts,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert package: %v", subscription.ErrPersistence, err)
	}
	return nil
}

// AddUser registers a user id. Existing ids are left alone.
func (s *Storage) AddUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("%w: failed to add user: %v", subscription.ErrPersistence, err)
	}
	return nil
}

const eventColumns = `id, provider, provider_event_id, event_type, payload, received_at,
	processed_at, rejected_at, attempts, last_error, subscription_id`

func scanEvent(row pgx.Row) (*subscription.WebhookEvent, error) {
	var ev subscription.WebhookEvent
	var lastError, subscriptionID *string
	err := row.Scan(
		&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.EventType, &ev.Payload, &ev.ReceivedAt,
		&ev.ProcessedAt, &ev.RejectedAt, &ev.Attempts, &lastError, &subscriptionID,
	)
	if err != nil {
		return nil, err
	}
	ev.LastError = deref(lastError)
	ev.SubscriptionID = deref(subscriptionID)
	return &ev, nil
}

// RecordEventIfNew implements subscription.EventStore
func (s *Storage) RecordEventIfNew(
	ctx context.Context, event *subscription.WebhookEvent,
) (*subscription.WebhookEvent, bool, error) {
	if event == nil || event.ID == "" || event.ProviderEventID == "" {
		return nil, false, fmt.Errorf("invalid webhook event")
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	stored, err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (id, provider, provider_event_id, event_type, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider, provider_event_id) DO NOTHING
			RETURNING `+eventColumns,
		event.ID, event.Provider, event.ProviderEventID, event.EventType, event.Payload, receivedAt,
	))
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	// The insert hit the unique constraint: return the existing row.
	stored, err = scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND provider_event_id = $2`,
		event.Provider, event.ProviderEventID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing webhook event: %w", err)
	}
	return stored, true, nil
}

// MarkEventFailed implements subscription.EventStore
func (s *Storage) MarkEventFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("%w: failed to mark event failed: %v", subscription.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrEventNotFound
	}
	return nil
}

// MarkEventRejected implements subscription.EventStore
func (s *Storage) MarkEventRejected(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET attempts = attempts + 1, last_error = $2, rejected_at = $3 WHERE id = $1`,
		id, errMsg, s.now())
	if err != nil {
		return fmt.Errorf("%w: failed to mark event rejected: %v", subscription.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrEventNotFound
	}
	return nil
}

// GetEvent implements subscription.EventStore
func (s *Storage) GetEvent(ctx context.Context, id string) (*subscription.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get event: %v", subscription.ErrPersistence, err)
	}
	return ev, nil
}

// ListUnprocessedEvents implements subscription.EventStore
func (s *Storage) ListUnprocessedEvents(
	ctx context.Context, receivedBefore time.Time, maxAttempts, limit int,
) ([]*subscription.WebhookEvent, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE processed_at IS NULL AND rejected_at IS NULL AND received_at < $1 AND attempts < $2
			ORDER BY received_at
			LIMIT $3`,
		receivedBefore, maxAttempts, limitArg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list unprocessed events: %v", subscription.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*subscription.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan event: %v", subscription.ErrPersistence, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list unprocessed events: %v", subscription.ErrPersistence, err)
	}
	return out, nil
}

const subscriptionColumns = `id, user_id, package_id, status, starts_at, expires_at,
	current_period_start, current_period_end, provider, provider_subscription_id,
	provider_customer_id, cancelled_at, metadata, provider_data, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.UserSubscription, error) {
	var sub subscription.UserSubscription
	var status string
	var provider, providerSubID, customerID *string
	var metadata, providerData []byte
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PackageID, &status, &sub.StartsAt, &sub.ExpiresAt,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &provider, &providerSubID,
		&customerID, &sub.CancelledAt, &metadata, &providerData, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = subscription.Status(status)
	sub.Provider = deref(provider)
	sub.ProviderSubscriptionID = deref(providerSubID)
	sub.ProviderCustomerID = deref(customerID)
	if sub.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if sub.ProviderData, err = decodeMap(providerData); err != nil {
		return nil, fmt.Errorf("provider_data: %w", err)
	}
	return &sub, nil
}

func findSubscription(ctx context.Context, q querier, query string, args ...any) (*subscription.UserSubscription, error) {
	sub, err := scanSubscription(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get subscription: %v", subscription.ErrPersistence, err)
	}
	return sub, nil
}

// GetSubscriptionByUser implements subscription.Storage
func (s *Storage) GetSubscriptionByUser(ctx context.Context, userID string) (*subscription.UserSubscription, error) {
	return findSubscription(ctx, s.pool,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE user_id = $1`, userID)
}

// RunInTx implements subscription.Storage
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx subscription.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", subscription.ErrPersistence, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", subscription.ErrPersistence, err)
	}
	return nil
}

// pgTx implements subscription.Tx on one pgx transaction.
type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgTx) ClaimEvent(ctx context.Context, id string) (*subscription.WebhookEvent, error) {
	ev, err := scanEvent(t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to claim event: %v", subscription.ErrPersistence, err)
	}
	return ev, nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, id string, subscriptionID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE webhook_events
			SET processed_at = $2, attempts = attempts + 1, last_error = NULL,
				subscription_id = COALESCE($3, subscription_id)
			WHERE id = $1`,
		id, t.now(), nullString(subscriptionID))
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %v", subscription.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrEventNotFound
	}
	return nil
}

func (t *pgTx) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: failed to check user: %v", subscription.ErrPersistence, err)
	}
	return exists, nil
}

func (t *pgTx) FindSubscriptionByProviderID(ctx context.Context, id string) (*subscription.UserSubscription, error) {
	if id == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return findSubscription(ctx, t.tx,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions
			WHERE provider_subscription_id = $1
				OR metadata ->> 'cancelled_provider_subscription_id' = $1
			ORDER BY (provider_subscription_id = $1) IS TRUE DESC, updated_at DESC
			LIMIT 1`, id)
}

func (t *pgTx) FindSubscriptionByCustomerID(ctx context.Context, id string) (*subscription.UserSubscription, error) {
	if id == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return findSubscription(ctx, t.tx,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions
			WHERE provider_customer_id = $1
			ORDER BY updated_at DESC
			LIMIT 1`, id)
}

// LockSubscription takes a per-user advisory lock first so that two
// transactions racing to create a user's first row serialize as well.
func (t *pgTx) LockSubscription(ctx context.Context, userID string) (*subscription.UserSubscription, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return nil, fmt.Errorf("%w: failed to lock user %s: %v", subscription.ErrPersistence, userID, err)
	}
	return findSubscription(ctx, t.tx,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *subscription.UserSubscription) error {
	if sub == nil || sub.UserID == "" || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	metadata, err := encodeMap(sub.Metadata)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	providerData, err := encodeMap(sub.ProviderData)
	if err != nil {
		return fmt.Errorf("provider_data: %w", err)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = t.now()
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO user_subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (id) DO UPDATE SET
				package_id = EXCLUDED.package_id,
				status = EXCLUDED.status,
				starts_at = EXCLUDED.starts_at,
				expires_at = EXCLUDED.expires_at,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				provider = EXCLUDED.provider,
				provider_subscription_id = EXCLUDED.provider_subscription_id,
				provider_customer_id = EXCLUDED.provider_customer_id,
				cancelled_at = EXCLUDED.cancelled_at,
				metadata = EXCLUDED.metadata,
				provider_data = EXCLUDED.provider_data,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.PackageID, string(sub.Status), sub.StartsAt, sub.ExpiresAt,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullString(sub.Provider), nullString(sub.ProviderSubscriptionID),
		nullString(sub.ProviderCustomerID), sub.CancelledAt, metadata, providerData, sub.LastEventAt, createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to save subscription: %v", subscription.ErrPersistence, err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeMap(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
