// Package postgres implements entitlement.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yourflock/roost-entitlements/internal/entitlement"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const liveStatuses = `('authorized', 'downloaded')`

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is an entitlement.Store backed by a connection pool.
type Store struct {
	queries
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InUserTx runs fn in a transaction holding a transaction-scoped advisory
// lock derived from userID. Concurrent units of work for the same user queue
// on the lock; the lock is released on commit or rollback.
func (s *Store) InUserTx(ctx context.Context, userID uuid.UUID, fn func(q entitlement.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(userID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lockKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// queries runs every statement against db, which is either the pool or an
// open transaction.
type queries struct {
	db dbtx
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.ErrRecordNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ─── users, plans, subscriptions ────────────────────────────────────────────

func (q queries) GetUser(ctx context.Context, userID uuid.UUID) (entitlement.User, error) {
	var u entitlement.User
	err := q.db.QueryRowContext(ctx, `SELECT id, role FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.Role)
	if err != nil {
		return entitlement.User{}, notFound(err)
	}
	return u, nil
}

const planColumns = `p.id, p.name, p.price_cents, p.billing_period, p.device_limit,
	p.offline_allowed, p.max_offline_downloads, COALESCE(p.external_price_ref, '')`

func scanPlan(row interface{ Scan(...any) error }, extra ...any) (entitlement.Plan, error) {
	var p entitlement.Plan
	dest := append([]any{&p.ID, &p.Name, &p.PriceCents, &p.BillingPeriod, &p.DeviceLimit,
		&p.OfflineAllowed, &p.MaxOfflineDownloads, &p.ExternalPriceRef}, extra...)
	err := row.Scan(dest...)
	return p, err
}

func (q queries) GetPlan(ctx context.Context, planID uuid.UUID) (entitlement.Plan, error) {
	p, err := scanPlan(q.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans p WHERE p.id = $1`, planID))
	if err != nil {
		return entitlement.Plan{}, notFound(err)
	}
	return p, nil
}

const subscriptionColumns = `s.id, s.user_id, s.plan_id, s.status, s.start_date, s.end_date,
	COALESCE(s.external_ref, ''), s.updated_at`

func subscriptionDest(s *entitlement.Subscription) []any {
	return []any{&s.ID, &s.UserID, &s.PlanID, &s.Status, &s.StartDate, &s.EndDate, &s.ExternalRef, &s.UpdatedAt}
}

func (q queries) ActiveSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (entitlement.Subscription, entitlement.Plan, error) {
	var sub entitlement.Subscription
	row := q.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`, `+subscriptionColumns+`
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active' AND s.end_date >= $2
		ORDER BY s.end_date DESC
		LIMIT 1`, userID, now)
	plan, err := scanPlan(row, subscriptionDest(&sub)...)
	if err != nil {
		return entitlement.Subscription{}, entitlement.Plan{}, notFound(err)
	}
	return sub, plan, nil
}

func (q queries) SubscriptionByExternalRef(ctx context.Context, ref string) (entitlement.Subscription, error) {
	var sub entitlement.Subscription
	err := q.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s WHERE s.external_ref = $1`, ref,
	).Scan(subscriptionDest(&sub)...)
	if err != nil {
		return entitlement.Subscription{}, notFound(err)
	}
	return sub, nil
}

func (q queries) UpsertSubscription(ctx context.Context, sub entitlement.Subscription) (entitlement.Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	conflict := `(external_ref)`
	if sub.ExternalRef == "" {
		conflict = `(id)`
	}
	var out entitlement.Subscription
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions AS s (id, user_id, plan_id, status, start_date, end_date, external_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT `+conflict+` DO UPDATE SET
			plan_id    = EXCLUDED.plan_id,
			status     = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date   = EXCLUDED.end_date,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriptionColumns,
		sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.StartDate, sub.EndDate, nullString(sub.ExternalRef), sub.UpdatedAt,
	).Scan(subscriptionDest(&out)...)
	if err != nil {
		return entitlement.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return out, nil
}

// ─── devices ────────────────────────────────────────────────────────────────

const deviceColumns = `id, user_id, platform, identifier, last_active_at, created_at`

func deviceDest(d *entitlement.Device) []any {
	return []any{&d.ID, &d.UserID, &d.Platform, &d.Identifier, &d.LastActiveAt, &d.CreatedAt}
}

func (q queries) GetDevice(ctx context.Context, deviceID uuid.UUID) (entitlement.Device, error) {
	var d entitlement.Device
	err := q.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID).Scan(deviceDest(&d)...)
	if err != nil {
		return entitlement.Device{}, notFound(err)
	}
	return d, nil
}

func (q queries) DeviceByIdentifier(ctx context.Context, userID uuid.UUID, identifier string) (entitlement.Device, error) {
	var d entitlement.Device
	err := q.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND identifier = $2`, userID, identifier,
	).Scan(deviceDest(&d)...)
	if err != nil {
		return entitlement.Device{}, notFound(err)
	}
	return d, nil
}

func (q queries) ListDevices(ctx context.Context, userID uuid.UUID) ([]entitlement.Device, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []entitlement.Device{}
	for rows.Next() {
		var d entitlement.Device
		if err := rows.Scan(deviceDest(&d)...); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q queries) CountDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (q queries) InsertDevice(ctx context.Context, d entitlement.Device) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, platform, identifier, last_active_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.UserID, d.Platform, d.Identifier, d.LastActiveAt, d.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("device %q already registered: %w", d.Identifier, err)
	}
	return err
}

func (q queries) TouchDevice(ctx context.Context, deviceID uuid.UUID, platform string, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE devices SET platform = $2, last_active_at = $3 WHERE id = $1`, deviceID, platform, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entitlement.ErrRecordNotFound
	}
	return nil
}

func (q queries) DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ─── content ────────────────────────────────────────────────────────────────

func (q queries) GetContent(ctx context.Context, contentID uuid.UUID) (entitlement.Content, error) {
	var c entitlement.Content
	err := q.db.QueryRowContext(ctx,
		`SELECT id, published, adaptive_locator, progressive_locator FROM content WHERE id = $1`, contentID,
	).Scan(&c.ID, &c.Published, &c.AdaptiveLocator, &c.ProgressiveLocator)
	if err != nil {
		return entitlement.Content{}, notFound(err)
	}
	return c, nil
}

func (q queries) RecordView(ctx context.Context, userID, contentID uuid.UUID, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO view_history (user_id, content_id, viewed_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, content_id) DO UPDATE SET viewed_at = EXCLUDED.viewed_at`,
		userID, contentID, at)
	return err
}

// ─── downloads ──────────────────────────────────────────────────────────────

const downloadColumns = `id, user_id, device_id, content_id, status, expires_at, created_at, updated_at`

func downloadDest(d *entitlement.Download) []any {
	return []any{&d.ID, &d.UserID, &d.DeviceID, &d.ContentID, &d.Status, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt}
}

func (q queries) GetDownload(ctx context.Context, downloadID uuid.UUID) (entitlement.Download, error) {
	var d entitlement.Download
	err := q.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = $1`, downloadID).Scan(downloadDest(&d)...)
	if err != nil {
		return entitlement.Download{}, notFound(err)
	}
	return d, nil
}

func (q queries) ListDownloads(ctx context.Context, userID uuid.UUID) ([]entitlement.Download, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []entitlement.Download{}
	for rows.Next() {
		var d entitlement.Download
		if err := rows.Scan(downloadDest(&d)...); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q queries) ActiveDownload(ctx context.Context, userID, deviceID, contentID uuid.UUID, now time.Time) (entitlement.Download, error) {
	var d entitlement.Download
	err := q.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE user_id = $1 AND device_id = $2 AND content_id = $3
		  AND status IN `+liveStatuses+` AND expires_at >= $4`,
		userID, deviceID, contentID, now,
	).Scan(downloadDest(&d)...)
	if err != nil {
		return entitlement.Download{}, notFound(err)
	}
	return d, nil
}

func (q queries) CountActiveDownloads(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM downloads
		WHERE user_id = $1 AND status IN `+liveStatuses+` AND expires_at >= $2`,
		userID, now).Scan(&n)
	return n, err
}

// InsertDownload first expires any lapsed live grant for the same triple, so
// the one-live-grant index does not block a replacement ahead of the sweeper.
func (q queries) InsertDownload(ctx context.Context, d entitlement.Download) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE downloads SET status = 'expired', updated_at = $4
		WHERE user_id = $1 AND device_id = $2 AND content_id = $3
		  AND status IN `+liveStatuses+` AND expires_at < $4`,
		d.UserID, d.DeviceID, d.ContentID, d.CreatedAt); err != nil {
		return fmt.Errorf("expire lapsed grant: %w", err)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO downloads (id, user_id, device_id, content_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.UserID, d.DeviceID, d.ContentID, d.Status, d.ExpiresAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func (q queries) TransitionDownload(ctx context.Context, downloadID uuid.UUID, from, to entitlement.DownloadStatus, at time.Time) (bool, error) {
	if !entitlement.CanTransition(from, to) {
		return false, nil
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE downloads SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		downloadID, from, to, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q queries) RevokeUserDownloads(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	return q.bulk(ctx, `
		UPDATE downloads SET status = 'revoked', updated_at = $2
		WHERE user_id = $1 AND status IN `+liveStatuses, userID, at)
}

func (q queries) ExpireDownloads(ctx context.Context, now time.Time) (int64, error) {
	return q.bulk(ctx, `
		UPDATE downloads SET status = 'expired', updated_at = $1
		WHERE status IN `+liveStatuses+` AND expires_at < $1`, now)
}

func (q queries) RevokeOrphanedDownloads(ctx context.Context, now time.Time) (int64, error) {
	return q.bulk(ctx, `
		UPDATE downloads d SET status = 'revoked', updated_at = $1
		WHERE d.status IN `+liveStatuses+`
		  AND NOT EXISTS (
		      SELECT 1 FROM subscriptions s
		      WHERE s.user_id = d.user_id AND s.status = 'active' AND s.end_date >= $1
		  )`, now)
}

func (q queries) bulk(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── provider events ────────────────────────────────────────────────────────

func (q queries) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (q queries) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		eventID, at)
	return err
}
