package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLite creates a new SQLite store instance.
func NewSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; a pool of them would be
	// a pool of unrelated empty databases.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// isConstraint reports whether err is a SQLite constraint violation. The
// primary result code lives in the low byte of the extended code.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19
	}
	return false
}

// CreateResource persists a resource. Uniqueness of ri, srn and (pi, rn) is
// enforced by the schema, so the write and its index entries are one atomic
// statement.
func (s *SQLiteStore) CreateResource(ctx context.Context, doc *ResourceDoc) error {
	raw, err := json.Marshal(doc.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", doc.RI, err)
	}

	query := `INSERT INTO resources (ri, pi, ty, rn, srn, et, doc) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		doc.RI, doc.PI, int(doc.Type), doc.Name, doc.Path, doc.Expiration, string(raw))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("resource %s: %w", doc.RI, ErrDuplicate)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

const resourceColumns = "ri, pi, ty, rn, srn, et, doc"

func scanResource(row interface{ Scan(...any) error }) (*ResourceDoc, error) {
	doc := &ResourceDoc{}
	var ty int
	var raw string
	if err := row.Scan(&doc.RI, &doc.PI, &ty, &doc.Name, &doc.Path, &doc.Expiration, &raw); err != nil {
		return nil, err
	}
	doc.Type = onem2m.ResourceType(ty)
	if err := json.Unmarshal([]byte(raw), &doc.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode resource %s: %w", doc.RI, err)
	}
	return doc, nil
}

// GetResource retrieves a resource by its unstructured identifier.
func (s *SQLiteStore) GetResource(ctx context.Context, ri string) (*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE ri = ?`
	doc, err := scanResource(s.db.QueryRowContext(ctx, query, ri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", ri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return doc, nil
}

// GetResourceByPath retrieves a resource by its structured name.
func (s *SQLiteStore) GetResourceByPath(ctx context.Context, srn string) (*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE srn = ?`
	doc, err := scanResource(s.db.QueryRowContext(ctx, query, srn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", srn, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource by path: %w", err)
	}
	return doc, nil
}

// UpdateResource rewrites a resource document. Identity columns (ri, pi,
// rn, srn, ty) never change after create; only et varies with the document.
func (s *SQLiteStore) UpdateResource(ctx context.Context, doc *ResourceDoc) error {
	raw, err := json.Marshal(doc.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", doc.RI, err)
	}

	query := `UPDATE resources SET et = ?, doc = ? WHERE ri = ?`
	result, err := s.db.ExecContext(ctx, query, doc.Expiration, string(raw), doc.RI)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s: %w", doc.RI, ErrNotFound)
	}
	return nil
}

// DeleteResource deletes a resource by its identifier.
func (s *SQLiteStore) DeleteResource(ctx context.Context, ri string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE ri = ?`, ri)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s: %w", ri, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) queryResources(ctx context.Context, query string, args ...any) ([]*ResourceDoc, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	docs := []*ResourceDoc{}
	for rows.Next() {
		doc, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return docs, nil
}

// Children lists the direct children of a resource in creation order.
func (s *SQLiteStore) Children(ctx context.Context, pi string) ([]*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE pi = ? ORDER BY rowid`
	return s.queryResources(ctx, query, pi)
}

// ChildByName retrieves the child of pi named rn.
func (s *SQLiteStore) ChildByName(ctx context.Context, pi, rn string) (*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE pi = ? AND rn = ?`
	doc, err := scanResource(s.db.QueryRowContext(ctx, query, pi, rn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("child %s of %s: %w", rn, pi, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get child by name: %w", err)
	}
	return doc, nil
}

// ChildrenOfType lists the direct children of pi with the given type in
// creation order.
func (s *SQLiteStore) ChildrenOfType(ctx context.Context, pi string, ty onem2m.ResourceType) ([]*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE pi = ? AND ty = ? ORDER BY rowid`
	return s.queryResources(ctx, query, pi, int(ty))
}

// CountChildrenOfType counts the direct children of pi with the given type.
func (s *SQLiteStore) CountChildrenOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE pi = ? AND ty = ?`, pi, int(ty)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// OldestChildOfType returns the first-created child of pi with the given
// type, or ErrNotFound when there is none.
func (s *SQLiteStore) OldestChildOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error) {
	return s.edgeChild(ctx, pi, ty, "ASC")
}

// LatestChildOfType returns the last-created child of pi with the given
// type, or ErrNotFound when there is none.
func (s *SQLiteStore) LatestChildOfType(ctx context.Context, pi string, ty onem2m.ResourceType) (*ResourceDoc, error) {
	return s.edgeChild(ctx, pi, ty, "DESC")
}

func (s *SQLiteStore) edgeChild(ctx context.Context, pi string, ty onem2m.ResourceType, order string) (*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE pi = ? AND ty = ? ORDER BY rowid ` + order + ` LIMIT 1`
	doc, err := scanResource(s.db.QueryRowContext(ctx, query, pi, int(ty)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s child of %s: %w", ty, pi, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return doc, nil
}

// ResourcesOfType lists every resource of the given type in creation order.
func (s *SQLiteStore) ResourcesOfType(ctx context.Context, ty onem2m.ResourceType) ([]*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE ty = ? ORDER BY rowid`
	return s.queryResources(ctx, query, int(ty))
}

// ExpiredResources lists resources whose expirationTime lies at or before
// now, oldest first. The timestamp format compares lexicographically.
func (s *SQLiteStore) ExpiredResources(ctx context.Context, now string, limit int) ([]*ResourceDoc, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE et != '' AND et <= ? ORDER BY et LIMIT ?`
	return s.queryResources(ctx, query, now, limit)
}

// CountsByType returns the number of live resources per type.
func (s *SQLiteStore) CountsByType(ctx context.Context) (map[onem2m.ResourceType]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ty, COUNT(*) FROM resources GROUP BY ty`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[onem2m.ResourceType]int64)
	for rows.Next() {
		var ty int
		var n int64
		if err := rows.Scan(&ty, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[onem2m.ResourceType(ty)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// UpsertSubscription inserts or replaces a subscription record.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription %s: %w", sub.RI, err)
	}

	query := `
		INSERT INTO subscriptions (ri, pi, doc) VALUES (?, ?, ?)
		ON CONFLICT(ri) DO UPDATE SET pi = excluded.pi, doc = excluded.doc
	`
	if _, err := s.db.ExecContext(ctx, query, sub.RI, sub.PI, string(raw)); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription record by ri.
func (s *SQLiteStore) GetSubscription(ctx context.Context, ri string) (*Subscription, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM subscriptions WHERE ri = ?`, ri).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", ri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub := &Subscription{}
	if err := json.Unmarshal([]byte(raw), sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", ri, err)
	}
	return sub, nil
}

// DeleteSubscription deletes a subscription record. Deleting an absent
// record is not an error: the dispatcher deletes on resource removal and on
// exc exhaustion, which may race.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, ri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE ri = ?`, ri); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// SubscriptionsFor lists the subscription records monitoring pi.
func (s *SQLiteStore) SubscriptionsFor(ctx context.Context, pi string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM subscriptions WHERE pi = ? ORDER BY ri`, pi)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*Subscription{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub := &Subscription{}
		if err := json.Unmarshal([]byte(raw), sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// AppendBatchNotification buffers one notification for a later batch flush.
func (s *SQLiteStore) AppendBatchNotification(ctx context.Context, entry *BatchEntry) error {
	raw, err := json.Marshal(entry.Notification)
	if err != nil {
		return fmt.Errorf("failed to encode batch notification: %w", err)
	}

	query := `INSERT INTO batch_notifications (sub_ri, target, ts, doc) VALUES (?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, entry.SubscriptionRI, entry.Target, entry.Timestamp, string(raw))
	if err != nil {
		return fmt.Errorf("failed to append batch notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get batch notification ID: %w", err)
	}
	entry.ID = id
	return nil
}

// BatchNotifications lists the buffered notifications for a subscription
// and target, oldest first.
func (s *SQLiteStore) BatchNotifications(ctx context.Context, subRI, target string) ([]*BatchEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sub_ri, target, ts, doc FROM batch_notifications WHERE sub_ri = ? AND target = ? ORDER BY id`,
		subRI, target)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch notifications: %w", err)
	}
	defer rows.Close()

	entries := []*BatchEntry{}
	for rows.Next() {
		entry := &BatchEntry{}
		var raw string
		if err := rows.Scan(&entry.ID, &entry.SubscriptionRI, &entry.Target, &entry.Timestamp, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan batch notification: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Notification); err != nil {
			return nil, fmt.Errorf("failed to decode batch notification: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch notifications: %w", err)
	}
	return entries, nil
}

// CountBatchNotifications counts the buffered notifications for a
// subscription and target.
func (s *SQLiteStore) CountBatchNotifications(ctx context.Context, subRI, target string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_notifications WHERE sub_ri = ? AND target = ?`, subRI, target).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count batch notifications: %w", err)
	}
	return count, nil
}

// DeleteBatchNotifications drops the buffer for a subscription. An empty
// target drops the buffers for every target of the subscription.
func (s *SQLiteStore) DeleteBatchNotifications(ctx context.Context, subRI, target string) (int64, error) {
	var result sql.Result
	var err error
	if target == "" {
		result, err = s.db.ExecContext(ctx, `DELETE FROM batch_notifications WHERE sub_ri = ?`, subRI)
	} else {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM batch_notifications WHERE sub_ri = ? AND target = ?`, subRI, target)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete batch notifications: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// UpsertAction inserts or replaces an action record.
func (s *SQLiteStore) UpsertAction(ctx context.Context, rec *ActionRecord) error {
	query := `
		INSERT INTO actions (ri, subject, mode, period_ns, satisfied) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ri) DO UPDATE SET
			subject = excluded.subject,
			mode = excluded.mode,
			period_ns = excluded.period_ns,
			satisfied = excluded.satisfied
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RI, rec.Subject, int(rec.Mode), int64(rec.Period), boolToInt(rec.Satisfied))
	if err != nil {
		return fmt.Errorf("failed to upsert action: %w", err)
	}
	return nil
}

// GetAction retrieves an action record by ri.
func (s *SQLiteStore) GetAction(ctx context.Context, ri string) (*ActionRecord, error) {
	rec := &ActionRecord{}
	var mode int
	var period int64
	var satisfied int
	err := s.db.QueryRowContext(ctx,
		`SELECT ri, subject, mode, period_ns, satisfied FROM actions WHERE ri = ?`, ri).
		Scan(&rec.RI, &rec.Subject, &mode, &period, &satisfied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", ri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	rec.Mode = onem2m.EvalMode(mode)
	rec.Period = time.Duration(period)
	rec.Satisfied = satisfied != 0
	return rec, nil
}

// DeleteAction deletes an action record. Absent records are ignored.
func (s *SQLiteStore) DeleteAction(ctx context.Context, ri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE ri = ?`, ri); err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	return nil
}

// Actions lists every action record, for re-arming evaluators at startup.
func (s *SQLiteStore) Actions(ctx context.Context) ([]*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ri, subject, mode, period_ns, satisfied FROM actions ORDER BY ri`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	recs := []*ActionRecord{}
	for rows.Next() {
		rec := &ActionRecord{}
		var mode int
		var period int64
		var satisfied int
		if err := rows.Scan(&rec.RI, &rec.Subject, &mode, &period, &satisfied); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		rec.Mode = onem2m.EvalMode(mode)
		rec.Period = time.Duration(period)
		rec.Satisfied = satisfied != 0
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return recs, nil
}

// UpsertSchedule inserts or replaces a schedule record.
func (s *SQLiteStore) UpsertSchedule(ctx context.Context, rec *ScheduleRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode schedule %s: %w", rec.RI, err)
	}

	query := `
		INSERT INTO schedules (ri, pi, doc) VALUES (?, ?, ?)
		ON CONFLICT(ri) DO UPDATE SET pi = excluded.pi, doc = excluded.doc
	`
	if _, err := s.db.ExecContext(ctx, query, rec.RI, rec.PI, string(raw)); err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// DeleteSchedule deletes a schedule record. Absent records are ignored.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, ri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE ri = ?`, ri); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// ScheduleForParent retrieves the schedule record attached under pi.
func (s *SQLiteStore) ScheduleForParent(ctx context.Context, pi string) (*ScheduleRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM schedules WHERE pi = ? LIMIT 1`, pi).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule under %s: %w", pi, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	rec := &ScheduleRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return rec, nil
}

// RecordRequest appends a request history entry and trims the history to
// max entries when max is positive.
func (s *SQLiteStore) RecordRequest(ctx context.Context, rec *RecordedRequest, max int) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode request record: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (rqi, originator, ts, doc) VALUES (?, ?, ?, ?)`,
		rec.RequestID, rec.Originator, rec.Timestamp, string(raw))
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get request record ID: %w", err)
	}
	rec.ID = id

	if max > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM requests WHERE id NOT IN (SELECT id FROM requests ORDER BY id DESC LIMIT ?)`, max)
		if err != nil {
			return fmt.Errorf("failed to trim request history: %w", err)
		}
	}
	return nil
}

// Requests lists recorded requests, newest first.
func (s *SQLiteStore) Requests(ctx context.Context, limit, offset int) ([]*RecordedRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc FROM requests ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	recs := []*RecordedRequest{}
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}
		rec := &RecordedRequest{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("failed to decode request record: %w", err)
		}
		rec.ID = id
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request records: %w", err)
	}
	return recs, nil
}

// GetStatistics retrieves the statistics singleton.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	st := &Statistics{}
	err := s.db.QueryRowContext(ctx,
		`SELECT created, updated, deleted, expired, notifications FROM statistics WHERE id = 1`).
		Scan(&st.Created, &st.Updated, &st.Deleted, &st.Expired, &st.Notifications)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return st, nil
}

// AddStatistics adds the delta to the statistics singleton.
func (s *SQLiteStore) AddStatistics(ctx context.Context, delta Statistics) error {
	query := `
		UPDATE statistics SET
			created = created + ?,
			updated = updated + ?,
			deleted = deleted + ?,
			expired = expired + ?,
			notifications = notifications + ?
		WHERE id = 1
	`
	_, err := s.db.ExecContext(ctx, query,
		delta.Created, delta.Updated, delta.Deleted, delta.Expired, delta.Notifications)
	if err != nil {
		return fmt.Errorf("failed to update statistics: %w", err)
	}
	return nil
}

// Reset wipes every table and reinitializes the statistics singleton.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	stmts := []string{
		`DELETE FROM resources`,
		`DELETE FROM subscriptions`,
		`DELETE FROM batch_notifications`,
		`DELETE FROM actions`,
		`DELETE FROM schedules`,
		`DELETE FROM requests`,
		`UPDATE statistics SET created = 0, updated = 0, deleted = 0, expired = 0, notifications = 0 WHERE id = 1`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset store: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
