package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/catlover-bot/pushpipe/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			notification_id TEXT NOT NULL DEFAULT '',
			post_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 4,
			available_after DATETIME NOT NULL,
			locked_at DATETIME,
			locked_by TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			processed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT 'expo',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_delivery_at DATETIME,
			last_delivery_status TEXT NOT NULL DEFAULT '',
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_events (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			event_type TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			provider_ticket_id TEXT NOT NULL DEFAULT '',
			provider_receipt_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_daily (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			kind TEXT NOT NULL,
			queued INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			open INTEGER NOT NULL DEFAULT 0,
			device_not_registered INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(status, available_after, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_enabled ON devices(user_id, enabled, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON delivery_events(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ticket ON delivery_events(provider_ticket_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_receipt_scan ON delivery_events(event_type, provider_receipt_id, created_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// wrapErr attaches the availability sentinels. This is the only place that
// inspects driver error text.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such table"):
		return fmt.Errorf("%w: %v", ErrNotProvisioned, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// --- Jobs ---

const jobColumns = `id, user_id, notification_id, post_id, kind, title, body, payload, status,
	attempts, max_attempts, available_after, locked_at, locked_by, last_error, processed_at, created_at, updated_at`

func (s *SQLiteStorage) EnqueueJob(ctx context.Context, job *models.Job) error {
	payload := "{}"
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.NotificationID, job.PostID, job.Kind, job.Title, job.Body, payload,
		job.Status, job.Attempts, job.MaxAttempts, job.AvailableAfter, job.LockedAt, job.LockedBy,
		job.LastError, job.ProcessedAt, job.CreatedAt, job.UpdatedAt,
	)
	return wrapErr(err)
}

func (s *SQLiteStorage) scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var j models.Job
	var payload string
	var lockedAt, processedAt sql.NullTime
	err := row.Scan(&j.ID, &j.UserID, &j.NotificationID, &j.PostID, &j.Kind, &j.Title, &j.Body, &payload,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.AvailableAfter, &lockedAt, &j.LockedBy,
		&j.LastError, &processedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		j.ProcessedAt = &t
	}
	return &j, nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, wrapErr(err)
}

func (s *SQLiteStorage) ListClaimableJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND available_after <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, wrapErr(rows.Err())
}

func (s *SQLiteStorage) CountClaimableJobs(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND available_after <= ?`, now,
	).Scan(&n)
	return n, wrapErr(err)
}

// ClaimJob is the compare-and-swap on the job row: the transition happens only
// if the row is still pending, so concurrent claimers cannot double-process.
func (s *SQLiteStorage) ClaimJob(ctx context.Context, id, claimer string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'processing', attempts = attempts + 1, locked_at = ?, locked_by = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, claimer, now, id)
	if err != nil {
		return false, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishJob writes the post-processing outcome and always clears the lock,
// which is what makes the row reclaimable.
func (s *SQLiteStorage) FinishJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, available_after = ?, last_error = ?, processed_at = ?,
		     locked_at = NULL, locked_by = '', updated_at = ?
		 WHERE id = ?`,
		job.Status, job.AvailableAfter, job.LastError, job.ProcessedAt, time.Now().UTC(), job.ID)
	return wrapErr(err)
}

// --- Devices ---

const deviceColumns = `user_id, token, provider, enabled, last_delivery_at, last_delivery_status, failure_count, created_at, updated_at`

func (s *SQLiteStorage) UpsertDevice(ctx context.Context, d *models.Device) error {
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, token, provider, enabled, last_delivery_status, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', 0, ?, ?)
		 ON CONFLICT(user_id, token) DO UPDATE SET provider = excluded.provider, enabled = excluded.enabled, updated_at = excluded.updated_at`,
		d.UserID, d.Token, d.Provider, enabled, d.CreatedAt, d.UpdatedAt)
	return wrapErr(err)
}

func (s *SQLiteStorage) scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	var enabled int
	var lastAt sql.NullTime
	err := row.Scan(&d.UserID, &d.Token, &d.Provider, &enabled, &lastAt, &d.LastDeliveryStatus,
		&d.FailureCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled == 1
	if lastAt.Valid {
		t := lastAt.Time
		d.LastDeliveryAt = &t
	}
	return &d, nil
}

func (s *SQLiteStorage) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return s.collectDevices(rows)
}

func (s *SQLiteStorage) ListEnabledDevices(ctx context.Context, userID, provider string, limit int) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE user_id = ? AND provider = ? AND enabled = 1
		 ORDER BY updated_at DESC LIMIT ?`,
		userID, provider, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return s.collectDevices(rows)
}

func (s *SQLiteStorage) collectDevices(rows *sql.Rows) ([]models.Device, error) {
	var devices []models.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, wrapErr(rows.Err())
}

func (s *SQLiteStorage) DisableDevices(ctx context.Context, userID string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(tokens)-1) + "?"
	args := make([]interface{}, 0, len(tokens)+2)
	args = append(args, time.Now().UTC(), userID)
	for _, t := range tokens {
		args = append(args, t)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET enabled = 0, updated_at = ? WHERE user_id = ? AND token IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) TouchDeviceDelivery(ctx context.Context, userID, token, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices
		 SET last_delivery_at = ?, last_delivery_status = ?,
		     failure_count = CASE WHEN ? = 'ok' THEN 0 ELSE failure_count + 1 END,
		     updated_at = ?
		 WHERE user_id = ? AND token = ?`,
		at, status, status, at, userID, token)
	return wrapErr(err)
}

// --- Delivery events ---

const eventColumns = `id, job_id, user_id, kind, event_type, token, provider_ticket_id, provider_receipt_id,
	status, error_code, error_message, metadata, created_at`

func (s *SQLiteStorage) InsertEvents(ctx context.Context, events []models.DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO delivery_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr(err)
	}
	defer stmt.Close()

	for _, e := range events {
		metadata, _ := json.Marshal(e.Metadata)
		if e.Metadata == nil {
			metadata = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.JobID, e.UserID, e.Kind, e.EventType, e.Token, e.TicketID, e.ReceiptID,
			e.Status, e.ErrorCode, e.ErrorMessage, string(metadata), e.CreatedAt,
		); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit())
}

func (s *SQLiteStorage) scanEvent(row interface{ Scan(...interface{}) error }) (*models.DeliveryEvent, error) {
	var e models.DeliveryEvent
	var metadata string
	err := row.Scan(&e.ID, &e.JobID, &e.UserID, &e.Kind, &e.EventType, &e.Token, &e.TicketID, &e.ReceiptID,
		&e.Status, &e.ErrorCode, &e.ErrorMessage, &metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(metadata), &e.Metadata)
	return &e, nil
}

func (s *SQLiteStorage) ListEventsByJob(ctx context.Context, jobID string) ([]models.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM delivery_events WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

// ListPendingReceipts returns sent events holding a ticket whose receipt has
// not been fetched yet, inside the reconciliation window.
func (s *SQLiteStorage) ListPendingReceipts(ctx context.Context, since, before time.Time, limit int) ([]models.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM delivery_events
		 WHERE event_type = 'sent' AND provider_ticket_id != '' AND provider_receipt_id = ''
		   AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		since, before, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *SQLiteStorage) CountPendingReceipts(ctx context.Context, since, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_events
		 WHERE event_type = 'sent' AND provider_ticket_id != '' AND provider_receipt_id = ''
		   AND created_at >= ? AND created_at <= ?`,
		since, before).Scan(&n)
	return n, wrapErr(err)
}

func (s *SQLiteStorage) collectEvents(rows *sql.Rows) ([]models.DeliveryEvent, error) {
	var events []models.DeliveryEvent
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, wrapErr(rows.Err())
}

// ResolveTicket flips every unresolved row sharing the ticket to its terminal
// receipt outcome. The receipt-id guard makes repeated resolution a no-op.
func (s *SQLiteStorage) ResolveTicket(ctx context.Context, ticketID string, res TicketResolution) (int64, error) {
	r, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET provider_receipt_id = ?, event_type = ?, status = ?, error_code = ?, error_message = ?
		 WHERE provider_ticket_id = ? AND provider_receipt_id = ''`,
		res.ReceiptID, res.EventType, res.Status, res.ErrorCode, res.ErrorMessage, ticketID)
	if err != nil {
		return 0, wrapErr(err)
	}
	return r.RowsAffected()
}

// --- Metrics ---

func (s *SQLiteStorage) IncrementMetrics(ctx context.Context, userID, day, kind string, delta models.MetricDelta) error {
	if delta.Zero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics_daily (user_id, day, kind, queued, sent, errors, open, device_not_registered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, day, kind) DO UPDATE SET
		   queued = queued + excluded.queued,
		   sent = sent + excluded.sent,
		   errors = errors + excluded.errors,
		   open = open + excluded.open,
		   device_not_registered = device_not_registered + excluded.device_not_registered`,
		userID, day, kind, delta.Queued, delta.Sent, delta.Errors, delta.Open, delta.DeviceNotRegistered)
	return wrapErr(err)
}

func (s *SQLiteStorage) GetMetrics(ctx context.Context, userID, day string) ([]models.DailyMetricBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, day, kind, queued, sent, errors, open, device_not_registered
		 FROM metrics_daily WHERE user_id = ? AND day = ? ORDER BY kind`,
		userID, day)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var buckets []models.DailyMetricBucket
	for rows.Next() {
		var b models.DailyMetricBucket
		if err := rows.Scan(&b.UserID, &b.Day, &b.Kind, &b.Queued, &b.Sent, &b.Errors, &b.Open, &b.DeviceNotRegistered); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, wrapErr(rows.Err())
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&stats.PendingJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'processing'`).Scan(&stats.ProcessingJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'sent'`).Scan(&stats.SentJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'partial'`).Scan(&stats.PartialJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'failed'`).Scan(&stats.FailedJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&stats.TotalDevices)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE enabled = 1`).Scan(&stats.EnabledDevices)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_events`).Scan(&stats.TotalEvents)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_events WHERE event_type = 'sent' AND provider_ticket_id != '' AND provider_receipt_id = ''`,
	).Scan(&stats.PendingReceipts)

	return stats, nil
}
