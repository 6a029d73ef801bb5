package storage

import (
	"context"
	"errors"
	"time"

	"github.com/catlover-bot/pushpipe/internal/models"
)

// ErrNotProvisioned marks failures caused by a backing relation that has not
// been provisioned yet (the feature's tables are absent). Callers degrade to
// an empty success-shaped result instead of failing.
var ErrNotProvisioned = errors.New("storage: relation not provisioned")

// ErrBusy marks contention failures (locked database, busy handle) that are
// safe to retry on a later pass.
var ErrBusy = errors.New("storage: busy")

// Availability is the typed classification of a storage failure.
type Availability int

const (
	Available Availability = iota
	NotProvisioned
	Transient
	Fatal
)

// Classify maps a storage error onto the availability taxonomy. Only the
// storage layer attaches the sentinels; callers branch on the result instead
// of matching error text.
func Classify(err error) Availability {
	switch {
	case err == nil:
		return Available
	case errors.Is(err, ErrNotProvisioned):
		return NotProvisioned
	case errors.Is(err, ErrBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Transient
	default:
		return Fatal
	}
}

// TicketResolution is the terminal outcome applied to every delivery-event
// row sharing one gateway ticket.
type TicketResolution struct {
	ReceiptID    string
	EventType    models.EventType
	Status       string
	ErrorCode    string
	ErrorMessage string
}

type Storage interface {
	// Jobs
	EnqueueJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListClaimableJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	CountClaimableJobs(ctx context.Context, now time.Time) (int, error)
	// ClaimJob performs the conditional pending→processing transition and
	// reports whether this caller won the row.
	ClaimJob(ctx context.Context, id, claimer string, now time.Time) (bool, error)
	FinishJob(ctx context.Context, job *models.Job) error

	// Devices
	UpsertDevice(ctx context.Context, d *models.Device) error
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	ListEnabledDevices(ctx context.Context, userID, provider string, limit int) ([]models.Device, error)
	DisableDevices(ctx context.Context, userID string, tokens []string) (int64, error)
	TouchDeviceDelivery(ctx context.Context, userID, token, status string, at time.Time) error

	// Delivery events
	InsertEvents(ctx context.Context, events []models.DeliveryEvent) error
	ListEventsByJob(ctx context.Context, jobID string) ([]models.DeliveryEvent, error)
	ListPendingReceipts(ctx context.Context, since, before time.Time, limit int) ([]models.DeliveryEvent, error)
	CountPendingReceipts(ctx context.Context, since, before time.Time) (int, error)
	ResolveTicket(ctx context.Context, ticketID string, res TicketResolution) (int64, error)

	// Metrics
	IncrementMetrics(ctx context.Context, userID, day, kind string, delta models.MetricDelta) error
	GetMetrics(ctx context.Context, userID, day string) ([]models.DailyMetricBucket, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	PendingJobs     int64 `json:"pending_jobs"`
	ProcessingJobs  int64 `json:"processing_jobs"`
	SentJobs        int64 `json:"sent_jobs"`
	PartialJobs     int64 `json:"partial_jobs"`
	FailedJobs      int64 `json:"failed_jobs"`
	TotalDevices    int64 `json:"total_devices"`
	EnabledDevices  int64 `json:"enabled_devices"`
	TotalEvents     int64 `json:"total_events"`
	PendingReceipts int64 `json:"pending_receipts"`
}
