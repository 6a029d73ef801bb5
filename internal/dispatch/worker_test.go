package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catlover-bot/pushpipe/internal/gateway"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

// fakeGateway scripts per-token send results and records every call.
type fakeGateway struct {
	mu        sync.Mutex
	sendCalls [][]gateway.Message
	respond   func(msgs []gateway.Message) ([]gateway.SendResult, error)
	receipts  map[string]gateway.Receipt
}

func (f *fakeGateway) Send(_ context.Context, msgs []gateway.Message) ([]gateway.SendResult, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, msgs)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(msgs)
	}
	results := make([]gateway.SendResult, len(msgs))
	for i := range msgs {
		results[i] = gateway.SendResult{Status: gateway.StatusOK, ID: fmt.Sprintf("ticket-%s", msgs[i].To)}
	}
	return results, nil
}

func (f *fakeGateway) GetReceipts(_ context.Context, ids []string) (map[string]gateway.Receipt, error) {
	out := make(map[string]gateway.Receipt)
	for _, id := range ids {
		if r, ok := f.receipts[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func openTestStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "pushpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestWorker(t *testing.T, store storage.Storage, gw gateway.Client) *Worker {
	t.Helper()
	log := zerolog.Nop()
	return NewWorker(store, gw, metrics.New(store, log), log)
}

func seedDevice(t *testing.T, store storage.Storage, userID, token string, at time.Time) {
	t.Helper()
	require.NoError(t, store.UpsertDevice(context.Background(), &models.Device{
		UserID:    userID,
		Token:     token,
		Provider:  "expo",
		Enabled:   true,
		CreatedAt: at,
		UpdatedAt: at,
	}))
}

// seedClaimedJob enqueues a job and claims it, mirroring what the
// orchestrator hands to the worker.
func seedClaimedJob(t *testing.T, store storage.Storage, userID string) models.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &models.Job{
		ID:             models.NewID("job"),
		UserID:         userID,
		Kind:           "new_follower",
		Title:          "New follower",
		Body:           "someone followed you",
		Status:         models.JobPending,
		MaxAttempts:    models.DefaultMaxAttempts,
		AvailableAfter: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.EnqueueJob(ctx, job))
	won, err := store.ClaimJob(ctx, job.ID, "test-worker", now)
	require.NoError(t, err)
	require.True(t, won)

	claimed, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return *claimed
}

func TestProcessNoDevicesIsNoOpSuccess(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{}
	worker := newTestWorker(t, store, gw)

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, models.JobSent, res.Status)
	assert.Equal(t, 0, res.Targets)
	assert.Empty(t, gw.sendCalls, "no gateway call without targets")

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSent, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.LockedAt)
}

func TestProcessAllOk(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[aaa]", now)
	seedDevice(t, store, "user-1", "ExponentPushToken[bbb]", now.Add(time.Second))

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, models.JobSent, res.Status)
	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Errors)
	require.Len(t, gw.sendCalls, 1)

	events, err := store.ListEventsByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, models.EventSent, e.EventType)
		assert.NotEmpty(t, e.TicketID)
		assert.Empty(t, e.ReceiptID)
	}
}

func TestProcessPartialOutcome(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{
		respond: func(msgs []gateway.Message) ([]gateway.SendResult, error) {
			results := make([]gateway.SendResult, len(msgs))
			for i := range msgs {
				if i == 0 {
					results[i] = gateway.SendResult{Status: gateway.StatusOK, ID: "ticket-1"}
				} else {
					results[i] = gateway.SendResult{
						Status:  "error",
						Message: "rate limited",
						Details: &gateway.ErrorDetails{Error: "MessageRateExceeded"},
					}
				}
			}
			return results, nil
		},
	}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[aaa]", now)
	seedDevice(t, store, "user-1", "ExponentPushToken[bbb]", now.Add(time.Second))

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, models.JobPartial, res.Status)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Errors)
	assert.False(t, res.Retried, "partial is terminal, not retried")

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPartial, got.Status)
	assert.Equal(t, "rate limited", got.LastError)
}

func TestProcessChunkFailureRequeuesWithBackoff(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{
		respond: func(msgs []gateway.Message) ([]gateway.SendResult, error) {
			return nil, errors.New("gateway timeout")
		},
	}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[aaa]", now)

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, models.JobPending, res.Status, "failed with budget goes back to pending")
	assert.True(t, res.Retried)
	require.NotNil(t, res.NextAttemptAt)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.True(t, got.AvailableAfter.After(now), "requeued behind a backoff")
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.LockedAt, "lock is always cleared")
	assert.Equal(t, "gateway timeout", got.LastError)

	// The chunk failure still leaves one synthetic error event per token.
	events, err := store.ListEventsByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].EventType)
	assert.Equal(t, "GatewaySendFailed", events[0].ErrorCode)
}

func TestProcessExhaustedBudgetEndsFailed(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{
		respond: func(msgs []gateway.Message) ([]gateway.SendResult, error) {
			return nil, errors.New("gateway down")
		},
	}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[aaa]", now)

	job := seedClaimedJob(t, store, "user-1")
	job.Attempts = job.MaxAttempts // final attempt just happened

	res := worker.Process(context.Background(), job)
	assert.Equal(t, models.JobFailed, res.Status)
	assert.False(t, res.Retried)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ProcessedAt)

	// The terminal row never re-enters the claimable set.
	n, err := store.CountClaimableJobs(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessDeviceNotRegisteredDisablesOnlyImplicatedToken(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{
		respond: func(msgs []gateway.Message) ([]gateway.SendResult, error) {
			results := make([]gateway.SendResult, len(msgs))
			for i, m := range msgs {
				if m.To == "ExponentPushToken[dead]" {
					results[i] = gateway.SendResult{
						Status:  "error",
						Details: &gateway.ErrorDetails{Error: gateway.CodeDeviceNotRegistered},
					}
				} else {
					results[i] = gateway.SendResult{Status: gateway.StatusOK, ID: "ticket-" + m.To}
				}
			}
			return results, nil
		},
	}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[dead]", now)
	seedDevice(t, store, "user-1", "ExponentPushToken[alive]", now.Add(time.Second))

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, models.JobPartial, res.Status)
	assert.Equal(t, 1, res.Disabled)

	devices, err := store.ListEnabledDevices(context.Background(), "user-1", "expo", 40)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "ExponentPushToken[alive]", devices[0].Token)

	events, err := store.ListEventsByJob(context.Background(), job.ID)
	require.NoError(t, err)
	var dnr int
	for _, e := range events {
		if e.EventType == models.EventDeviceNotRegistered {
			dnr++
			assert.Equal(t, "ExponentPushToken[dead]", e.Token)
		}
	}
	assert.Equal(t, 1, dnr)
}

func TestProcessSkipsInvalidAndDuplicateTokens(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeGateway{}
	worker := newTestWorker(t, store, gw)

	now := time.Now().UTC()
	seedDevice(t, store, "user-1", "ExponentPushToken[aaa]", now)
	seedDevice(t, store, "user-1", "not a push token", now.Add(time.Second))

	job := seedClaimedJob(t, store, "user-1")
	res := worker.Process(context.Background(), job)

	assert.Equal(t, 1, res.Targets)
	require.Len(t, gw.sendCalls, 1)
	require.Len(t, gw.sendCalls[0], 1)
	assert.Equal(t, "ExponentPushToken[aaa]", gw.sendCalls[0][0].To)
}
