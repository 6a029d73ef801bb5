// Package metrics maintains best-effort daily delivery counters. A bump never
// fails the caller; when the metrics relation is not provisioned the
// aggregator disables itself instead of re-probing on every call.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

type Aggregator struct {
	store    storage.Storage
	log      zerolog.Logger
	disabled atomic.Bool
}

func New(store storage.Storage, log zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

// Bump increments the (user, day, kind) bucket and the rolled-up "*" bucket.
func (a *Aggregator) Bump(ctx context.Context, userID, kind string, at time.Time, delta models.MetricDelta) {
	if a.disabled.Load() || delta.Zero() {
		return
	}

	day := at.UTC().Format("2006-01-02")
	for _, k := range []string{kind, models.MetricKindAll} {
		err := a.store.IncrementMetrics(ctx, userID, day, k, delta)
		switch storage.Classify(err) {
		case storage.Available:
		case storage.NotProvisioned:
			a.disabled.Store(true)
			a.log.Debug().Msg("metrics relation not provisioned, disabling counters")
			return
		default:
			a.log.Warn().Err(err).Str("user_id", userID).Str("kind", k).Msg("metrics bump failed")
		}
	}
}

// Enabled is used by tests and the stats surface to report aggregator state.
func (a *Aggregator) Enabled() bool {
	return !a.disabled.Load()
}
