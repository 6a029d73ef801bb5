package dispatch

import (
	"time"

	"github.com/catlover-bot/pushpipe/internal/models"
)

const (
	minBackoffMinutes = 1
	maxBackoffMinutes = 60
)

// Backoff returns the delay before a failed job becomes claimable again:
// linear in attempts, clamped to [1m, 60m].
func Backoff(attempts int) time.Duration {
	m := attempts * 2
	if m < minBackoffMinutes {
		m = minBackoffMinutes
	}
	if m > maxBackoffMinutes {
		m = maxBackoffMinutes
	}
	return time.Duration(m) * time.Minute
}

// ShouldRetry reports whether the job still has retry budget. Attempts was
// already incremented at claim time.
func ShouldRetry(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

// ClassifyOutcome maps per-token counts onto the job's terminal status. Zero
// targets is a no-op success, not an error.
func ClassifyOutcome(sent, errored int) models.JobStatus {
	switch {
	case errored == 0:
		return models.JobSent
	case sent > 0:
		return models.JobPartial
	default:
		return models.JobFailed
	}
}
