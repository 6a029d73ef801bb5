package models

// MetricKindAll is the rolled-up bucket covering every job kind for a day.
const MetricKindAll = "*"

// MetricDelta is one best-effort increment against a (user, day, kind) bucket.
type MetricDelta struct {
	Queued              int64 `json:"queued"`
	Sent                int64 `json:"sent"`
	Errors              int64 `json:"errors"`
	Open                int64 `json:"open"`
	DeviceNotRegistered int64 `json:"device_not_registered"`
}

// Zero reports whether applying the delta would be a no-op.
func (d MetricDelta) Zero() bool {
	return d.Queued == 0 && d.Sent == 0 && d.Errors == 0 && d.Open == 0 && d.DeviceNotRegistered == 0
}

// DailyMetricBucket is the stored counter row for (user, day, kind).
type DailyMetricBucket struct {
	UserID              string `json:"user_id"`
	Day                 string `json:"day"` // YYYY-MM-DD, UTC
	Kind                string `json:"kind"`
	Queued              int64  `json:"queued"`
	Sent                int64  `json:"sent"`
	Errors              int64  `json:"errors"`
	Open                int64  `json:"open"`
	DeviceNotRegistered int64  `json:"device_not_registered"`
}
