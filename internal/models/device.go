package models

import "time"

// Device is a registered push-capable endpoint (token) belonging to a user.
// Enabled is the sole authoritative switch: it flips to false only on a
// permanent rejection from the gateway and the pipeline never re-enables it.
type Device struct {
	UserID             string     `json:"user_id"`
	Token              string     `json:"token"`
	Provider           string     `json:"provider"`
	Enabled            bool       `json:"enabled"`
	LastDeliveryAt     *time.Time `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus string     `json:"last_delivery_status,omitempty"`
	FailureCount       int        `json:"failure_count"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
