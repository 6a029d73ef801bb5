package models

import "time"

type EventType string

const (
	EventQueued              EventType = "queued"
	EventSent                EventType = "sent"
	EventError               EventType = "error"
	EventDeviceNotRegistered EventType = "device_not_registered"
	EventDelivered           EventType = "delivered"
	EventReceiptError        EventType = "receipt_error"
)

// DeliveryEvent is one append-only log row for a (job, token) attempt.
// A row accepted by the gateway carries a ticket id; the receipt worker
// later resolves it to delivered or receipt_error by setting the receipt
// id, which transitions null→set at most once.
type DeliveryEvent struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	UserID       string            `json:"user_id"`
	Kind         string            `json:"kind"`
	EventType    EventType         `json:"event_type"`
	Token        string            `json:"token"`
	TicketID     string            `json:"provider_ticket_id,omitempty"`
	ReceiptID    string            `json:"provider_receipt_id,omitempty"`
	Status       string            `json:"status"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
