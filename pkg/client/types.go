package client

import "time"

// ReceivedEvent is one event as stored by a collector.
type ReceivedEvent struct {
	ID         int64     `json:"id"`
	PayloadID  string    `json:"payload_id,omitempty"`
	Type       string    `json:"Type"`
	Data       string    `json:"Data"`
	ReceivedAt time.Time `json:"received_at"`
}

// CountResponse is returned by GET /events/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
