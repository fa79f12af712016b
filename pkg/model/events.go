package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical event envelope published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// AllocationEvent is the payload for allocation lifecycle events
// (allocation.reserved, allocation.completed, allocation.failed).
type AllocationEvent struct {
	RequestID          uuid.UUID `json:"request_id"`
	Direction          Direction `json:"direction"`
	TotalCurrencyValue int64     `json:"total_currency_value,omitempty"`
	TotalValue         int64     `json:"total_value,omitempty"`
	BlendedRate        int64     `json:"blended_rate,omitempty"`
	Commission         int64     `json:"commission,omitempty"`
	Requisites         []int64   `json:"requisites,omitempty"`
	Reason             string    `json:"reason,omitempty"` // set on failure
	Timestamp          time.Time `json:"timestamp"`
}

// PoolSummaryEvent reports remaining pool depth after a sweep cycle.
type PoolSummaryEvent struct {
	Currency        string    `json:"currency"`
	Direction       Direction `json:"direction"`
	Requisites      int       `json:"requisites"`
	CurrencyValue   int64     `json:"currency_value"`
	Value           int64     `json:"value"`
	SweptRequisites []int64   `json:"swept_requisites,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
