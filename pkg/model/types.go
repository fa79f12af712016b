package model

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a liquidity flow. INPUT requisites accept external currency in
// exchange for settlement value; OUTPUT requisites pay out external currency
// against settlement value. Requests may fix either leg or both (ALL).
type Direction string

const (
	DirectionInput  Direction = "INPUT"
	DirectionOutput Direction = "OUTPUT"
	DirectionAll    Direction = "ALL"
)

// RequisiteState is the owner-controlled lifecycle state of a requisite.
// Only ENABLED requisites are eligible for allocation.
type RequisiteState string

const (
	RequisiteEnabled  RequisiteState = "ENABLED"
	RequisiteDisabled RequisiteState = "DISABLED"
	RequisiteStopped  RequisiteState = "STOPPED"
)

// RequestState is the reservation lifecycle of a customer request.
type RequestState string

const (
	RequestInputReservation  RequestState = "INPUT_RESERVATION"
	RequestOutputReservation RequestState = "OUTPUT_RESERVATION"
	RequestComplete          RequestState = "COMPLETE"
	RequestCanceled          RequestState = "CANCELED"
)

// OrderState marks an allocation record as live or unwound.
type OrderState string

const (
	OrderActive   OrderState = "ACTIVE"
	OrderCanceled OrderState = "CANCELED"
)

// Currency describes an external currency's integer quantization.
// All amounts in the engine are int64 minor units scaled by Decimal.
type Currency struct {
	Code    string `json:"code"`
	Divisor int64  `json:"divisor"` // smallest tradable granularity, in minor units
	Decimal int32  `json:"decimal"` // precision used to quantize boundary amounts
	// Reference marks the platform's reference unit (e.g. a USD-pegged
	// instrument); candidate ordering is reversed for it.
	Reference bool `json:"reference,omitempty"`
}

// Requisite is a counterparty's standing liquidity position: an offer to buy
// or sell Currency at Rate, with remaining capacity tracked on both sides.
// CurrencyValue and Value stay consistent through Rate and never go negative.
type Requisite struct {
	ID        int64          `json:"id"`
	WalletID  int64          `json:"wallet_id"`
	Direction Direction      `json:"direction"`
	Currency  Currency       `json:"currency"`
	Method    string         `json:"method"`
	Rate      int64          `json:"rate"` // currency units per settlement unit, scaled by 100

	CurrencyValue int64 `json:"currency_value"` // remaining capacity, external currency
	Value         int64 `json:"value"`          // remaining capacity, settlement value

	ValueMin         int64 `json:"value_min,omitempty"`
	ValueMax         int64 `json:"value_max,omitempty"`
	CurrencyValueMin int64 `json:"currency_value_min,omitempty"`
	CurrencyValueMax int64 `json:"currency_value_max,omitempty"`

	State     RequisiteState `json:"state"`
	InProcess bool           `json:"in_process"` // soft lock, held by at most one allocation run
	IsDeleted bool           `json:"is_deleted"`
	CreatedAt time.Time      `json:"created_at"`
}

// Selectable reports whether the requisite may be offered as a candidate.
// InProcess is handled separately: the catalog lock decides contention.
func (r *Requisite) Selectable() bool {
	return r.State == RequisiteEnabled && !r.IsDeleted
}

// Wallet is the owning party of a request or requisite.
type Wallet struct {
	ID               int64  `json:"id"`
	CommissionPackID int64  `json:"commission_pack_id"`
	CallbackURL      string `json:"callback_url,omitempty"`
}

// Request is a customer's conversion intent. Exactly one of the input pair
// and/or one of the output pair is the fixed quantity, depending on Direction.
type Request struct {
	ID        uuid.UUID `json:"id"`
	Direction Direction `json:"direction"`
	Wallet    Wallet    `json:"wallet"`
	Method    string    `json:"method,omitempty"`

	InputCurrency  *Currency `json:"input_currency,omitempty"`
	OutputCurrency *Currency `json:"output_currency,omitempty"`

	InputCurrencyValue  int64 `json:"input_currency_value,omitempty"`
	InputValue          int64 `json:"input_value,omitempty"`
	OutputCurrencyValue int64 `json:"output_currency_value,omitempty"`
	OutputValue         int64 `json:"output_value,omitempty"`

	Rate      int64        `json:"rate,omitempty"` // blended, scaled by 100
	RateFixed bool         `json:"rate_fixed"`     // once set, rates are never re-derived
	State     RequestState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// CommissionPack is a named tier table applied to a wallet's settled value.
type CommissionPack struct {
	ID     int64                 `json:"id"`
	Name   string                `json:"name"`
	Values []CommissionPackValue `json:"values"`
}

// CommissionPackValue is one tier: [ValueFrom, ValueTo) with ValueTo = 0
// meaning unbounded. Exactly one of Percent (basis points scaled by 100)
// and Value (flat fee) is set.
type CommissionPackValue struct {
	ID        int64 `json:"id"`
	PackID    int64 `json:"pack_id"`
	ValueFrom int64 `json:"value_from"`
	ValueTo   int64 `json:"value_to"`
	Percent   int64 `json:"percent,omitempty"`
	Value     int64 `json:"value,omitempty"`
}

// Order is the allocation record created per consumed requisite. Immutable
// once created except for cancellation.
type Order struct {
	ID            int64      `json:"id"`
	RequestID     uuid.UUID  `json:"request_id"`
	RequisiteID   int64      `json:"requisite_id"`
	Direction     Direction  `json:"direction"`
	CurrencyValue int64      `json:"currency_value"`
	Value         int64      `json:"value"`
	Rate          int64      `json:"rate"`
	State         OrderState `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RequisiteListType tags a request/requisite association.
type RequisiteListType string

// ListBlacklist marks a requisite that failed to complete a reservation for
// the request; the allocator skips it on retry.
const ListBlacklist RequisiteListType = "BLACKLIST"

// RequestRequisite is a per-request requisite association (blacklist entry).
type RequestRequisite struct {
	RequestID   uuid.UUID         `json:"request_id"`
	RequisiteID int64             `json:"requisite_id"`
	Type        RequisiteListType `json:"type"`
	CreatedAt   time.Time         `json:"created_at"`
}

// WalletBan is a hold on a wallet's balance backing committed OUTPUT
// liquidity; released when the requisite is canceled or deleted.
type WalletBan struct {
	ID        int64     `json:"id"`
	WalletID  int64     `json:"wallet_id"`
	Value     int64     `json:"value"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
