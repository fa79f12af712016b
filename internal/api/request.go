package api

import "github.com/shopspring/decimal"

// AllocationCreateRequest is the payload to reserve liquidity for a request.
// Exactly one quantity per leg is fixed; amounts are decimals in major units.
type AllocationCreateRequest struct {
	RequestID   string `json:"requestId"`
	WalletID    int64  `json:"walletId" example:"42"`
	Direction   string `json:"direction" example:"INPUT"`
	Method      string `json:"method,omitempty" example:"SPEI"`
	CallbackURL string `json:"callbackUrl,omitempty"`

	InputCurrency  string `json:"inputCurrency,omitempty" example:"MXN"`
	OutputCurrency string `json:"outputCurrency,omitempty" example:"USDT"`

	InputCurrencyValue  decimal.Decimal `json:"inputCurrencyValue,omitempty"`
	InputValue          decimal.Decimal `json:"inputValue,omitempty"`
	OutputCurrencyValue decimal.Decimal `json:"outputCurrencyValue,omitempty"`
	OutputValue         decimal.Decimal `json:"outputValue,omitempty"`
}

// FillResponse is one requisite's contribution to a reservation.
type FillResponse struct {
	RequisiteID   int64           `json:"requisiteId"`
	CurrencyValue decimal.Decimal `json:"currencyValue"`
	Value         decimal.Decimal `json:"value"`
	Rate          decimal.Decimal `json:"rate"`
}

// AllocationResponse reports a committed reservation.
type AllocationResponse struct {
	RequestID   string          `json:"requestId"`
	State       string          `json:"state"`
	Rate        decimal.Decimal `json:"rate,omitempty"`
	Value       decimal.Decimal `json:"value,omitempty"`
	Commission  decimal.Decimal `json:"commission,omitempty"`
	InputFills  []FillResponse  `json:"inputFills,omitempty"`
	OutputFills []FillResponse  `json:"outputFills,omitempty"`
	ErrorMsg    string          `json:"error,omitempty"`
}

// RequisiteCreateRequest posts a counterparty liquidity position.
type RequisiteCreateRequest struct {
	WalletID  int64  `json:"walletId"`
	Direction string `json:"direction" example:"OUTPUT"`
	Currency  string `json:"currency" example:"MXN"`
	Method    string `json:"method,omitempty" example:"SPEI"`

	Rate          decimal.Decimal `json:"rate" example:"17.25"`
	CurrencyValue decimal.Decimal `json:"currencyValue" example:"5000.00"`

	CurrencyValueMin decimal.Decimal `json:"currencyValueMin,omitempty"`
	CurrencyValueMax decimal.Decimal `json:"currencyValueMax,omitempty"`
	ValueMin         decimal.Decimal `json:"valueMin,omitempty"`
	ValueMax         decimal.Decimal `json:"valueMax,omitempty"`
}

// RequisiteResponse reports a requisite's current shape.
type RequisiteResponse struct {
	ID            int64           `json:"id"`
	State         string          `json:"state"`
	Currency      string          `json:"currency"`
	Direction     string          `json:"direction"`
	Rate          decimal.Decimal `json:"rate"`
	CurrencyValue decimal.Decimal `json:"currencyValue"`
	Value         decimal.Decimal `json:"value"`
	ErrorMsg      string          `json:"error,omitempty"`
}

// RequisiteTransitionRequest moves a requisite between lifecycle states.
type RequisiteTransitionRequest struct {
	State string `json:"state" example:"DISABLED"`
}
