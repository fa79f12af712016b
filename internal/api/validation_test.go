package api

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAllocationCreateRequestValidate(t *testing.T) {
	valid := AllocationCreateRequest{
		WalletID:           42,
		Direction:          "INPUT",
		InputCurrency:      "MXN",
		InputCurrencyValue: decimal.NewFromInt(5000),
	}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*AllocationCreateRequest)
		want   string
	}{
		{"missing wallet", func(r *AllocationCreateRequest) { r.WalletID = 0 }, "walletId"},
		{"bad uuid", func(r *AllocationCreateRequest) { r.RequestID = "not-a-uuid" }, "UUID"},
		{"bad direction", func(r *AllocationCreateRequest) { r.Direction = "BOTH" }, "direction"},
		{"missing currency", func(r *AllocationCreateRequest) { r.InputCurrency = "" }, "inputCurrency"},
		{"no quantity", func(r *AllocationCreateRequest) { r.InputCurrencyValue = decimal.Zero }, "exactly one"},
		{"both quantities", func(r *AllocationCreateRequest) { r.InputValue = decimal.NewFromInt(10) }, "exactly one"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			err := r.Validate()
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestAllocationCreateRequestValidateDual(t *testing.T) {
	r := AllocationCreateRequest{
		WalletID:           42,
		Direction:          "ALL",
		InputCurrency:      "USDT",
		OutputCurrency:     "MXN",
		InputCurrencyValue: decimal.NewFromInt(1000),
	}
	assert.NoError(t, r.Validate())

	r.OutputValue = decimal.NewFromInt(50)
	assert.ErrorContains(t, r.Validate(), "derived from the input leg")

	r.OutputValue = decimal.Zero
	r.OutputCurrency = ""
	assert.ErrorContains(t, r.Validate(), "outputCurrency")
}

func TestRequisiteCreateRequestValidate(t *testing.T) {
	valid := RequisiteCreateRequest{
		WalletID:      7,
		Direction:     "OUTPUT",
		Currency:      "MXN",
		Rate:          decimal.RequireFromString("17.25"),
		CurrencyValue: decimal.NewFromInt(5000),
	}
	assert.NoError(t, valid.Validate())

	r := valid
	r.Direction = "ALL"
	assert.ErrorContains(t, r.Validate(), "direction")

	r = valid
	r.Rate = decimal.Zero
	assert.ErrorContains(t, r.Validate(), "rate")

	r = valid
	r.CurrencyValue = decimal.NewFromInt(-1)
	assert.ErrorContains(t, r.Validate(), "currencyValue")
}

func TestRequisiteTransitionRequestValidate(t *testing.T) {
	assert.NoError(t, RequisiteTransitionRequest{State: "disabled"}.Validate())
	assert.NoError(t, RequisiteTransitionRequest{State: "STOPPED"}.Validate())
	assert.Error(t, RequisiteTransitionRequest{State: "PAUSED"}.Validate())
}
