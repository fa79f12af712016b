package api

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

func (r AllocationCreateRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) != "" {
		if _, err := uuid.Parse(r.RequestID); err != nil {
			return fmt.Errorf("requestId must be a UUID")
		}
	}
	if r.WalletID <= 0 {
		return fmt.Errorf("walletId is required")
	}

	dir := model.Direction(strings.ToUpper(strings.TrimSpace(r.Direction)))
	switch dir {
	case model.DirectionInput:
		if r.InputCurrency == "" {
			return fmt.Errorf("inputCurrency is required")
		}
		if !exactlyOne(r.InputCurrencyValue.IsPositive(), r.InputValue.IsPositive()) {
			return fmt.Errorf("exactly one of inputCurrencyValue and inputValue must be set")
		}
	case model.DirectionOutput:
		if r.OutputCurrency == "" {
			return fmt.Errorf("outputCurrency is required")
		}
		if !exactlyOne(r.OutputCurrencyValue.IsPositive(), r.OutputValue.IsPositive()) {
			return fmt.Errorf("exactly one of outputCurrencyValue and outputValue must be set")
		}
	case model.DirectionAll:
		if r.InputCurrency == "" || r.OutputCurrency == "" {
			return fmt.Errorf("inputCurrency and outputCurrency are required")
		}
		if !exactlyOne(r.InputCurrencyValue.IsPositive(), r.InputValue.IsPositive()) {
			return fmt.Errorf("exactly one of inputCurrencyValue and inputValue must be set")
		}
		if r.OutputCurrencyValue.IsPositive() || r.OutputValue.IsPositive() {
			return fmt.Errorf("output quantities are derived from the input leg")
		}
	default:
		return fmt.Errorf("direction must be INPUT, OUTPUT, or ALL")
	}
	return nil
}

func (r RequisiteCreateRequest) Validate() error {
	if r.WalletID <= 0 {
		return fmt.Errorf("walletId is required")
	}
	dir := model.Direction(strings.ToUpper(strings.TrimSpace(r.Direction)))
	if dir != model.DirectionInput && dir != model.DirectionOutput {
		return fmt.Errorf("direction must be INPUT or OUTPUT")
	}
	if strings.TrimSpace(r.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	if !r.Rate.IsPositive() {
		return fmt.Errorf("rate must be greater than 0")
	}
	if !r.CurrencyValue.IsPositive() {
		return fmt.Errorf("currencyValue must be greater than 0")
	}
	return nil
}

func (r RequisiteTransitionRequest) Validate() error {
	switch model.RequisiteState(strings.ToUpper(strings.TrimSpace(r.State))) {
	case model.RequisiteEnabled, model.RequisiteDisabled, model.RequisiteStopped:
		return nil
	}
	return fmt.Errorf("state must be ENABLED, DISABLED, or STOPPED")
}

func exactlyOne(a, b bool) bool {
	return a != b
}
