// Package allocator implements the greedy requisite matching loop: it walks
// ranked candidates from the catalog, soft-locks each one it examines,
// accumulates partial fills until the target is met, and either returns a
// blended-rate result with the locks still held or rolls everything back.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/internal/metrics"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

var (
	// ErrInsufficientLiquidity means no candidate could be filled at all.
	// Recoverable: the caller may retry or widen the candidate set.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrPartialFillRejected means some fill occurred but the residual
	// exceeded rounding tolerance. All provisional state is rolled back
	// before the error is returned; partial completions are never committed.
	ErrPartialFillRejected = errors.New("partial fill rejected")
)

// Params describes one allocation run.
type Params struct {
	Direction model.Direction
	Currency  model.Currency
	Method    string

	// Target is the amount to fill, in external currency minor units when
	// TargetIsCurrency is set, otherwise in settlement value.
	Target           int64
	TargetIsCurrency bool

	RequestID uuid.UUID

	// Process acquires soft locks on consumed candidates and keeps them
	// held for the reservation hooks to confirm. Quote-only runs leave it
	// unset and touch no shared state.
	Process bool

	Ordering catalog.Ordering
}

// Fill is one consumed slice of a requisite.
type Fill struct {
	RequisiteID   int64 `json:"requisite_id"`
	WalletID      int64 `json:"wallet_id"`
	CurrencyValue int64 `json:"currency_value"`
	Value         int64 `json:"value"`
	Rate          int64 `json:"rate"`
}

// Result is a fully satisfied allocation. When Params.Process was set, the
// requisites in Locked still hold their soft locks; the caller confirms the
// reservation (persist orders, apply fills) and then unlocks them.
type Result struct {
	Fills              []Fill
	TotalCurrencyValue int64
	TotalValue         int64
	BlendedRate        int64
	Locked             []int64
}

// Allocator runs greedy fills against a Catalog.
type Allocator struct {
	catalog   catalog.Catalog
	blacklist catalog.Blacklist
	logger    *zap.Logger
}

func New(cat catalog.Catalog, bl catalog.Blacklist, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{catalog: cat, blacklist: bl, logger: logger}
}

// Allocate runs the greedy fill loop for p.
//
// Candidates already locked by another run are skipped without waiting; a
// blacklisted, empty, or zero-rounding candidate is unlocked and skipped.
// On any failure every lock acquired during this run is released.
func (a *Allocator) Allocate(ctx context.Context, p Params) (*Result, error) {
	if p.Target <= 0 {
		return nil, fmt.Errorf("allocate: non-positive target %d", p.Target)
	}
	// Currency may arrive embedded in a wire command rather than from the
	// configured catalog; the divisor is a modulus throughout the fill loop.
	if p.Currency.Divisor <= 0 {
		return nil, fmt.Errorf("allocate: currency %s has non-positive divisor %d",
			p.Currency.Code, p.Currency.Divisor)
	}

	cands, err := a.catalog.Candidates(ctx, catalog.Query{
		Direction: p.Direction,
		Currency:  p.Currency.Code,
		Method:    p.Method,
		Ordering:  p.Ordering,
	})
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	res := &Result{}
	remaining := p.Target

	for _, cand := range cands {
		if remaining <= 0 {
			break
		}

		if p.Process {
			ok, err := a.catalog.Lock(ctx, cand.ID)
			if err != nil {
				a.release(ctx, res)
				return nil, fmt.Errorf("lock requisite %d: %w", cand.ID, err)
			}
			if !ok {
				metrics.LockContentionTotal.Inc()
				a.logger.Debug("alloc.candidate.skip_locked",
					zap.Int64("requisite_id", cand.ID),
					zap.String("request_id", p.RequestID.String()))
				continue
			}
		}

		if a.blacklist != nil {
			banned, err := a.blacklist.IsBlacklisted(ctx, p.RequestID, cand.ID)
			if err != nil {
				a.unlock(ctx, p, cand.ID)
				a.release(ctx, res)
				return nil, fmt.Errorf("blacklist check requisite %d: %w", cand.ID, err)
			}
			if banned {
				a.logger.Debug("alloc.candidate.skip_blacklisted",
					zap.Int64("requisite_id", cand.ID),
					zap.String("request_id", p.RequestID.String()))
				a.unlock(ctx, p, cand.ID)
				continue
			}
		}

		if empty(cand, p.Currency) {
			a.unlock(ctx, p, cand.ID)
			continue
		}

		fill, take, ok := takeFrom(cand, remaining, p)
		if !ok {
			a.logger.Debug("alloc.candidate.skip_unfillable",
				zap.Int64("requisite_id", cand.ID),
				zap.Int64("remaining", remaining))
			a.unlock(ctx, p, cand.ID)
			continue
		}

		res.Fills = append(res.Fills, fill)
		res.TotalCurrencyValue += fill.CurrencyValue
		res.TotalValue += fill.Value
		if p.Process {
			res.Locked = append(res.Locked, cand.ID)
		}

		// Consumed capacity is visible to later candidates within this run;
		// it is only persisted when the reservation hooks confirm.
		cand.CurrencyValue -= fill.CurrencyValue
		cand.Value -= fill.Value
		remaining -= take

		a.logger.Debug("alloc.candidate.filled",
			zap.Int64("requisite_id", cand.ID),
			zap.Int64("currency_value", fill.CurrencyValue),
			zap.Int64("value", fill.Value),
			zap.Int64("rate", fill.Rate),
			zap.Int64("remaining", remaining))
	}

	if len(res.Fills) == 0 {
		a.release(ctx, res)
		return nil, fmt.Errorf("%w: direction=%s currency=%s target=%d",
			ErrInsufficientLiquidity, p.Direction, p.Currency.Code, p.Target)
	}

	if remaining > a.tolerance(p, res) {
		a.release(ctx, res)
		return nil, fmt.Errorf("%w: direction=%s currency=%s residual=%d",
			ErrPartialFillRejected, p.Direction, p.Currency.Code, remaining)
	}

	res.BlendedRate = money.BlendedRate(res.TotalCurrencyValue, res.TotalValue,
		p.Direction == model.DirectionInput)
	return res, nil
}

// Release frees the soft locks held by a committed or abandoned result.
func (a *Allocator) Release(ctx context.Context, res *Result) {
	a.release(ctx, res)
}

// empty reports whether a candidate has nothing meaningful left: residual
// currency below the currency divisor or below its own per-fill minimum.
func empty(r *model.Requisite, c model.Currency) bool {
	if r.CurrencyValue < c.Divisor || r.CurrencyValue <= 0 || r.Value <= 0 {
		return true
	}
	if r.CurrencyValueMin > 0 && r.CurrencyValue < r.CurrencyValueMin {
		return true
	}
	if r.ValueMin > 0 && r.Value < r.ValueMin {
		return true
	}
	return false
}

// takeFrom computes how much of cand to consume. take is in target units
// (currency or value, per p.TargetIsCurrency); ok is false when the clamped
// fill rounds to zero under the divisor or violates the per-fill bounds.
//
// Rounding directions protect platform margin: the currency side rounds up
// on INPUT (customer pays at least the balance point), the value side rounds
// up on OUTPUT (settlement owed for paid-out currency is never understated).
func takeFrom(cand *model.Requisite, remaining int64, p Params) (Fill, int64, bool) {
	valueRoundUp := p.Direction == model.DirectionOutput
	currencyRoundUp := p.Direction == model.DirectionInput

	var cv, v, take int64
	if p.TargetIsCurrency {
		cv = clamp(remaining, cand.CurrencyValue, cand.CurrencyValueMax)
		if cand.ValueMax > 0 {
			if maxCV := money.CurrencyFromValue(cand.ValueMax, cand.Rate, false); cv > maxCV {
				cv = maxCV
			}
		}
		if cv < cand.CurrencyValue {
			cv -= cv % p.Currency.Divisor
		}
		if cv <= 0 || (cand.CurrencyValueMin > 0 && cv < cand.CurrencyValueMin) {
			return Fill{}, 0, false
		}
		if cv == cand.CurrencyValue {
			// Full consumption takes both sides entirely; rounding must not
			// strand dust on the requisite.
			v = cand.Value
		} else {
			v = money.ValueFromCurrency(cv, cand.Rate, valueRoundUp)
		}
		if v <= 0 || v > cand.Value {
			return Fill{}, 0, false
		}
		if cand.ValueMin > 0 && v < cand.ValueMin {
			return Fill{}, 0, false
		}
		take = cv
	} else {
		v = clamp(remaining, cand.Value, cand.ValueMax)
		if v <= 0 || (cand.ValueMin > 0 && v < cand.ValueMin) {
			return Fill{}, 0, false
		}
		if v == cand.Value {
			cv = cand.CurrencyValue
		} else {
			cv = money.CurrencyFromValue(v, cand.Rate, currencyRoundUp)
			cv -= cv % p.Currency.Divisor
		}
		if cv <= 0 || cv > cand.CurrencyValue {
			return Fill{}, 0, false
		}
		if cand.CurrencyValueMin > 0 && cv < cand.CurrencyValueMin {
			return Fill{}, 0, false
		}
		if cand.CurrencyValueMax > 0 && cv > cand.CurrencyValueMax {
			return Fill{}, 0, false
		}
		take = v
	}

	return Fill{
		RequisiteID:   cand.ID,
		WalletID:      cand.WalletID,
		CurrencyValue: cv,
		Value:         v,
		Rate:          cand.Rate,
	}, take, true
}

// clamp bounds want by the candidate's capacity and optional per-fill max.
// Per-fill minimums reject a candidate rather than raise the fill; the
// caller checks them after clamping.
func clamp(want, capacity, maxBound int64) int64 {
	out := want
	if out > capacity {
		out = capacity
	}
	if maxBound > 0 && out > maxBound {
		out = maxBound
	}
	return out
}

// tolerance is the residual regarded as rounding noise: the currency divisor,
// converted to settlement value at the accumulated blended rate when the
// target is value-denominated.
func (a *Allocator) tolerance(p Params, res *Result) int64 {
	if p.TargetIsCurrency {
		return p.Currency.Divisor
	}
	if res.TotalValue == 0 {
		return 0
	}
	rate := money.BlendedRate(res.TotalCurrencyValue, res.TotalValue, false)
	if rate <= 0 {
		return 0
	}
	return money.ValueFromCurrency(p.Currency.Divisor, rate, true)
}

func (a *Allocator) unlock(ctx context.Context, p Params, id int64) {
	if !p.Process {
		return
	}
	if err := a.catalog.Unlock(ctx, id); err != nil {
		a.logger.Warn("alloc.unlock_failed", zap.Int64("requisite_id", id), zap.Error(err))
	}
}

func (a *Allocator) release(ctx context.Context, res *Result) {
	for _, id := range res.Locked {
		if err := a.catalog.Unlock(ctx, id); err != nil {
			a.logger.Warn("alloc.release_failed", zap.Int64("requisite_id", id), zap.Error(err))
		}
	}
	res.Locked = nil
}
