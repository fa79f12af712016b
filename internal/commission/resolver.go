// Package commission maps settled amounts onto a wallet's commission tier
// table. A gap in the table is a configuration defect and surfaces as
// ErrIntervalNotFound; it is never silently treated as zero commission.
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// ErrIntervalNotFound means no tier of the pack contains the amount.
// Operators own this error; the caller must not degrade it to zero fee.
var ErrIntervalNotFound = errors.New("commission interval not found")

// PercentScale converts tier percentages (basis points scaled by 100) into
// amounts: fee = amount * percent / PercentScale.
const PercentScale = 10000

// Tier is the resolved fee for an amount: a percentage (scaled by 100, i.e.
// 200 = 2%) and/or a flat component.
type Tier struct {
	Percent int64
	Flat    int64
}

// Amount computes the commission the tier charges on amount, flooring the
// percentage part.
func (t Tier) Amount(amount int64) int64 {
	return amount*t.Percent/PercentScale + t.Flat
}

// FindTier selects the unique tier whose [ValueFrom, ValueTo) interval
// contains amount. ValueTo = 0 encodes an unbounded upper tier.
func FindTier(values []model.CommissionPackValue, amount int64) (Tier, error) {
	for _, v := range values {
		if amount < v.ValueFrom {
			continue
		}
		if v.ValueTo != 0 && amount >= v.ValueTo {
			continue
		}
		return Tier{Percent: v.Percent, Flat: v.Value}, nil
	}
	return Tier{}, fmt.Errorf("%w: amount=%d", ErrIntervalNotFound, amount)
}

// PackSource loads commission packs by id.
type PackSource interface {
	CommissionPack(ctx context.Context, id int64) (*model.CommissionPack, error)
}

// Resolver resolves commission tiers through a PackSource.
type Resolver struct {
	source PackSource
}

func NewResolver(source PackSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve loads the pack and selects the tier containing amount.
func (r *Resolver) Resolve(ctx context.Context, packID, amount int64) (Tier, error) {
	pack, err := r.source.CommissionPack(ctx, packID)
	if err != nil {
		return Tier{}, fmt.Errorf("load commission pack %d: %w", packID, err)
	}
	tier, err := FindTier(pack.Values, amount)
	if err != nil {
		return Tier{}, fmt.Errorf("pack %d: %w", packID, err)
	}
	return tier, nil
}
