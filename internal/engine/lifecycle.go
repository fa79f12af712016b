package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// ErrInvalidTransition rejects lifecycle moves the state machine forbids.
var ErrInvalidTransition = errors.New("invalid requisite state transition")

// ErrRequisiteBusy means a transition could not be applied because an
// allocation run held the soft lock for the whole retry window.
var ErrRequisiteBusy = errors.New("requisite locked by an allocation run")

const (
	transitionAttempts = 5
	transitionBackoff  = 50 * time.Millisecond
)

// CreateRequisite registers a counterparty's liquidity position. OUTPUT
// requisites expose the owner's settlement balance, so a wallet ban for the
// posted value is placed alongside.
func (e *Engine) CreateRequisite(ctx context.Context, r *model.Requisite) (int64, error) {
	if r.CurrencyValue < 0 || r.Value < 0 {
		return 0, fmt.Errorf("%w: negative capacity", ErrBadRequest)
	}
	if r.State == "" {
		r.State = model.RequisiteEnabled
	}

	id, err := e.admin.Create(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("create requisite: %w", err)
	}

	if r.Direction == model.DirectionOutput && r.Value > 0 {
		if err := e.hooks.PlaceWalletBan(ctx, r.WalletID, r.Value, "requisite liquidity hold"); err != nil {
			return 0, fmt.Errorf("place requisite ban: %w", err)
		}
	}

	e.logger.Info("engine.requisite.created",
		zap.Int64("requisite_id", id),
		zap.String("direction", string(r.Direction)),
		zap.String("currency", r.Currency.Code),
		zap.Int64("rate", r.Rate))
	return id, nil
}

// TransitionRequisite applies an owner lifecycle move. The transition waits
// for the soft lock to clear (bounded retries) rather than racing an active
// allocation run.
func (e *Engine) TransitionRequisite(ctx context.Context, id int64, to model.RequisiteState) error {
	cur, err := e.admin.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load requisite %d: %w", id, err)
	}
	if !validTransition(cur.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		ok, err := e.admin.SetState(ctx, id, to)
		if err != nil {
			return fmt.Errorf("transition requisite %d: %w", id, err)
		}
		if ok {
			e.logger.Info("engine.requisite.transitioned",
				zap.Int64("requisite_id", id),
				zap.String("from", string(cur.State)),
				zap.String("to", string(to)))
			return nil
		}
		select {
		case <-time.After(transitionBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: requisite %d", ErrRequisiteBusy, id)
}

// SweepRequisite soft-deletes a requisite whose remaining currency is below
// its currency divisor. Returns false when the requisite is still viable or
// currently locked.
func (e *Engine) SweepRequisite(ctx context.Context, id int64) (bool, error) {
	r, err := e.admin.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load requisite %d: %w", id, err)
	}
	if r.IsDeleted || r.CurrencyValue >= r.Currency.Divisor {
		return false, nil
	}
	ok, err := e.admin.SoftDelete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("soft delete requisite %d: %w", id, err)
	}
	if ok {
		e.logger.Info("engine.requisite.swept", zap.Int64("requisite_id", id))
	}
	return ok, nil
}

// validTransition encodes ENABLED <-> DISABLED -> STOPPED. STOPPED is a
// terminal pause: nothing leaves it.
func validTransition(from, to model.RequisiteState) bool {
	if from == to {
		return false
	}
	switch from {
	case model.RequisiteEnabled:
		return to == model.RequisiteDisabled || to == model.RequisiteStopped
	case model.RequisiteDisabled:
		return to == model.RequisiteEnabled || to == model.RequisiteStopped
	default:
		return false
	}
}
