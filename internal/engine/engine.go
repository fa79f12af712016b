// Package engine orchestrates allocation runs: it drives the allocator for
// one or both legs of a request, reconciles a single blended rate, applies
// commission, and commits the reservation through the persistence hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/allocator"
	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/internal/commission"
	"github.com/Checker-Finance/liquidity-engine/internal/metrics"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

var (
	// ErrRateFixed guards idempotence: once a request's rate is fixed the
	// engine refuses to re-derive it.
	ErrRateFixed = errors.New("request rate already fixed")

	// ErrOutputShortfall means the output leg filled less external currency
	// than the customer was promised; the input leg is unwound.
	ErrOutputShortfall = errors.New("output leg shortfall")

	// ErrBadRequest covers requests missing the fixed quantity or currency
	// for their direction.
	ErrBadRequest = errors.New("malformed allocation request")
)

// Hooks are the persistence side effects of a committed reservation.
type Hooks interface {
	PersistOrder(ctx context.Context, o *model.Order) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	PlaceWalletBan(ctx context.Context, walletID, value int64, reason string) error
	AddBlacklist(ctx context.Context, requestID uuid.UUID, requisiteID int64) error
}

// EventSink publishes allocation lifecycle events. Optional.
type EventSink interface {
	PublishAllocation(ctx context.Context, eventType string, ev model.AllocationEvent) error
}

// Reservation is a committed allocation for a request.
type Reservation struct {
	RequestID  uuid.UUID
	Input      *allocator.Result
	Output     *allocator.Result
	Orders     []model.Order
	Rate       int64
	Value      int64 // settled value the commission is charged on
	Commission int64
}

// Engine wires the allocator, catalog, commission resolver, and hooks.
type Engine struct {
	alloc      *allocator.Allocator
	catalog    catalog.Catalog
	admin      catalog.Admin
	commission *commission.Resolver
	hooks      Hooks
	events     EventSink
	logger     *zap.Logger
}

func New(
	alloc *allocator.Allocator,
	cat catalog.Catalog,
	admin catalog.Admin,
	resolver *commission.Resolver,
	hooks Hooks,
	events EventSink,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		alloc:      alloc,
		catalog:    cat,
		admin:      admin,
		commission: resolver,
		hooks:      hooks,
		events:     events,
		logger:     logger,
	}
}

// Reserve satisfies a request by allocating one or both legs and committing
// the reservation. On success the request carries the fixed blended rate and
// state COMPLETE; on failure all provisional state is rolled back and the
// request is CANCELED.
func (e *Engine) Reserve(ctx context.Context, req *model.Request) (*Reservation, error) {
	start := time.Now()
	if req.RateFixed {
		return nil, fmt.Errorf("%w: request=%s", ErrRateFixed, req.ID)
	}
	defer metrics.ObserveAllocation(string(req.Direction), start)

	e.logger.Info("engine.reserve.start",
		zap.String("request_id", req.ID.String()),
		zap.String("direction", string(req.Direction)))

	var (
		resv *Reservation
		err  error
	)
	switch req.Direction {
	case model.DirectionInput, model.DirectionOutput:
		resv, err = e.reserveSingle(ctx, req)
	case model.DirectionAll:
		resv, err = e.reserveDual(ctx, req)
	default:
		err = fmt.Errorf("%w: direction %q", ErrBadRequest, req.Direction)
	}

	if err != nil {
		req.State = model.RequestCanceled
		metrics.IncAllocation(string(req.Direction), outcome(err))
		e.publish(ctx, "allocation.failed", model.AllocationEvent{
			RequestID: req.ID,
			Direction: req.Direction,
			Reason:    err.Error(),
			Timestamp: time.Now().UTC(),
		})
		e.logger.Warn("engine.reserve.failed",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		return nil, err
	}

	req.Rate = resv.Rate
	req.RateFixed = true
	req.State = model.RequestComplete

	metrics.IncAllocation(string(req.Direction), "reserved")
	metrics.FillsPerAllocation.Observe(float64(len(resv.Orders)))
	e.publish(ctx, "allocation.completed", model.AllocationEvent{
		RequestID:          req.ID,
		Direction:          req.Direction,
		TotalCurrencyValue: totalCurrency(resv),
		TotalValue:         resv.Value,
		BlendedRate:        resv.Rate,
		Commission:         resv.Commission,
		Requisites:         requisiteIDs(resv.Orders),
		Timestamp:          time.Now().UTC(),
	})

	e.logger.Info("engine.reserve.complete",
		zap.String("request_id", req.ID.String()),
		zap.Int64("rate", resv.Rate),
		zap.Int64("value", resv.Value),
		zap.Int64("commission", resv.Commission),
		zap.Int("orders", len(resv.Orders)))
	return resv, nil
}

func (e *Engine) reserveSingle(ctx context.Context, req *model.Request) (*Reservation, error) {
	p, err := legParams(req, req.Direction)
	if err != nil {
		return nil, err
	}
	req.State = legState(req.Direction)

	res, err := e.alloc.Allocate(ctx, p)
	if err != nil {
		return nil, err
	}

	tier, err := e.resolveCommission(ctx, req, res.TotalValue)
	if err != nil {
		e.alloc.Release(ctx, res)
		return nil, err
	}

	orders, err := e.commit(ctx, req, req.Direction, res)
	if err != nil {
		return nil, err
	}

	resv := &Reservation{
		RequestID:  req.ID,
		Orders:     orders,
		Rate:       res.BlendedRate,
		Value:      res.TotalValue,
		Commission: tier.Amount(res.TotalValue),
	}
	if req.Direction == model.DirectionInput {
		resv.Input = res
	} else {
		resv.Output = res
	}
	return resv, nil
}

// reserveDual runs the input leg first, feeds its settled value into the
// output leg, and fails the combination when the output leg delivers less
// external currency than the request promised.
func (e *Engine) reserveDual(ctx context.Context, req *model.Request) (*Reservation, error) {
	inParams, err := legParams(req, model.DirectionInput)
	if err != nil {
		return nil, err
	}
	req.State = model.RequestInputReservation

	input, err := e.alloc.Allocate(ctx, inParams)
	if err != nil {
		return nil, fmt.Errorf("input leg: %w", err)
	}

	req.State = model.RequestOutputReservation
	if req.OutputCurrency == nil {
		e.alloc.Release(ctx, input)
		return nil, fmt.Errorf("%w: missing output currency", ErrBadRequest)
	}

	output, err := e.alloc.Allocate(ctx, allocator.Params{
		Direction:        model.DirectionOutput,
		Currency:         *req.OutputCurrency,
		Method:           req.Method,
		Target:           input.TotalValue,
		TargetIsCurrency: false,
		RequestID:        req.ID,
		Process:          true,
		Ordering:         catalog.OrderingFor(*req.OutputCurrency),
	})
	if err != nil {
		e.alloc.Release(ctx, input)
		return nil, fmt.Errorf("output leg: %w", err)
	}

	if req.OutputCurrencyValue > 0 && output.TotalCurrencyValue < req.OutputCurrencyValue {
		e.alloc.Release(ctx, input)
		e.alloc.Release(ctx, output)
		return nil, fmt.Errorf("%w: got %d, promised %d",
			ErrOutputShortfall, output.TotalCurrencyValue, req.OutputCurrencyValue)
	}

	tier, err := e.resolveCommission(ctx, req, input.TotalValue)
	if err != nil {
		e.alloc.Release(ctx, input)
		e.alloc.Release(ctx, output)
		return nil, err
	}

	inOrders, err := e.commit(ctx, req, model.DirectionInput, input)
	if err != nil {
		e.alloc.Release(ctx, output)
		return nil, err
	}
	outOrders, err := e.commit(ctx, req, model.DirectionOutput, output)
	if err != nil {
		e.unwind(ctx, inOrders, input.Fills)
		return nil, err
	}

	return &Reservation{
		RequestID:  req.ID,
		Input:      input,
		Output:     output,
		Orders:     append(inOrders, outOrders...),
		Rate:       money.BlendedRate(input.TotalCurrencyValue, output.TotalCurrencyValue, true),
		Value:      input.TotalValue,
		Commission: tier.Amount(input.TotalValue),
	}, nil
}

// commit persists one leg: order records, capacity decrements, and wallet
// bans for counterparty-exposed OUTPUT liquidity. A requisite that fails to
// persist is blacklisted for this request, everything already committed for
// the leg is unwound, and the soft locks are released.
func (e *Engine) commit(ctx context.Context, req *model.Request, dir model.Direction, res *allocator.Result) ([]model.Order, error) {
	orders := make([]model.Order, 0, len(res.Fills))
	for i, f := range res.Fills {
		o := model.Order{
			RequestID:     req.ID,
			RequisiteID:   f.RequisiteID,
			Direction:     dir,
			CurrencyValue: f.CurrencyValue,
			Value:         f.Value,
			Rate:          f.Rate,
			State:         model.OrderActive,
			CreatedAt:     time.Now().UTC(),
		}

		id, err := e.hooks.PersistOrder(ctx, &o)
		if err == nil {
			o.ID = id
			err = e.catalog.ApplyFill(ctx, f.RequisiteID, f.CurrencyValue, f.Value)
			if err == nil && dir == model.DirectionOutput {
				if banErr := e.hooks.PlaceWalletBan(ctx, f.WalletID, f.Value, "allocation hold"); banErr != nil {
					err = banErr
					if revErr := e.catalog.RevertFill(ctx, f.RequisiteID, f.CurrencyValue, f.Value); revErr != nil {
						e.logger.Error("engine.commit.revert_failed",
							zap.Int64("requisite_id", f.RequisiteID), zap.Error(revErr))
					}
				}
			} else if err != nil {
				if cErr := e.hooks.CancelOrder(ctx, o.ID); cErr != nil {
					e.logger.Error("engine.commit.cancel_order_failed",
						zap.Int64("order_id", o.ID), zap.Error(cErr))
				}
			}
		}
		if err != nil {
			e.logger.Error("engine.commit.requisite_failed",
				zap.String("request_id", req.ID.String()),
				zap.Int64("requisite_id", f.RequisiteID),
				zap.Error(err))
			if blErr := e.hooks.AddBlacklist(ctx, req.ID, f.RequisiteID); blErr != nil {
				e.logger.Error("engine.commit.blacklist_failed",
					zap.Int64("requisite_id", f.RequisiteID), zap.Error(blErr))
			}
			e.unwind(ctx, orders, res.Fills[:i])
			e.alloc.Release(ctx, res)
			return nil, fmt.Errorf("commit requisite %d: %w", f.RequisiteID, err)
		}
		orders = append(orders, o)
	}

	// Reservation is durable; the soft locks have done their job.
	e.alloc.Release(ctx, res)
	return orders, nil
}

// unwind cancels committed orders and restores the capacity they consumed.
func (e *Engine) unwind(ctx context.Context, orders []model.Order, fills []allocator.Fill) {
	for i := len(orders) - 1; i >= 0; i-- {
		if err := e.hooks.CancelOrder(ctx, orders[i].ID); err != nil {
			e.logger.Error("engine.unwind.cancel_failed",
				zap.Int64("order_id", orders[i].ID), zap.Error(err))
		}
		if err := e.catalog.RevertFill(ctx, fills[i].RequisiteID, fills[i].CurrencyValue, fills[i].Value); err != nil {
			e.logger.Error("engine.unwind.revert_failed",
				zap.Int64("requisite_id", fills[i].RequisiteID), zap.Error(err))
		}
	}
}

func (e *Engine) resolveCommission(ctx context.Context, req *model.Request, value int64) (commission.Tier, error) {
	if e.commission == nil {
		return commission.Tier{}, nil
	}
	return e.commission.Resolve(ctx, req.Wallet.CommissionPackID, value)
}

func (e *Engine) publish(ctx context.Context, eventType string, ev model.AllocationEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishAllocation(ctx, eventType, ev); err != nil {
		e.logger.Warn("engine.publish_failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// legParams builds allocator parameters for one leg of req, choosing
// whichever of the currency/value pair is the fixed quantity.
func legParams(req *model.Request, dir model.Direction) (allocator.Params, error) {
	var (
		cur            *model.Currency
		currencyTarget int64
		valueTarget    int64
	)
	if dir == model.DirectionInput {
		cur, currencyTarget, valueTarget = req.InputCurrency, req.InputCurrencyValue, req.InputValue
	} else {
		cur, currencyTarget, valueTarget = req.OutputCurrency, req.OutputCurrencyValue, req.OutputValue
	}
	if cur == nil {
		return allocator.Params{}, fmt.Errorf("%w: missing %s currency", ErrBadRequest, dir)
	}

	p := allocator.Params{
		Direction: dir,
		Currency:  *cur,
		Method:    req.Method,
		RequestID: req.ID,
		Process:   true,
		Ordering:  catalog.OrderingFor(*cur),
	}
	switch {
	case currencyTarget > 0:
		p.Target = currencyTarget
		p.TargetIsCurrency = true
	case valueTarget > 0:
		p.Target = valueTarget
	default:
		return allocator.Params{}, fmt.Errorf("%w: no fixed quantity for %s leg", ErrBadRequest, dir)
	}
	return p, nil
}

func legState(dir model.Direction) model.RequestState {
	if dir == model.DirectionOutput {
		return model.RequestOutputReservation
	}
	return model.RequestInputReservation
}

func outcome(err error) string {
	switch {
	case errors.Is(err, allocator.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, allocator.ErrPartialFillRejected):
		return "partial_fill_rejected"
	case errors.Is(err, commission.ErrIntervalNotFound):
		return "interval_not_found"
	case errors.Is(err, ErrOutputShortfall):
		return "output_shortfall"
	default:
		return "error"
	}
}

func totalCurrency(r *Reservation) int64 {
	if r.Input != nil {
		return r.Input.TotalCurrencyValue
	}
	if r.Output != nil {
		return r.Output.TotalCurrencyValue
	}
	return 0
}

func requisiteIDs(orders []model.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.RequisiteID)
	}
	return ids
}
