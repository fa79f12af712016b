package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/liquidity-engine/internal/allocator"
	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/internal/commission"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

var (
	brl  = model.Currency{Code: "BRL", Divisor: 1, Decimal: 2}
	usdt = model.Currency{Code: "USDT", Divisor: 1, Decimal: 2, Reference: true}
)

// memHooks is an in-memory Hooks implementation; per-requisite failures can
// be injected to exercise the unwind path.
type memHooks struct {
	mu          sync.Mutex
	nextOrderID int64
	orders      map[int64]*model.Order
	bans        []model.WalletBan
	catalog     *catalog.Memory
	failFor     map[int64]bool
}

func newMemHooks(cat *catalog.Memory) *memHooks {
	return &memHooks{
		nextOrderID: 1,
		orders:      make(map[int64]*model.Order),
		catalog:     cat,
		failFor:     make(map[int64]bool),
	}
}

func (h *memHooks) PersistOrder(_ context.Context, o *model.Order) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failFor[o.RequisiteID] {
		return 0, assert.AnError
	}
	id := h.nextOrderID
	h.nextOrderID++
	cp := *o
	cp.ID = id
	h.orders[id] = &cp
	return id, nil
}

func (h *memHooks) CancelOrder(_ context.Context, orderID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.orders[orderID]; ok {
		o.State = model.OrderCanceled
	}
	return nil
}

func (h *memHooks) PlaceWalletBan(_ context.Context, walletID, value int64, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bans = append(h.bans, model.WalletBan{WalletID: walletID, Value: value, Reason: reason})
	return nil
}

func (h *memHooks) AddBlacklist(ctx context.Context, requestID uuid.UUID, requisiteID int64) error {
	return h.catalog.AddBlacklist(ctx, requestID, requisiteID)
}

func (h *memHooks) activeOrders() []model.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Order
	for _, o := range h.orders {
		if o.State == model.OrderActive {
			out = append(out, *o)
		}
	}
	return out
}

type staticPacks struct {
	packs map[int64]*model.CommissionPack
}

func (s *staticPacks) CommissionPack(_ context.Context, id int64) (*model.CommissionPack, error) {
	if p, ok := s.packs[id]; ok {
		return p, nil
	}
	return nil, assert.AnError
}

func standardPacks() *staticPacks {
	return &staticPacks{packs: map[int64]*model.CommissionPack{
		1: {ID: 1, Name: "standard", Values: []model.CommissionPackValue{
			{ValueFrom: 0, ValueTo: 1000, Percent: 200},
			{ValueFrom: 1000, ValueTo: 0, Value: 50},
		}},
		2: {ID: 2, Name: "broken", Values: []model.CommissionPackValue{
			{ValueFrom: 500, ValueTo: 1000, Percent: 100},
		}},
	}}
}

func newEngine(t *testing.T, cat *catalog.Memory) (*Engine, *memHooks) {
	t.Helper()
	hooks := newMemHooks(cat)
	alloc := allocator.New(cat, cat, nil)
	resolver := commission.NewResolver(standardPacks())
	return New(alloc, cat, cat, resolver, hooks, nil, nil), hooks
}

func addRequisite(t *testing.T, cat *catalog.Memory, r *model.Requisite) {
	t.Helper()
	if r.State == "" {
		r.State = model.RequisiteEnabled
	}
	_, err := cat.Create(context.Background(), r)
	require.NoError(t, err)
}

func outReq(rate, currencyValue int64) *model.Requisite {
	return &model.Requisite{
		WalletID:      10,
		Direction:     model.DirectionOutput,
		Currency:      brl,
		Rate:          rate,
		CurrencyValue: currencyValue,
		Value:         money.ValueFromCurrency(currencyValue, rate, false),
	}
}

func inReq(rate, currencyValue int64) *model.Requisite {
	r := outReq(rate, currencyValue)
	r.Direction = model.DirectionInput
	r.Currency = usdt
	return r
}

func TestReserveOutputLeg(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 500))
	addRequisite(t, cat, outReq(105, 1000))
	eng, hooks := newEngine(t, cat)

	req := &model.Request{
		ID:                  uuid.New(),
		Direction:           model.DirectionOutput,
		Wallet:              model.Wallet{ID: 1, CommissionPackID: 1},
		OutputCurrency:      &brl,
		OutputCurrencyValue: 700,
	}

	resv, err := eng.Reserve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(101), resv.Rate)
	assert.Equal(t, int64(691), resv.Value)
	// 691 falls in the 2% tier: floor(691*200/10000) = 13.
	assert.Equal(t, int64(13), resv.Commission)
	assert.Len(t, resv.Orders, 2)

	// Request is fixed and complete; locks are released after commit.
	assert.True(t, req.RateFixed)
	assert.Equal(t, model.RequestComplete, req.State)
	assert.Equal(t, int64(101), req.Rate)
	assert.Empty(t, cat.LockedIDs())

	// Capacity was persisted and OUTPUT exposure banned.
	r1, _ := cat.Get(context.Background(), 1)
	assert.Equal(t, int64(0), r1.CurrencyValue)
	r2, _ := cat.Get(context.Background(), 2)
	assert.Equal(t, int64(800), r2.CurrencyValue)
	assert.Len(t, hooks.bans, 2)
}

func TestReserveRateFixedGuard(t *testing.T) {
	cat := catalog.NewMemory()
	eng, _ := newEngine(t, cat)

	req := &model.Request{ID: uuid.New(), Direction: model.DirectionOutput, RateFixed: true}
	_, err := eng.Reserve(context.Background(), req)
	assert.ErrorIs(t, err, ErrRateFixed)
}

func TestReserveDualLeg(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, inReq(100, 1000)) // input: customer pays USDT
	addRequisite(t, cat, outReq(105, 2000))
	eng, hooks := newEngine(t, cat)

	req := &model.Request{
		ID:                 uuid.New(),
		Direction:          model.DirectionAll,
		Wallet:             model.Wallet{ID: 1, CommissionPackID: 1},
		InputCurrency:      &usdt,
		InputCurrencyValue: 1000,
		OutputCurrency:     &brl,
	}

	resv, err := eng.Reserve(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, resv.Input)
	require.NotNil(t, resv.Output)
	assert.Equal(t, int64(1000), resv.Input.TotalCurrencyValue)
	assert.Equal(t, int64(1000), resv.Input.TotalValue)
	// Output leg: 1000 value at 1.05, currency floored = 1050.
	assert.Equal(t, int64(1050), resv.Output.TotalCurrencyValue)

	// Combined rate = ceil(input.cv / output.cv * 100) = ceil(1000/1050*100).
	assert.Equal(t, int64(96), resv.Rate)
	assert.Equal(t, model.RequestComplete, req.State)
	assert.Empty(t, cat.LockedIDs())
	assert.Len(t, hooks.activeOrders(), 2)
}

func TestReserveDualLegOutputShortfall(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, inReq(100, 1000))
	addRequisite(t, cat, outReq(105, 2000))
	eng, hooks := newEngine(t, cat)

	req := &model.Request{
		ID:                  uuid.New(),
		Direction:           model.DirectionAll,
		Wallet:              model.Wallet{ID: 1, CommissionPackID: 1},
		InputCurrency:       &usdt,
		InputCurrencyValue:  1000,
		OutputCurrency:      &brl,
		OutputCurrencyValue: 2000, // promised more than 1000 value can buy
	}

	_, err := eng.Reserve(context.Background(), req)
	assert.ErrorIs(t, err, ErrOutputShortfall)
	assert.Equal(t, model.RequestCanceled, req.State)

	// Both legs fully unwound: no locks, no orders, capacity untouched.
	assert.Empty(t, cat.LockedIDs())
	assert.Empty(t, hooks.activeOrders())
	r1, _ := cat.Get(context.Background(), 1)
	assert.Equal(t, int64(1000), r1.CurrencyValue)
}

func TestReserveCommissionGapIsFatal(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 500))
	eng, hooks := newEngine(t, cat)

	req := &model.Request{
		ID:                  uuid.New(),
		Direction:           model.DirectionOutput,
		Wallet:              model.Wallet{ID: 1, CommissionPackID: 2}, // broken pack
		OutputCurrency:      &brl,
		OutputCurrencyValue: 300, // value 300 < pack's 500 lower bound
	}

	_, err := eng.Reserve(context.Background(), req)
	assert.ErrorIs(t, err, commission.ErrIntervalNotFound)

	// Nothing committed, nothing locked.
	assert.Empty(t, cat.LockedIDs())
	assert.Empty(t, hooks.activeOrders())
}

func TestReserveCommitFailureBlacklistsAndUnwinds(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 500))
	addRequisite(t, cat, outReq(105, 1000))
	eng, hooks := newEngine(t, cat)
	hooks.failFor[2] = true

	req := &model.Request{
		ID:                  uuid.New(),
		Direction:           model.DirectionOutput,
		Wallet:              model.Wallet{ID: 1, CommissionPackID: 1},
		OutputCurrency:      &brl,
		OutputCurrencyValue: 700,
	}

	_, err := eng.Reserve(context.Background(), req)
	require.Error(t, err)

	// Requisite 2 failed to complete the reservation: blacklisted for retry.
	banned, _ := cat.IsBlacklisted(context.Background(), req.ID, 2)
	assert.True(t, banned)

	// Requisite 1's committed slice was unwound.
	assert.Empty(t, hooks.activeOrders())
	assert.Empty(t, cat.LockedIDs())
	r1, _ := cat.Get(context.Background(), 1)
	assert.Equal(t, int64(500), r1.CurrencyValue)
}

func TestReserveRetryAfterBlacklist(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 900))
	addRequisite(t, cat, outReq(105, 900))
	eng, hooks := newEngine(t, cat)
	hooks.failFor[1] = true

	req := &model.Request{
		ID:                  uuid.New(),
		Direction:           model.DirectionOutput,
		Wallet:              model.Wallet{ID: 1, CommissionPackID: 1},
		OutputCurrency:      &brl,
		OutputCurrencyValue: 700,
	}

	_, err := eng.Reserve(context.Background(), req)
	require.Error(t, err)

	// Retry skips the blacklisted requisite and completes on the other.
	req.State = ""
	resv, err := eng.Reserve(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resv.Orders, 1)
	assert.Equal(t, int64(2), resv.Orders[0].RequisiteID)
}

func TestCreateRequisitePlacesBanForOutput(t *testing.T) {
	cat := catalog.NewMemory()
	eng, hooks := newEngine(t, cat)

	id, err := eng.CreateRequisite(context.Background(), outReq(100, 500))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.Len(t, hooks.bans, 1)
	assert.Equal(t, int64(500), hooks.bans[0].Value)
	assert.Equal(t, "requisite liquidity hold", hooks.bans[0].Reason)

	// INPUT requisites expose no settlement balance: no ban.
	_, err = eng.CreateRequisite(context.Background(), inReq(100, 500))
	require.NoError(t, err)
	assert.Len(t, hooks.bans, 1)
}

func TestTransitionRequisite(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 500))
	eng, _ := newEngine(t, cat)
	ctx := context.Background()

	require.NoError(t, eng.TransitionRequisite(ctx, 1, model.RequisiteDisabled))
	require.NoError(t, eng.TransitionRequisite(ctx, 1, model.RequisiteEnabled))
	require.NoError(t, eng.TransitionRequisite(ctx, 1, model.RequisiteStopped))

	// STOPPED is terminal.
	err := eng.TransitionRequisite(ctx, 1, model.RequisiteEnabled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionWaitsForSoftLock(t *testing.T) {
	cat := catalog.NewMemory()
	addRequisite(t, cat, outReq(100, 500))
	eng, _ := newEngine(t, cat)
	ctx := context.Background()

	held, err := cat.Lock(ctx, 1)
	require.NoError(t, err)
	require.True(t, held)

	err = eng.TransitionRequisite(ctx, 1, model.RequisiteDisabled)
	assert.ErrorIs(t, err, ErrRequisiteBusy)

	require.NoError(t, cat.Unlock(ctx, 1))
	assert.NoError(t, eng.TransitionRequisite(ctx, 1, model.RequisiteDisabled))
}

func TestSweepRequisite(t *testing.T) {
	cur := model.Currency{Code: "XAU", Divisor: 5}
	cat := catalog.NewMemory()
	addRequisite(t, cat, &model.Requisite{
		Direction: model.DirectionOutput, Currency: cur,
		Rate: 100, CurrencyValue: 3, Value: 3,
	})
	addRequisite(t, cat, &model.Requisite{
		Direction: model.DirectionOutput, Currency: cur,
		Rate: 100, CurrencyValue: 50, Value: 50,
	})
	eng, _ := newEngine(t, cat)
	ctx := context.Background()

	swept, err := eng.SweepRequisite(ctx, 1)
	require.NoError(t, err)
	assert.True(t, swept)

	swept, err = eng.SweepRequisite(ctx, 2)
	require.NoError(t, err)
	assert.False(t, swept, "viable requisites are not swept")

	r1, _ := cat.Get(ctx, 1)
	assert.True(t, r1.IsDeleted)
}
