package allocator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

var brl = model.Currency{Code: "BRL", Divisor: 1, Decimal: 2}

func seed(t *testing.T, mem *catalog.Memory, reqs ...*model.Requisite) {
	t.Helper()
	for _, r := range reqs {
		if r.State == "" {
			r.State = model.RequisiteEnabled
		}
		_, err := mem.Create(context.Background(), r)
		require.NoError(t, err)
	}
}

func outputRequisite(rate, currencyValue int64) *model.Requisite {
	return &model.Requisite{
		WalletID:      10,
		Direction:     model.DirectionOutput,
		Currency:      brl,
		Method:        "pix",
		Rate:          rate,
		CurrencyValue: currencyValue,
		Value:         money.ValueFromCurrency(currencyValue, rate, false),
	}
}

func TestAllocateGreedyTwoRequisites(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem,
		outputRequisite(100, 500),
		outputRequisite(105, 1000),
	)
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Method:           "pix",
		Target:           700,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, int64(500), res.Fills[0].CurrencyValue)
	assert.Equal(t, int64(100), res.Fills[0].Rate)
	assert.Equal(t, int64(200), res.Fills[1].CurrencyValue)
	assert.Equal(t, int64(105), res.Fills[1].Rate)

	// 500 value at 1.00 plus ceil(200/1.05)=191 at 1.05.
	assert.Equal(t, int64(700), res.TotalCurrencyValue)
	assert.Equal(t, int64(691), res.TotalValue)

	// Output leg floors the blended rate: floor(700/691*100) = 101.
	assert.Equal(t, int64(101), res.BlendedRate)

	// Consumed requisites keep their locks until the hooks confirm.
	assert.Equal(t, []int64{1, 2}, res.Locked)
	assert.Equal(t, []int64{1, 2}, mem.LockedIDs())
}

func TestAllocateSumsMatchTotalsExactly(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem,
		outputRequisite(97, 311),
		outputRequisite(103, 777),
		outputRequisite(121, 1250),
	)
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           2000,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
	})
	require.NoError(t, err)

	var cv, v int64
	for _, f := range res.Fills {
		cv += f.CurrencyValue
		v += f.Value
	}
	assert.Equal(t, res.TotalCurrencyValue, cv)
	assert.Equal(t, res.TotalValue, v)
	assert.Equal(t, int64(2000), cv)
}

func TestAllocateBlendedRateProperties(t *testing.T) {
	run := func(dir model.Direction) *Result {
		mem := catalog.NewMemory()
		r1 := outputRequisite(103, 457)
		r2 := outputRequisite(111, 900)
		r1.Direction = dir
		r2.Direction = dir
		seed(t, mem, r1, r2)

		a := New(mem, mem, nil)
		res, err := a.Allocate(context.Background(), Params{
			Direction:        dir,
			Currency:         brl,
			Target:           1000,
			TargetIsCurrency: true,
			RequestID:        uuid.New(),
		})
		require.NoError(t, err)
		return res
	}

	in := run(model.DirectionInput)
	assert.GreaterOrEqual(t, in.BlendedRate*in.TotalValue, in.TotalCurrencyValue*money.RateScale,
		"input leg blended rate must cover the exact balance point")

	out := run(model.DirectionOutput)
	assert.LessOrEqual(t, out.BlendedRate*out.TotalValue, out.TotalCurrencyValue*money.RateScale,
		"output leg blended rate must never exceed the balance point")
}

func TestAllocateValueDenominatedTarget(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem, outputRequisite(105, 1000))
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           400, // settlement value
		TargetIsCurrency: false,
		RequestID:        uuid.New(),
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(400), res.TotalValue)
	// Output pays currency out, floored: floor(400*105/100) = 420.
	assert.Equal(t, int64(420), res.TotalCurrencyValue)
}

func TestAllocateSkipsEmptyBelowDivisor(t *testing.T) {
	cur := model.Currency{Code: "XAU", Divisor: 5, Decimal: 0}
	mem := catalog.NewMemory()
	seed(t, mem,
		&model.Requisite{Direction: model.DirectionOutput, Currency: cur, Rate: 100, CurrencyValue: 3, Value: 3},
		&model.Requisite{Direction: model.DirectionOutput, Currency: cur, Rate: 100, CurrencyValue: 100, Value: 100},
	)
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         cur,
		Target:           100,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(2), res.Fills[0].RequisiteID)
	// The empty candidate was unlocked after inspection.
	assert.Equal(t, []int64{2}, mem.LockedIDs())
}

func TestAllocateSkipsBlacklisted(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem,
		outputRequisite(100, 500),
		outputRequisite(105, 1000),
	)
	requestID := uuid.New()
	require.NoError(t, mem.AddBlacklist(context.Background(), requestID, 1))

	a := New(mem, mem, nil)
	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           300,
		TargetIsCurrency: true,
		RequestID:        requestID,
		Process:          true,
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(2), res.Fills[0].RequisiteID)
	assert.Equal(t, []int64{2}, mem.LockedIDs())
}

func TestAllocateSkipsRequisiteLockedByAnotherRun(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem,
		outputRequisite(100, 500),
		outputRequisite(105, 1000),
	)
	// Another run holds requisite 1.
	held, err := mem.Lock(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, held)

	a := New(mem, mem, nil)
	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           300,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	require.NoError(t, err)

	for _, f := range res.Fills {
		assert.NotEqual(t, int64(1), f.RequisiteID,
			"a requisite held by another run must never appear in fills")
	}
	assert.Equal(t, []int64{2}, res.Locked)
}

func TestAllocateInsufficientLiquidity(t *testing.T) {
	cur := model.Currency{Code: "XAU", Divisor: 5, Decimal: 0}
	mem := catalog.NewMemory()
	seed(t, mem,
		&model.Requisite{Direction: model.DirectionOutput, Currency: cur, Rate: 100, CurrencyValue: 3, Value: 3},
		&model.Requisite{Direction: model.DirectionOutput, Currency: cur, Rate: 100, CurrencyValue: 4, Value: 4},
	)
	a := New(mem, mem, nil)

	_, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         cur,
		Target:           100,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Empty(t, mem.LockedIDs(), "no locks may survive a failed run")
}

func TestAllocatePartialFillRejectedRollsBack(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem, outputRequisite(100, 500))
	a := New(mem, mem, nil)

	_, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           700,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	assert.ErrorIs(t, err, ErrPartialFillRejected)
	assert.Empty(t, mem.LockedIDs())

	// The provisional capacity decrement was never persisted.
	r, err := mem.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.CurrencyValue)
}

func TestAllocateRejectsNonPositiveDivisor(t *testing.T) {
	// Commands consumed off the wire embed the currency struct; a zero
	// divisor must be refused up front, not reach the modulus in the loop.
	cur := model.Currency{Code: "BRL", Divisor: 0, Decimal: 2}
	mem := catalog.NewMemory()
	seed(t, mem, &model.Requisite{
		Direction: model.DirectionOutput, Currency: cur,
		Rate: 100, CurrencyValue: 1000, Value: 1000,
	})
	a := New(mem, mem, nil)

	_, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         cur,
		Target:           300,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divisor")
	assert.Empty(t, mem.LockedIDs())
}

func TestAllocateResidualWithinDivisorTolerated(t *testing.T) {
	cur := model.Currency{Code: "XAU", Divisor: 5, Decimal: 0}
	mem := catalog.NewMemory()
	seed(t, mem, &model.Requisite{
		Direction: model.DirectionOutput, Currency: cur,
		Rate: 100, CurrencyValue: 100, Value: 100,
	})
	a := New(mem, mem, nil)

	// Target 103: fill quantizes to 100, residual 3 < divisor 5.
	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         cur,
		Target:           103,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.TotalCurrencyValue)
}

func TestAllocateIdempotentAfterCommit(t *testing.T) {
	mem := catalog.NewMemory()
	seed(t, mem, outputRequisite(100, 1000))
	a := New(mem, mem, nil)
	ctx := context.Background()

	p := Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           400,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Process:          true,
	}

	first, err := a.Allocate(ctx, p)
	require.NoError(t, err)
	// Commit: persist the decrement, then release locks.
	for _, f := range first.Fills {
		require.NoError(t, mem.ApplyFill(ctx, f.RequisiteID, f.CurrencyValue, f.Value))
	}
	a.Release(ctx, first)

	second, err := a.Allocate(ctx, p)
	require.NoError(t, err)
	for _, f := range second.Fills {
		require.NoError(t, mem.ApplyFill(ctx, f.RequisiteID, f.CurrencyValue, f.Value))
	}
	a.Release(ctx, second)

	r, err := mem.Get(ctx, 1)
	require.NoError(t, err)
	// Two committed runs consume exactly 2×400; no double counting.
	assert.Equal(t, int64(200), r.CurrencyValue)
	assert.Equal(t, int64(200), r.Value)
}

func TestAllocateHonorsPerFillBounds(t *testing.T) {
	r := outputRequisite(100, 1000)
	r.CurrencyValueMax = 300
	mem := catalog.NewMemory()
	seed(t, mem, r, outputRequisite(105, 1000))
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           500,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, int64(300), res.Fills[0].CurrencyValue, "clamped to currency_value_max")
	assert.Equal(t, int64(200), res.Fills[1].CurrencyValue)
}

func TestAllocateRejectsBelowPerFillMinimum(t *testing.T) {
	r := outputRequisite(100, 1000)
	r.CurrencyValueMin = 500
	mem := catalog.NewMemory()
	seed(t, mem, r)
	a := New(mem, mem, nil)

	// Remaining 200 is under the candidate's 500 minimum; the candidate is
	// skipped, nothing fills.
	_, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         brl,
		Target:           200,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestAllocateReversedOrderingForReferenceUnit(t *testing.T) {
	usdt := model.Currency{Code: "USDT", Divisor: 1, Decimal: 2, Reference: true}
	mem := catalog.NewMemory()
	r1 := &model.Requisite{Direction: model.DirectionOutput, Currency: usdt, Rate: 100, CurrencyValue: 500, Value: 500}
	r2 := &model.Requisite{Direction: model.DirectionOutput, Currency: usdt, Rate: 110, CurrencyValue: 500, Value: 454}
	seed(t, mem, r1, r2)
	a := New(mem, mem, nil)

	res, err := a.Allocate(context.Background(), Params{
		Direction:        model.DirectionOutput,
		Currency:         usdt,
		Target:           400,
		TargetIsCurrency: true,
		RequestID:        uuid.New(),
		Ordering:         catalog.OrderingFor(usdt),
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(110), res.Fills[0].Rate, "reference unit depletes the reversed end first")
}
