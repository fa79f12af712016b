package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/allocator"
	"github.com/Checker-Finance/liquidity-engine/internal/engine"
	"github.com/Checker-Finance/liquidity-engine/internal/rate"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

type fakeService struct {
	reserveErr    error
	transitionErr error
	lastRequest   *model.Request
	lastRequisite *model.Requisite
}

func (f *fakeService) Reserve(_ context.Context, req *model.Request) (*engine.Reservation, error) {
	f.lastRequest = req
	if f.reserveErr != nil {
		req.State = model.RequestCanceled
		return nil, f.reserveErr
	}
	req.State = model.RequestComplete
	return &engine.Reservation{
		RequestID:  req.ID,
		Rate:       1725,
		Value:      28985,
		Commission: 579,
		Input: &allocator.Result{
			Fills: []allocator.Fill{
				{RequisiteID: 1, CurrencyValue: 500000, Value: 28985, Rate: 1725},
			},
			TotalCurrencyValue: 500000,
			TotalValue:         28985,
			BlendedRate:        1725,
		},
	}, nil
}

func (f *fakeService) CreateRequisite(_ context.Context, r *model.Requisite) (int64, error) {
	f.lastRequisite = r
	return 11, nil
}

func (f *fakeService) TransitionRequisite(_ context.Context, _ int64, _ model.RequisiteState) error {
	return f.transitionErr
}

func (f *fakeService) Get(_ context.Context, id int64) (*model.Requisite, error) {
	if f.lastRequisite == nil || f.lastRequisite.ID != id {
		return nil, nil
	}
	return f.lastRequisite, nil
}

func newTestApp(svc *fakeService) *fiber.App {
	app := fiber.New()
	h := NewHandler(zap.NewNop(), svc, svc, map[string]model.Currency{
		"MXN":  {Code: "MXN", Divisor: 5, Decimal: 2},
		"USDT": {Code: "USDT", Divisor: 1, Decimal: 2, Reference: true},
	})

	v1 := app.Group("/api/v1")
	v1.Post("/allocations", h.CreateAllocation)
	v1.Post("/requisites", h.CreateRequisite)
	v1.Get("/requisites/:id", h.GetRequisite)
	v1.Post("/requisites/:id/transition", h.TransitionRequisite)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestCreateAllocationSuccess(t *testing.T) {
	svc := &fakeService{}
	app := newTestApp(svc)

	status, out := postJSON(t, app, "/api/v1/allocations", map[string]any{
		"walletId":           42,
		"direction":          "INPUT",
		"inputCurrency":      "MXN",
		"inputCurrencyValue": "5000.00",
		"method":             "SPEI",
	})
	require.Equal(t, fiber.StatusCreated, status)

	assert.Equal(t, "COMPLETE", out["state"])
	assert.Equal(t, "17.25", out["rate"])
	assert.Equal(t, "289.85", out["value"])
	assert.Equal(t, "5.79", out["commission"])

	require.NotNil(t, svc.lastRequest)
	assert.Equal(t, model.DirectionInput, svc.lastRequest.Direction)
	assert.Equal(t, int64(500000), svc.lastRequest.InputCurrencyValue)
	assert.Equal(t, int64(0), svc.lastRequest.InputValue)

	fills, ok := out["inputFills"].([]any)
	require.True(t, ok)
	require.Len(t, fills, 1)
	fill := fills[0].(map[string]any)
	assert.Equal(t, "5000", fill["currencyValue"])
}

func TestCreateAllocationValidation(t *testing.T) {
	app := newTestApp(&fakeService{})

	status, out := postJSON(t, app, "/api/v1/allocations", map[string]any{
		"walletId":  42,
		"direction": "SIDEWAYS",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, out["error"], "direction")

	status, out = postJSON(t, app, "/api/v1/allocations", map[string]any{
		"walletId":           42,
		"direction":          "INPUT",
		"inputCurrency":      "MXN",
		"inputCurrencyValue": "5000.00",
		"inputValue":         "100.00",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, out["error"], "exactly one")
}

func TestCreateAllocationErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{allocator.ErrInsufficientLiquidity, fiber.StatusUnprocessableEntity},
		{allocator.ErrPartialFillRejected, fiber.StatusUnprocessableEntity},
		{engine.ErrOutputShortfall, fiber.StatusUnprocessableEntity},
		{engine.ErrRateFixed, fiber.StatusConflict},
		{engine.ErrBadRequest, fiber.StatusBadRequest},
		{errors.New("pg down"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		app := newTestApp(&fakeService{reserveErr: tc.err})
		status, out := postJSON(t, app, "/api/v1/allocations", map[string]any{
			"walletId":           42,
			"direction":          "INPUT",
			"inputCurrency":      "MXN",
			"inputCurrencyValue": "5000.00",
		})
		assert.Equal(t, tc.want, status, tc.err.Error())
		assert.Equal(t, "CANCELED", out["state"])
		assert.NotEmpty(t, out["error"])
	}
}

func TestCreateRequisiteQuantizes(t *testing.T) {
	svc := &fakeService{}
	app := newTestApp(svc)

	status, out := postJSON(t, app, "/api/v1/requisites", map[string]any{
		"walletId":      7,
		"direction":     "OUTPUT",
		"currency":      "MXN",
		"method":        "SPEI",
		"rate":          "17.25",
		"currencyValue": "5000.00",
	})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, float64(11), out["id"])
	assert.Equal(t, "ENABLED", out["state"])

	require.NotNil(t, svc.lastRequisite)
	assert.Equal(t, int64(1725), svc.lastRequisite.Rate)
	assert.Equal(t, int64(500000), svc.lastRequisite.CurrencyValue)
	assert.Equal(t, int64(28985), svc.lastRequisite.Value)
}

func TestCreateRequisiteUnknownCurrency(t *testing.T) {
	app := newTestApp(&fakeService{})

	status, out := postJSON(t, app, "/api/v1/requisites", map[string]any{
		"walletId":      7,
		"direction":     "OUTPUT",
		"currency":      "EUR",
		"rate":          "1.10",
		"currencyValue": "100.00",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, out["error"], "unknown currency")
}

func TestGetRequisite(t *testing.T) {
	svc := &fakeService{}
	app := newTestApp(svc)

	postJSON(t, app, "/api/v1/requisites", map[string]any{
		"walletId":      7,
		"direction":     "OUTPUT",
		"currency":      "MXN",
		"rate":          "17.25",
		"currencyValue": "5000.00",
	})
	svc.lastRequisite.ID = 11

	req := httptest.NewRequest("GET", "/api/v1/requisites/11", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/v1/requisites/99", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTransitionRequisite(t *testing.T) {
	app := newTestApp(&fakeService{})
	status, out := postJSON(t, app, "/api/v1/requisites/5/transition", map[string]any{
		"state": "DISABLED",
	})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "DISABLED", out["state"])

	status, _ = postJSON(t, app, "/api/v1/requisites/5/transition", map[string]any{
		"state": "SLEEPING",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)

	busy := newTestApp(&fakeService{transitionErr: engine.ErrRequisiteBusy})
	status, _ = postJSON(t, busy, "/api/v1/requisites/5/transition", map[string]any{
		"state": "DISABLED",
	})
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestRateLimitMiddleware(t *testing.T) {
	app := fiber.New()
	limiter := rate.NewManager(rate.Config{RequestsPerSecond: 1, Burst: 2})
	app.Use(rateLimit(limiter))
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-Wallet-ID", "w1")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Wallet-ID", "w1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	// Other wallets keep their own bucket.
	req = httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Wallet-ID", "w2")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
