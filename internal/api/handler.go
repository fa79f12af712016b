package api

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/allocator"
	"github.com/Checker-Finance/liquidity-engine/internal/commission"
	"github.com/Checker-Finance/liquidity-engine/internal/engine"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// valueDecimals is the precision of settlement values on the wire.
const valueDecimals = 2

// AllocationService defines the engine surface the handlers drive.
type AllocationService interface {
	Reserve(ctx context.Context, req *model.Request) (*engine.Reservation, error)
	CreateRequisite(ctx context.Context, r *model.Requisite) (int64, error)
	TransitionRequisite(ctx context.Context, id int64, to model.RequisiteState) error
}

// RequisiteReader looks up requisites for the read endpoints.
type RequisiteReader interface {
	Get(ctx context.Context, id int64) (*model.Requisite, error)
}

// CompletionNotifier pushes completed reservations to customer callbacks.
type CompletionNotifier interface {
	NotifyCompleted(ctx context.Context, wallet model.Wallet, ev model.AllocationEvent)
}

// Handler handles HTTP API requests for allocation and requisite operations.
type Handler struct {
	logger     *zap.Logger
	service    AllocationService
	reader     RequisiteReader
	currencies map[string]model.Currency
	notifier   CompletionNotifier
}

func NewHandler(logger *zap.Logger, service AllocationService, reader RequisiteReader, currencies map[string]model.Currency) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		reader:     reader,
		currencies: currencies,
	}
}

// SetNotifier enables completion webhooks for wallets with a callback URL.
func (h *Handler) SetNotifier(n CompletionNotifier) {
	h.notifier = n
}

// CreateAllocation handles reservation requests.
func (h *Handler) CreateAllocation(c *fiber.Ctx) error {
	var req AllocationCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	r, err := h.toRequest(req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.service.Reserve(c.Context(), r)
	if err != nil {
		h.logger.Error("api.create_allocation.failed",
			zap.String("request_id", r.ID.String()),
			zap.Int64("wallet_id", req.WalletID),
			zap.Error(err))
		return c.Status(allocationStatus(err)).JSON(AllocationResponse{
			RequestID: r.ID.String(),
			State:     string(r.State),
			ErrorMsg:  err.Error(),
		})
	}

	if h.notifier != nil && r.Wallet.CallbackURL != "" {
		ev := model.AllocationEvent{
			RequestID:   res.RequestID,
			Direction:   r.Direction,
			TotalValue:  res.Value,
			BlendedRate: res.Rate,
			Commission:  res.Commission,
		}
		// Detached from the request context: the reservation is already
		// durable, the callback just has to arrive eventually.
		go h.notifier.NotifyCompleted(context.Background(), r.Wallet, ev)
	}

	return c.Status(fiber.StatusCreated).JSON(h.toAllocationResponse(r, res))
}

// CreateRequisite handles requisite creation requests.
func (h *Handler) CreateRequisite(c *fiber.Ctx) error {
	var req RequisiteCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cur, ok := h.currencies[strings.ToUpper(req.Currency)]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown currency " + req.Currency})
	}

	rate := money.ToMinorUnits(req.Rate, 2)
	cv := money.ToMinorUnits(req.CurrencyValue, cur.Decimal)
	r := &model.Requisite{
		WalletID:  req.WalletID,
		Direction: model.Direction(strings.ToUpper(req.Direction)),
		Currency:  cur,
		Method:    req.Method,
		Rate:      rate,

		CurrencyValue: cv,
		Value:         money.ValueFromCurrency(cv, rate, false),

		CurrencyValueMin: money.ToMinorUnits(req.CurrencyValueMin, cur.Decimal),
		CurrencyValueMax: money.ToMinorUnits(req.CurrencyValueMax, cur.Decimal),
		ValueMin:         money.ToMinorUnits(req.ValueMin, valueDecimals),
		ValueMax:         money.ToMinorUnits(req.ValueMax, valueDecimals),

		State: model.RequisiteEnabled,
	}
	if r.Value <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "currencyValue too small to settle at rate"})
	}

	id, err := h.service.CreateRequisite(c.Context(), r)
	if err != nil {
		h.logger.Error("api.create_requisite.failed",
			zap.Int64("wallet_id", req.WalletID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(RequisiteResponse{ErrorMsg: err.Error()})
	}

	r.ID = id
	return c.Status(fiber.StatusCreated).JSON(h.toRequisiteResponse(r))
}

// GetRequisite returns one requisite's current shape.
func (h *Handler) GetRequisite(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be an integer"})
	}

	r, err := h.reader.Get(c.Context(), id)
	if err != nil || r == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "requisite not found"})
	}
	return c.JSON(h.toRequisiteResponse(r))
}

// TransitionRequisite handles owner state transitions.
func (h *Handler) TransitionRequisite(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be an integer"})
	}

	var req RequisiteTransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	state := model.RequisiteState(strings.ToUpper(strings.TrimSpace(req.State)))
	if err := h.service.TransitionRequisite(c.Context(), id, state); err != nil {
		h.logger.Warn("api.transition_requisite.failed",
			zap.Int64("requisite_id", id),
			zap.String("state", string(state)),
			zap.Error(err))
		return c.Status(transitionStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"id": id, "state": string(state)})
}

// toRequest converts an API request to a canonical allocation request.
func (h *Handler) toRequest(req AllocationCreateRequest) (*model.Request, error) {
	id := uuid.New()
	if req.RequestID != "" {
		id = uuid.MustParse(req.RequestID) // validated upstream
	}

	r := &model.Request{
		ID:        id,
		Direction: model.Direction(strings.ToUpper(strings.TrimSpace(req.Direction))),
		Wallet:    model.Wallet{ID: req.WalletID, CallbackURL: req.CallbackURL},
		Method:    req.Method,
		State:     model.RequestInputReservation,
	}

	if req.InputCurrency != "" {
		cur, ok := h.currencies[strings.ToUpper(req.InputCurrency)]
		if !ok {
			return nil, errors.New("unknown currency " + req.InputCurrency)
		}
		r.InputCurrency = &cur
		r.InputCurrencyValue = money.ToMinorUnits(req.InputCurrencyValue, cur.Decimal)
		r.InputValue = money.ToMinorUnits(req.InputValue, valueDecimals)
	}
	if req.OutputCurrency != "" {
		cur, ok := h.currencies[strings.ToUpper(req.OutputCurrency)]
		if !ok {
			return nil, errors.New("unknown currency " + req.OutputCurrency)
		}
		r.OutputCurrency = &cur
		r.OutputCurrencyValue = money.ToMinorUnits(req.OutputCurrencyValue, cur.Decimal)
		r.OutputValue = money.ToMinorUnits(req.OutputValue, valueDecimals)
	}
	return r, nil
}

func (h *Handler) toAllocationResponse(r *model.Request, res *engine.Reservation) AllocationResponse {
	out := AllocationResponse{
		RequestID:  res.RequestID.String(),
		State:      string(r.State),
		Rate:       money.FromMinorUnits(res.Rate, 2),
		Value:      money.FromMinorUnits(res.Value, valueDecimals),
		Commission: money.FromMinorUnits(res.Commission, valueDecimals),
	}
	if res.Input != nil && r.InputCurrency != nil {
		out.InputFills = toFillResponses(res.Input.Fills, r.InputCurrency.Decimal)
	}
	if res.Output != nil && r.OutputCurrency != nil {
		out.OutputFills = toFillResponses(res.Output.Fills, r.OutputCurrency.Decimal)
	}
	return out
}

func (h *Handler) toRequisiteResponse(r *model.Requisite) RequisiteResponse {
	return RequisiteResponse{
		ID:            r.ID,
		State:         string(r.State),
		Currency:      r.Currency.Code,
		Direction:     string(r.Direction),
		Rate:          money.FromMinorUnits(r.Rate, 2),
		CurrencyValue: money.FromMinorUnits(r.CurrencyValue, r.Currency.Decimal),
		Value:         money.FromMinorUnits(r.Value, valueDecimals),
	}
}

func toFillResponses(fills []allocator.Fill, decimals int32) []FillResponse {
	out := make([]FillResponse, 0, len(fills))
	for _, f := range fills {
		out = append(out, FillResponse{
			RequisiteID:   f.RequisiteID,
			CurrencyValue: money.FromMinorUnits(f.CurrencyValue, decimals),
			Value:         money.FromMinorUnits(f.Value, valueDecimals),
			Rate:          money.FromMinorUnits(f.Rate, 2),
		})
	}
	return out
}

func allocationStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrBadRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrRateFixed):
		return fiber.StatusConflict
	case errors.Is(err, allocator.ErrInsufficientLiquidity),
		errors.Is(err, allocator.ErrPartialFillRejected),
		errors.Is(err, engine.ErrOutputShortfall):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, commission.ErrIntervalNotFound):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusInternalServerError
	}
}

func transitionStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidTransition):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrRequisiteBusy):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
