package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/internal/money"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

const (
	// MessageTypeQuote posts or replaces a counterparty liquidity offer.
	MessageTypeQuote = "quote"
	// MessageTypeCancel withdraws a previously posted offer.
	MessageTypeCancel = "cancel"
)

// QuoteMessage is one feed message. Amounts arrive as decimals in major
// units; the mapper quantizes them to minor units before they reach the
// catalog.
type QuoteMessage struct {
	Type      string          `json:"type"`
	QuoteID   string          `json:"quote_id"`
	WalletID  int64           `json:"wallet_id"`
	Direction model.Direction `json:"direction"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`

	Rate          decimal.Decimal `json:"rate"`
	CurrencyValue decimal.Decimal `json:"currency_value"`

	CurrencyValueMin decimal.Decimal `json:"currency_value_min"`
	CurrencyValueMax decimal.Decimal `json:"currency_value_max"`
	ValueMin         decimal.Decimal `json:"value_min"`
	ValueMax         decimal.Decimal `json:"value_max"`
}

// Mapper projects feed quotes into catalog requisites. A requote replaces
// the prior requisite: the old one is stopped and a fresh one created, so
// in-flight allocation runs keep the capacity they already locked.
type Mapper struct {
	admin      catalog.Admin
	currencies map[string]model.Currency
	logger     *zap.Logger

	mu     sync.Mutex
	quotes map[string]int64 // quote ID -> requisite ID
}

func NewMapper(admin catalog.Admin, currencies map[string]model.Currency, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{
		admin:      admin,
		currencies: currencies,
		logger:     logger,
		quotes:     make(map[string]int64),
	}
}

// Handler adapts the mapper to the feed client callback. Mapping errors are
// logged, never fatal: one bad quote must not take the ingest down.
func (m *Mapper) Handler(ctx context.Context) QuoteHandler {
	return func(msg *QuoteMessage) {
		if err := m.Apply(ctx, msg); err != nil {
			m.logger.Warn("feed.quote_rejected",
				zap.String("quote_id", msg.QuoteID),
				zap.String("type", msg.Type),
				zap.Error(err))
		}
	}
}

// Apply maps one feed message onto the catalog.
func (m *Mapper) Apply(ctx context.Context, msg *QuoteMessage) error {
	switch msg.Type {
	case MessageTypeQuote:
		return m.applyQuote(ctx, msg)
	case MessageTypeCancel:
		return m.applyCancel(ctx, msg)
	default:
		return fmt.Errorf("unknown feed message type %q", msg.Type)
	}
}

func (m *Mapper) applyQuote(ctx context.Context, msg *QuoteMessage) error {
	r, err := m.toRequisite(msg)
	if err != nil {
		return err
	}

	// Withdraw the previous version of this quote first.
	if prev, ok := m.lookup(msg.QuoteID); ok {
		m.stop(ctx, msg.QuoteID, prev)
	}

	id, err := m.admin.Create(ctx, r)
	if err != nil {
		return fmt.Errorf("create requisite for quote %s: %w", msg.QuoteID, err)
	}

	m.mu.Lock()
	m.quotes[msg.QuoteID] = id
	m.mu.Unlock()

	m.logger.Info("feed.quote_applied",
		zap.String("quote_id", msg.QuoteID),
		zap.Int64("requisite_id", id),
		zap.String("currency", msg.Currency),
		zap.String("direction", string(msg.Direction)),
		zap.Int64("rate", r.Rate),
		zap.Int64("currency_value", r.CurrencyValue))
	return nil
}

func (m *Mapper) applyCancel(ctx context.Context, msg *QuoteMessage) error {
	id, ok := m.lookup(msg.QuoteID)
	if !ok {
		return fmt.Errorf("cancel for unknown quote %s", msg.QuoteID)
	}
	m.stop(ctx, msg.QuoteID, id)

	m.mu.Lock()
	delete(m.quotes, msg.QuoteID)
	m.mu.Unlock()
	return nil
}

// stop retires a requisite. A refusal means an allocation run holds the soft
// lock right now; the quote stays live until the run releases it and the
// next requote or the sweeper retires it.
func (m *Mapper) stop(ctx context.Context, quoteID string, id int64) {
	ok, err := m.admin.SetState(ctx, id, model.RequisiteStopped)
	if err != nil {
		m.logger.Warn("feed.stop_failed",
			zap.String("quote_id", quoteID), zap.Int64("requisite_id", id), zap.Error(err))
		return
	}
	if !ok {
		m.logger.Debug("feed.stop_deferred",
			zap.String("quote_id", quoteID), zap.Int64("requisite_id", id))
	}
}

func (m *Mapper) lookup(quoteID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.quotes[quoteID]
	return id, ok
}

func (m *Mapper) toRequisite(msg *QuoteMessage) (*model.Requisite, error) {
	cur, ok := m.currencies[msg.Currency]
	if !ok {
		return nil, fmt.Errorf("unknown currency %q", msg.Currency)
	}
	if msg.Direction != model.DirectionInput && msg.Direction != model.DirectionOutput {
		return nil, fmt.Errorf("invalid direction %q", msg.Direction)
	}
	if !msg.Rate.IsPositive() {
		return nil, fmt.Errorf("non-positive rate %s", msg.Rate)
	}
	if !msg.CurrencyValue.IsPositive() {
		return nil, fmt.Errorf("non-positive currency value %s", msg.CurrencyValue)
	}

	rate := money.ToMinorUnits(msg.Rate, 2)
	if rate <= 0 {
		return nil, fmt.Errorf("rate %s below representable precision", msg.Rate)
	}
	cv := money.ToMinorUnits(msg.CurrencyValue, cur.Decimal)

	// The settlement side is derived floor so fills can never overdraw
	// what the counterparty actually posted.
	value := money.ValueFromCurrency(cv, rate, false)
	if value <= 0 {
		return nil, fmt.Errorf("quote %s too small to settle", msg.QuoteID)
	}

	return &model.Requisite{
		WalletID:  msg.WalletID,
		Direction: msg.Direction,
		Currency:  cur,
		Method:    msg.Method,
		Rate:      rate,

		CurrencyValue: cv,
		Value:         value,

		CurrencyValueMin: money.ToMinorUnits(msg.CurrencyValueMin, cur.Decimal),
		CurrencyValueMax: money.ToMinorUnits(msg.CurrencyValueMax, cur.Decimal),
		ValueMin:         money.ToMinorUnits(msg.ValueMin, 2),
		ValueMax:         money.ToMinorUnits(msg.ValueMax, 2),

		State: model.RequisiteEnabled,
	}, nil
}
