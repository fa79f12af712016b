// Package notifier delivers allocation completion callbacks to customer
// systems over HTTP.
package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/httpclient"
	"github.com/Checker-Finance/liquidity-engine/internal/metrics"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// Webhook pushes allocation results to the wallet's configured callback URL.
// Delivery is best-effort: the reservation is already durable when the
// webhook fires, so failures are logged and counted, never propagated.
type Webhook struct {
	exec   *httpclient.Executor
	logger *zap.Logger
}

func NewWebhook(exec *httpclient.Executor, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{exec: exec, logger: logger}
}

// NotifyCompleted posts the allocation outcome to the wallet callback, if
// one is configured.
func (w *Webhook) NotifyCompleted(ctx context.Context, wallet model.Wallet, ev model.AllocationEvent) {
	if wallet.CallbackURL == "" {
		return
	}
	ev.Timestamp = time.Now().UTC()

	if err := w.exec.PostJSON(ctx, wallet.CallbackURL, ev, nil); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		w.logger.Warn("notifier.webhook_failed",
			zap.String("request_id", ev.RequestID.String()),
			zap.String("url", wallet.CallbackURL),
			zap.Error(err))
		return
	}

	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	w.logger.Info("notifier.webhook_delivered",
		zap.String("request_id", ev.RequestID.String()),
		zap.Int64("wallet_id", wallet.ID))
}
