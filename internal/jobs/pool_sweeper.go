// Package jobs holds the engine's background loops.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/metrics"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// Sweeper is the subset of the engine the pool sweeper drives.
type Sweeper interface {
	SweepRequisite(ctx context.Context, id int64) (bool, error)
}

// PoolReader lists sweep candidates and summarizes remaining depth.
type PoolReader interface {
	ExhaustedRequisites(ctx context.Context) ([]int64, error)
	PoolSummary(ctx context.Context, currency string, direction model.Direction) (int, int64, int64, error)
}

// SummarySink publishes the post-sweep pool report.
type SummarySink interface {
	PublishPoolSummary(ctx context.Context, ev model.PoolSummaryEvent) error
}

// PoolSweeper periodically soft-deletes exhausted requisites and publishes a
// pool depth summary for the tracked currencies.
type PoolSweeper struct {
	logger     *zap.Logger
	engine     Sweeper
	pool       PoolReader
	sink       SummarySink
	currencies []string
	interval   time.Duration
	stopCh     chan struct{}
}

func NewPoolSweeper(logger *zap.Logger, engine Sweeper, pool PoolReader, sink SummarySink, currencies []string, interval time.Duration) *PoolSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolSweeper{
		logger:     logger,
		engine:     engine,
		pool:       pool,
		sink:       sink,
		currencies: currencies,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the sweep loop until stopped or the context ends.
func (p *PoolSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("pool_sweeper.started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("pool_sweeper.stopped")
			return
		case <-ctx.Done():
			p.logger.Info("pool_sweeper.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the sweeper.
func (p *PoolSweeper) Stop() {
	close(p.stopCh)
}

func (p *PoolSweeper) runOnce(ctx context.Context) {
	ids, err := p.pool.ExhaustedRequisites(ctx)
	if err != nil {
		p.logger.Error("pool_sweeper.list_failed", zap.Error(err))
		return
	}

	var swept []int64
	for _, id := range ids {
		ok, err := p.engine.SweepRequisite(ctx, id)
		if err != nil {
			p.logger.Warn("pool_sweeper.sweep_failed",
				zap.Int64("requisite_id", id), zap.Error(err))
			continue
		}
		if ok {
			swept = append(swept, id)
			metrics.RequisitesSweptTotal.Inc()
		}
	}

	if len(swept) > 0 {
		p.logger.Info("pool_sweeper.swept", zap.Int64s("requisite_ids", swept))
	}
	if p.sink == nil {
		return
	}

	for _, currency := range p.currencies {
		for _, dir := range []model.Direction{model.DirectionInput, model.DirectionOutput} {
			n, cv, v, err := p.pool.PoolSummary(ctx, currency, dir)
			if err != nil {
				p.logger.Warn("pool_sweeper.summary_failed",
					zap.String("currency", currency), zap.Error(err))
				continue
			}
			ev := model.PoolSummaryEvent{
				Currency:        currency,
				Direction:       dir,
				Requisites:      n,
				CurrencyValue:   cv,
				Value:           v,
				SweptRequisites: swept,
				Timestamp:       time.Now().UTC(),
			}
			if err := p.sink.PublishPoolSummary(ctx, ev); err != nil {
				p.logger.Warn("pool_sweeper.publish_failed",
					zap.String("currency", currency), zap.Error(err))
			}
		}
	}
}
