// Package catalog is the read-side and locking surface over the requisite
// pool. The allocator consumes it through interfaces only; production wires
// the Postgres-backed store, tests wire the in-memory catalog.
package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// Ordering is the candidate ranking policy. It is an explicit parameter, not
// a hidden special case keyed off the currency code.
type Ordering int

const (
	// OrderBestRate ranks candidates by rate ascending (best price first).
	OrderBestRate Ordering = iota
	// OrderReversed ranks by rate descending, oldest first within a rate.
	// Applied to the platform reference unit so older, larger positions are
	// depleted first.
	OrderReversed
)

// OrderingFor returns the ranking policy for a currency.
func OrderingFor(c model.Currency) Ordering {
	if c.Reference {
		return OrderReversed
	}
	return OrderBestRate
}

// Query selects and ranks candidates for one allocation run.
type Query struct {
	Direction model.Direction
	Currency  string
	Method    string
	Ordering  Ordering
}

// Catalog is what an allocation run needs from the requisite pool.
//
// Lock must be a single atomic conditional update on in_process: two
// concurrent runs must never both acquire the same requisite. Candidates
// returns private copies; capacity consumed during a run is only persisted
// through ApplyFill when the run commits.
type Catalog interface {
	Candidates(ctx context.Context, q Query) ([]*model.Requisite, error)
	Lock(ctx context.Context, id int64) (bool, error)
	Unlock(ctx context.Context, id int64) error
	ApplyFill(ctx context.Context, id int64, currencyValue, value int64) error
	// RevertFill restores capacity consumed by ApplyFill when a
	// reservation unwinds after partial persistence.
	RevertFill(ctx context.Context, id int64, currencyValue, value int64) error
}

// Blacklist answers whether a requisite previously failed to complete a
// reservation for the request and must be skipped on retry.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, requestID uuid.UUID, requisiteID int64) (bool, error)
}

// Admin is the requisite lifecycle surface used by owners, the liquidity
// feed, and the pool sweeper.
type Admin interface {
	Create(ctx context.Context, r *model.Requisite) (int64, error)
	Get(ctx context.Context, id int64) (*model.Requisite, error)
	// SetState applies an owner transition. It returns false without
	// changing anything while the soft lock is held by a run.
	SetState(ctx context.Context, id int64, state model.RequisiteState) (bool, error)
	// SoftDelete marks an exhausted requisite deleted. Refused (false)
	// while the soft lock is held.
	SoftDelete(ctx context.Context, id int64) (bool, error)
}
