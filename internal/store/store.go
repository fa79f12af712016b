// Package store is the Redis-first, Postgres-backed persistence layer for
// the liquidity engine: the requisite pool, allocation orders, blacklist
// entries, wallet bans, and the commission pack cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/catalog"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract the engine wires against. It covers the
// catalog surface, the reservation hooks, and the commission pack source.
type Store interface {
	// catalog.Catalog
	Candidates(ctx context.Context, q catalog.Query) ([]*model.Requisite, error)
	Lock(ctx context.Context, id int64) (bool, error)
	Unlock(ctx context.Context, id int64) error
	ApplyFill(ctx context.Context, id int64, currencyValue, value int64) error
	RevertFill(ctx context.Context, id int64, currencyValue, value int64) error

	// catalog.Admin
	Create(ctx context.Context, r *model.Requisite) (int64, error)
	Get(ctx context.Context, id int64) (*model.Requisite, error)
	SetState(ctx context.Context, id int64, state model.RequisiteState) (bool, error)
	SoftDelete(ctx context.Context, id int64) (bool, error)

	// catalog.Blacklist + engine.Hooks
	IsBlacklisted(ctx context.Context, requestID uuid.UUID, requisiteID int64) (bool, error)
	AddBlacklist(ctx context.Context, requestID uuid.UUID, requisiteID int64) error
	PersistOrder(ctx context.Context, o *model.Order) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	PlaceWalletBan(ctx context.Context, walletID, value int64, reason string) error

	// commission.PackSource
	CommissionPack(ctx context.Context, id int64) (*model.CommissionPack, error)

	// pool sweeper support
	ExhaustedRequisites(ctx context.Context) ([]int64, error)
	PoolSummary(ctx context.Context, currency string, direction model.Direction) (requisites int, currencyValue, value int64, err error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// HybridStore keeps hot read paths (commission packs, blacklist checks) in
// Redis and everything durable in Postgres.
type HybridStore struct {
	redis    *redis.Client
	PG       *pgxpool.Pool
	logger   *zap.Logger
	cacheTTL time.Duration
}

// PGPoolConfig tunes the pgx pool.
type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid connects Redis and Postgres. pgURL may be empty in local setups;
// Postgres-backed operations then fail explicitly.
func NewHybrid(redisAddr string, redisDB int, pgURL string, poolCfg PGPoolConfig, cacheTTL time.Duration, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if poolCfg.MaxConns > 0 {
			cfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			cfg.MinConns = poolCfg.MinConns
		}
		if poolCfg.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
		}
		if poolCfg.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
		}
		if poolCfg.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = poolCfg.HealthCheckPeriod
		}
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{redis: rdb, PG: pool, logger: logger, cacheTTL: cacheTTL}, nil
}

var _ Store = (*HybridStore)(nil)

const requisiteColumns = `
	id, wallet_id, direction, method, rate,
	currency_code, currency_divisor, currency_decimal, currency_reference,
	currency_value, value,
	value_min, value_max, currency_value_min, currency_value_max,
	state, in_process, is_deleted, created_at`

func scanRequisite(row pgx.Row) (*model.Requisite, error) {
	var r model.Requisite
	err := row.Scan(
		&r.ID, &r.WalletID, &r.Direction, &r.Method, &r.Rate,
		&r.Currency.Code, &r.Currency.Divisor, &r.Currency.Decimal, &r.Currency.Reference,
		&r.CurrencyValue, &r.Value,
		&r.ValueMin, &r.ValueMax, &r.CurrencyValueMin, &r.CurrencyValueMax,
		&r.State, &r.InProcess, &r.IsDeleted, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Candidates returns selectable requisites ranked per the ordering policy.
// Ranking happens in SQL so concurrent runs see a consistent order.
func (s *HybridStore) Candidates(ctx context.Context, q catalog.Query) ([]*model.Requisite, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}

	order := "rate ASC, created_at ASC"
	if q.Ordering == catalog.OrderReversed {
		order = "rate DESC, created_at ASC"
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM exchange.requisites
		WHERE direction = $1
		  AND currency_code = $2
		  AND ($3 = '' OR method = $3)
		  AND state = 'ENABLED'
		  AND is_deleted = FALSE
		ORDER BY %s;
	`, requisiteColumns, order)

	rows, err := s.PG.Query(ctx, sql, string(q.Direction), q.Currency, q.Method)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []*model.Requisite
	for rows.Next() {
		r, err := scanRequisite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Lock acquires the soft lock with a single conditional update. Exactly one
// concurrent caller observes RowsAffected = 1.
func (s *HybridStore) Lock(ctx context.Context, id int64) (bool, error) {
	if s.PG == nil {
		return false, fmt.Errorf("postgres unavailable")
	}
	tag, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites
		SET in_process = TRUE
		WHERE id = $1
		  AND in_process = FALSE
		  AND state = 'ENABLED'
		  AND is_deleted = FALSE;
	`, id)
	if err != nil {
		return false, fmt.Errorf("lock requisite %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *HybridStore) Unlock(ctx context.Context, id int64) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	_, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites SET in_process = FALSE WHERE id = $1;
	`, id)
	if err != nil {
		return fmt.Errorf("unlock requisite %d: %w", id, err)
	}
	return nil
}

// ApplyFill decrements both capacity sides; the WHERE guard keeps them from
// ever going negative.
func (s *HybridStore) ApplyFill(ctx context.Context, id int64, currencyValue, value int64) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	tag, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites
		SET currency_value = currency_value - $2,
		    value = value - $3
		WHERE id = $1
		  AND currency_value >= $2
		  AND value >= $3;
	`, id, currencyValue, value)
	if err != nil {
		return fmt.Errorf("apply fill on requisite %d: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("apply fill on requisite %d: capacity underflow", id)
	}
	return nil
}

func (s *HybridStore) RevertFill(ctx context.Context, id int64, currencyValue, value int64) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	_, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites
		SET currency_value = currency_value + $2,
		    value = value + $3
		WHERE id = $1;
	`, id, currencyValue, value)
	if err != nil {
		return fmt.Errorf("revert fill on requisite %d: %w", id, err)
	}
	return nil
}

func (s *HybridStore) Create(ctx context.Context, r *model.Requisite) (int64, error) {
	if s.PG == nil {
		return 0, fmt.Errorf("postgres unavailable")
	}
	var id int64
	err := s.PG.QueryRow(ctx, `
		INSERT INTO exchange.requisites (
			wallet_id, direction, method, rate,
			currency_code, currency_divisor, currency_decimal, currency_reference,
			currency_value, value,
			value_min, value_max, currency_value_min, currency_value_max,
			state, in_process, is_deleted, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,FALSE,FALSE,NOW())
		RETURNING id;
	`,
		r.WalletID, string(r.Direction), r.Method, r.Rate,
		r.Currency.Code, r.Currency.Divisor, r.Currency.Decimal, r.Currency.Reference,
		r.CurrencyValue, r.Value,
		r.ValueMin, r.ValueMax, r.CurrencyValueMin, r.CurrencyValueMax,
		string(r.State),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert requisite: %w", err)
	}
	r.ID = id
	return id, nil
}

func (s *HybridStore) Get(ctx context.Context, id int64) (*model.Requisite, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	sql := fmt.Sprintf(`SELECT %s FROM exchange.requisites WHERE id = $1;`, requisiteColumns)
	r, err := scanRequisite(s.PG.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("requisite %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get requisite %d: %w", id, err)
	}
	return r, nil
}

// SetState applies an owner transition only while no run holds the soft lock.
func (s *HybridStore) SetState(ctx context.Context, id int64, state model.RequisiteState) (bool, error) {
	if s.PG == nil {
		return false, fmt.Errorf("postgres unavailable")
	}
	tag, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites
		SET state = $2
		WHERE id = $1 AND in_process = FALSE;
	`, id, string(state))
	if err != nil {
		return false, fmt.Errorf("set state on requisite %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *HybridStore) SoftDelete(ctx context.Context, id int64) (bool, error) {
	if s.PG == nil {
		return false, fmt.Errorf("postgres unavailable")
	}
	tag, err := s.PG.Exec(ctx, `
		UPDATE exchange.requisites
		SET is_deleted = TRUE
		WHERE id = $1 AND in_process = FALSE;
	`, id)
	if err != nil {
		return false, fmt.Errorf("soft delete requisite %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func blacklistKey(requestID uuid.UUID, requisiteID int64) string {
	return fmt.Sprintf("blacklist:%s:%d", requestID, requisiteID)
}

// IsBlacklisted checks Redis first; a miss falls through to Postgres so cache
// eviction never un-blacklists a requisite.
func (s *HybridStore) IsBlacklisted(ctx context.Context, requestID uuid.UUID, requisiteID int64) (bool, error) {
	n, err := s.redis.Exists(ctx, blacklistKey(requestID, requisiteID)).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	if err != nil {
		s.logger.Warn("store.blacklist_cache_failed", zap.Error(err))
	}
	if s.PG == nil {
		return false, nil
	}

	var exists bool
	err = s.PG.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM exchange.request_requisites
			WHERE request_id = $1 AND requisite_id = $2 AND type = 'BLACKLIST'
		);
	`, requestID, requisiteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return exists, nil
}

func (s *HybridStore) AddBlacklist(ctx context.Context, requestID uuid.UUID, requisiteID int64) error {
	if s.PG != nil {
		_, err := s.PG.Exec(ctx, `
			INSERT INTO exchange.request_requisites (request_id, requisite_id, type, created_at)
			VALUES ($1, $2, 'BLACKLIST', NOW())
			ON CONFLICT DO NOTHING;
		`, requestID, requisiteID)
		if err != nil {
			return fmt.Errorf("insert blacklist entry: %w", err)
		}
	}
	if err := s.redis.Set(ctx, blacklistKey(requestID, requisiteID), "1", s.cacheTTL).Err(); err != nil {
		s.logger.Warn("store.blacklist_cache_set_failed", zap.Error(err))
	}
	return nil
}

func (s *HybridStore) PersistOrder(ctx context.Context, o *model.Order) (int64, error) {
	if s.PG == nil {
		return 0, fmt.Errorf("postgres unavailable")
	}
	var id int64
	err := s.PG.QueryRow(ctx, `
		INSERT INTO exchange.orders (
			request_id, requisite_id, direction, currency_value, value, rate, state, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,'ACTIVE',NOW())
		RETURNING id;
	`, o.RequestID, o.RequisiteID, string(o.Direction), o.CurrencyValue, o.Value, o.Rate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

func (s *HybridStore) CancelOrder(ctx context.Context, orderID int64) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	_, err := s.PG.Exec(ctx, `
		UPDATE exchange.orders SET state = 'CANCELED' WHERE id = $1;
	`, orderID)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

func (s *HybridStore) PlaceWalletBan(ctx context.Context, walletID, value int64, reason string) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	_, err := s.PG.Exec(ctx, `
		INSERT INTO exchange.wallet_bans (wallet_id, value, reason, created_at)
		VALUES ($1, $2, $3, NOW());
	`, walletID, value, reason)
	if err != nil {
		return fmt.Errorf("place wallet ban: %w", err)
	}
	return nil
}

func commissionPackKey(id int64) string {
	return fmt.Sprintf("commission_pack:%d", id)
}

// CommissionPack serves packs from the Redis cache and falls back to
// Postgres on a miss.
func (s *HybridStore) CommissionPack(ctx context.Context, id int64) (*model.CommissionPack, error) {
	key := commissionPackKey(id)
	if data, err := s.redis.Get(ctx, key).Bytes(); err == nil {
		var pack model.CommissionPack
		if err := json.Unmarshal(data, &pack); err == nil {
			return &pack, nil
		}
		s.logger.Warn("store.commission_cache_corrupt", zap.String("key", key))
	}

	if s.PG == nil {
		return nil, fmt.Errorf("commission pack %d: %w", id, ErrNotFound)
	}

	pack := &model.CommissionPack{ID: id}
	err := s.PG.QueryRow(ctx, `
		SELECT name FROM exchange.commission_packs WHERE id = $1;
	`, id).Scan(&pack.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("commission pack %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load commission pack %d: %w", id, err)
	}

	rows, err := s.PG.Query(ctx, `
		SELECT id, value_from, value_to, percent, value
		FROM exchange.commission_pack_values
		WHERE pack_id = $1
		ORDER BY value_from ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load commission tiers %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		v := model.CommissionPackValue{PackID: id}
		if err := rows.Scan(&v.ID, &v.ValueFrom, &v.ValueTo, &v.Percent, &v.Value); err != nil {
			return nil, fmt.Errorf("scan commission tier: %w", err)
		}
		pack.Values = append(pack.Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.CacheCommissionPack(ctx, pack); err != nil {
		s.logger.Warn("store.commission_cache_set_failed", zap.Error(err))
	}
	return pack, nil
}

// CacheCommissionPack writes a pack into the Redis cache.
func (s *HybridStore) CacheCommissionPack(ctx context.Context, pack *model.CommissionPack) error {
	data, err := json.Marshal(pack)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, commissionPackKey(pack.ID), data, s.cacheTTL).Err()
}

// ExhaustedRequisites lists requisites whose remaining currency is below
// their divisor and that no run currently holds.
func (s *HybridStore) ExhaustedRequisites(ctx context.Context) ([]int64, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT id FROM exchange.requisites
		WHERE currency_value < currency_divisor
		  AND in_process = FALSE
		  AND is_deleted = FALSE;
	`)
	if err != nil {
		return nil, fmt.Errorf("query exhausted requisites: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *HybridStore) PoolSummary(ctx context.Context, currency string, direction model.Direction) (int, int64, int64, error) {
	if s.PG == nil {
		return 0, 0, 0, fmt.Errorf("postgres unavailable")
	}
	var (
		n  int
		cv int64
		v  int64
	)
	err := s.PG.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(currency_value), 0), COALESCE(SUM(value), 0)
		FROM exchange.requisites
		WHERE currency_code = $1
		  AND direction = $2
		  AND state = 'ENABLED'
		  AND is_deleted = FALSE;
	`, currency, string(direction)).Scan(&n, &cv, &v)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("pool summary: %w", err)
	}
	return n, cv, v, nil
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	return s.redis.Close()
}
