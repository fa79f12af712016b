package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// Memory is an in-memory Catalog/Admin/Blacklist used by tests and local
// runs. Lock/Unlock carry the same compare-and-swap contract as the
// Postgres-backed store.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	requisites map[int64]*model.Requisite
	blacklist  map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		requisites: make(map[int64]*model.Requisite),
		blacklist:  make(map[string]struct{}),
	}
}

var _ Catalog = (*Memory)(nil)
var _ Admin = (*Memory)(nil)
var _ Blacklist = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, r *model.Requisite) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	if cp.ID == 0 {
		cp.ID = m.nextID
		m.nextID++
	} else if cp.ID >= m.nextID {
		m.nextID = cp.ID + 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.requisites[cp.ID] = &cp
	r.ID = cp.ID
	return cp.ID, nil
}

func (m *Memory) Get(_ context.Context, id int64) (*model.Requisite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return nil, fmt.Errorf("requisite %d not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) Candidates(_ context.Context, q Query) ([]*model.Requisite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Requisite
	for _, r := range m.requisites {
		if !r.Selectable() || r.Direction != q.Direction || r.Currency.Code != q.Currency {
			continue
		}
		if q.Method != "" && r.Method != q.Method {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rate != out[j].Rate {
			if q.Ordering == OrderReversed {
				return out[i].Rate > out[j].Rate
			}
			return out[i].Rate < out[j].Rate
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Lock(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return false, fmt.Errorf("requisite %d not found", id)
	}
	if r.InProcess || !r.Selectable() {
		return false, nil
	}
	r.InProcess = true
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requisites[id]; ok {
		r.InProcess = false
	}
	return nil
}

func (m *Memory) ApplyFill(_ context.Context, id int64, currencyValue, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return fmt.Errorf("requisite %d not found", id)
	}
	if r.CurrencyValue < currencyValue || r.Value < value {
		return fmt.Errorf("requisite %d capacity underflow: cv=%d/%d v=%d/%d",
			id, currencyValue, r.CurrencyValue, value, r.Value)
	}
	r.CurrencyValue -= currencyValue
	r.Value -= value
	return nil
}

func (m *Memory) RevertFill(_ context.Context, id int64, currencyValue, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return fmt.Errorf("requisite %d not found", id)
	}
	r.CurrencyValue += currencyValue
	r.Value += value
	return nil
}

func (m *Memory) SetState(_ context.Context, id int64, state model.RequisiteState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return false, fmt.Errorf("requisite %d not found", id)
	}
	if r.InProcess {
		return false, nil
	}
	r.State = state
	return true, nil
}

func (m *Memory) SoftDelete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requisites[id]
	if !ok {
		return false, fmt.Errorf("requisite %d not found", id)
	}
	if r.InProcess {
		return false, nil
	}
	r.IsDeleted = true
	return true, nil
}

// AddBlacklist records a failed reservation for request/requisite.
func (m *Memory) AddBlacklist(_ context.Context, requestID uuid.UUID, requisiteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[blKey(requestID, requisiteID)] = struct{}{}
	return nil
}

func (m *Memory) IsBlacklisted(_ context.Context, requestID uuid.UUID, requisiteID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[blKey(requestID, requisiteID)]
	return ok, nil
}

// LockedIDs returns requisites currently holding the soft lock. Test helper.
func (m *Memory) LockedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, r := range m.requisites {
		if r.InProcess {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func blKey(requestID uuid.UUID, requisiteID int64) string {
	return fmt.Sprintf("%s:%d", requestID, requisiteID)
}
