package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mini-escrow/backend/internal/models"
)

// MemoryEscrowRepo is a keyed in-memory store with the same conditional
// commit semantics as the Postgres repo. Used by tests and local runs
// without a database.
type MemoryEscrowRepo struct {
	mu      sync.Mutex
	escrows map[uuid.UUID]*models.Escrow
}

func NewMemoryEscrowRepo() *MemoryEscrowRepo {
	return &MemoryEscrowRepo{escrows: make(map[uuid.UUID]*models.Escrow)}
}

func (r *MemoryEscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	e.ID = uuid.New()
	e.Version = 0
	e.CreatedAt = now
	e.UpdatedAt = now

	stored := *e
	r.escrows[e.ID] = &stored
	return nil
}

func (r *MemoryEscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *MemoryEscrowRepo) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.FieldUpdates, now time.Time) (*models.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	e.State = upd.State
	e.Version++
	e.UpdatedAt = now
	if upd.FundedAt != nil {
		e.FundedAt = upd.FundedAt
	}
	if upd.ExpiresAt != nil {
		e.ExpiresAt = upd.ExpiresAt
	}
	if upd.ReleasedAt != nil {
		e.ReleasedAt = upd.ReleasedAt
	}
	if upd.RefundedAt != nil {
		e.RefundedAt = upd.RefundedAt
	}
	if upd.ExpiredAt != nil {
		e.ExpiredAt = upd.ExpiredAt
	}

	copied := *e
	return &copied, nil
}

func (r *MemoryEscrowRepo) FindEligibleForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []models.Escrow
	for _, e := range r.escrows {
		if e.State == models.StateFunded && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			eligible = append(eligible, *e)
		}
	}
	// Deterministic batching, same as the SQL ORDER BY id.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ID.String() < eligible[j].ID.String()
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (r *MemoryEscrowRepo) ListByActor(ctx context.Context, actorID, role string, limit, offset int) ([]models.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var matched []models.Escrow
	for _, e := range r.escrows {
		if (role == RoleSeller && e.SellerID == actorID) || (role != RoleSeller && e.BuyerID == actorID) {
			matched = append(matched, *e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SetExpiresAt backdates an escrow's deadline directly in the store,
// bypassing the transition engine. Test hook only.
func (r *MemoryEscrowRepo) SetExpiresAt(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.escrows[id]; ok {
		e.ExpiresAt = &at
	}
}
