package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mini-escrow/backend/internal/models"
)

var (
	// ErrNotFound is returned when no escrow exists for the given id.
	ErrNotFound = errors.New("escrow not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("escrow version conflict")
)

// Actor roles used for list visibility.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// EscrowStore is the durable keyed storage for escrows. CompareAndSwap is
// the single atomic primitive all transitions funnel through: it commits
// only if the stored version equals expectedVersion, bumping version by
// exactly one, with no partial write on failure.
type EscrowStore interface {
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.FieldUpdates, now time.Time) (*models.Escrow, error)
	FindEligibleForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	ListByActor(ctx context.Context, actorID, role string, limit, offset int) ([]models.Escrow, error)
}
