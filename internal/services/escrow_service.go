package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mini-escrow/backend/internal/config"
	"github.com/mini-escrow/backend/internal/events"
	"github.com/mini-escrow/backend/internal/models"
	"github.com/mini-escrow/backend/internal/rbac"
	"github.com/mini-escrow/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrBusy signals contention: the record guard was held, or the
	// conditional commit lost a race. Safe to retry immediately.
	ErrBusy = errors.New("escrow busy, try again")
	// ErrForbidden signals the actor lacks rights for the escrow or action.
	ErrForbidden = errors.New("actor not allowed")
	// ErrInvalidArgument signals a malformed creation payload.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Actor is a pre-resolved (id, role) pair. Authentication happens upstream;
// the engine consumes its output only.
type Actor struct {
	ID   string
	Role string
}

// SystemActor drives sweeper-initiated transitions.
var SystemActor = Actor{ID: "system", Role: rbac.RoleSystem}

// EscrowService coordinates transition attempts: per-record non-blocking
// guard, pure state-machine validation, then a conditional commit against
// the store. The commit's version check is what guarantees exactly one
// winner even across processes; the guard only keeps local contention cheap.
type EscrowService struct {
	repo      repositories.EscrowStore
	publisher events.Publisher
	locks     *recordLocks
	window    time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewEscrowService(repo repositories.EscrowStore, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *EscrowService {
	return &EscrowService{
		repo:      repo,
		publisher: publisher,
		locks:     newRecordLocks(),
		window:    cfg.ExpirationWindow,
		log:       log,
		now:       time.Now,
	}
}

// CreateEscrow inserts a new escrow in CREATED state at version 0.
func (s *EscrowService) CreateEscrow(ctx context.Context, buyerID, sellerID string, amount decimal.Decimal, currency string) (*models.Escrow, error) {
	if buyerID == "" || sellerID == "" {
		return nil, fmt.Errorf("%w: buyer_id and seller_id are required", ErrInvalidArgument)
	}
	if buyerID == sellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if currency == "" {
		currency = "USD"
	}

	escrow := &models.Escrow{
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   amount,
		Currency: currency,
		State:    models.StateCreated,
	}
	if err := s.repo.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	s.log.Info("escrow created",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("buyer_id", buyerID),
		zap.String("seller_id", sellerID),
		zap.String("amount", amount.String()),
		zap.String("currency", currency),
	)
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: events.EventEscrowCreated,
		Payload: map[string]any{
			"escrow_id": escrow.ID.String(),
			"buyer_id":  buyerID,
			"seller_id": sellerID,
		},
	})

	return escrow, nil
}

// Transition drives a single transition attempt end to end. The returned
// bool reports whether a commit happened; an idempotent expire skip returns
// (current escrow, false, nil).
func (s *EscrowService) Transition(ctx context.Context, id uuid.UUID, kind string, actor Actor, now time.Time) (*models.Escrow, bool, error) {
	if !s.locks.TryAcquire(id) {
		return nil, false, ErrBusy
	}
	defer s.locks.Release(id)

	escrow, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if err := s.authorize(escrow, kind, actor); err != nil {
		return nil, false, err
	}

	upd, err := models.Attempt(escrow.State, kind, now, s.window)
	if err != nil {
		return nil, false, err
	}
	if upd.Noop {
		return escrow, false, nil
	}

	committed, err := s.repo.CompareAndSwap(ctx, id, escrow.Version, upd, now)
	if errors.Is(err, repositories.ErrVersionConflict) {
		// A writer outside this process's guard got there first.
		return nil, false, ErrBusy
	}
	if err != nil {
		return nil, false, fmt.Errorf("commit %s transition: %w", kind, err)
	}

	s.log.Info("escrow state changed",
		zap.String("escrow_id", id.String()),
		zap.String("old_state", escrow.State),
		zap.String("new_state", committed.State),
		zap.String("actor_id", actor.ID),
		zap.Int64("version", committed.Version),
	)
	// Fire-and-forget observer hook: a publish failure never rolls back
	// or blocks the committed transition.
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: events.EventEscrowStateChanged,
		Payload: map[string]any{
			"escrow_id": id.String(),
			"old_state": escrow.State,
			"new_state": committed.State,
			"actor_id":  actor.ID,
		},
	})

	return committed, true, nil
}

// Fund transitions CREATED -> FUNDED and assigns the expiration deadline.
func (s *EscrowService) Fund(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	escrow, _, err := s.Transition(ctx, id, models.TransitionFund, actor, s.now())
	return escrow, err
}

// Release transitions FUNDED -> RELEASED.
func (s *EscrowService) Release(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	escrow, _, err := s.Transition(ctx, id, models.TransitionRelease, actor, s.now())
	return escrow, err
}

// Refund transitions FUNDED -> REFUNDED.
func (s *EscrowService) Refund(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	escrow, _, err := s.Transition(ctx, id, models.TransitionRefund, actor, s.now())
	return escrow, err
}

// Get returns an escrow visible to the actor: buyers and sellers see only
// escrows they participate in.
func (s *EscrowService) Get(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	escrow, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(escrow, actor) {
		return nil, ErrForbidden
	}
	return escrow, nil
}

// ListFor returns the escrows where the actor is the buyer or the seller,
// depending on their role.
func (s *EscrowService) ListFor(ctx context.Context, actor Actor, limit, offset int) ([]models.Escrow, error) {
	if !rbac.IsValidRole(actor.Role) {
		return nil, ErrForbidden
	}
	return s.repo.ListByActor(ctx, actor.ID, actor.Role, limit, offset)
}

func (s *EscrowService) authorize(escrow *models.Escrow, kind string, actor Actor) error {
	if kind == models.TransitionExpire {
		if actor.Role != rbac.RoleSystem {
			return ErrForbidden
		}
		return nil
	}
	// fund/release/refund are buyer-only actions on the buyer's own escrow.
	if !rbac.HasPermission(actor.Role, kind) || actor.ID != escrow.BuyerID {
		return ErrForbidden
	}
	return nil
}

func (s *EscrowService) isParticipant(escrow *models.Escrow, actor Actor) bool {
	switch actor.Role {
	case rbac.RoleBuyer:
		return escrow.BuyerID == actor.ID
	case rbac.RoleSeller:
		return escrow.SellerID == actor.ID
	case rbac.RoleSystem:
		return true
	}
	return false
}
