package services

import (
	"context"
	"errors"
	"sync"
	"testing"
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

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*EscrowService, *repositories.MemoryEscrowRepo) {
	t.Helper()
	repo := repositories.NewMemoryEscrowRepo()
	cfg := &config.Config{ExpirationWindow: 24 * time.Hour}
	svc := NewEscrowService(repo, events.NopPublisher{}, cfg, zap.NewNop())
	svc.now = func() time.Time { return fixedNow }
	return svc, repo
}

func buyer(id string) Actor  { return Actor{ID: id, Role: rbac.RoleBuyer} }
func seller(id string) Actor { return Actor{ID: id, Role: rbac.RoleSeller} }

func mustCreate(t *testing.T, svc *EscrowService) *models.Escrow {
	t.Helper()
	escrow, err := svc.CreateEscrow(context.Background(), "buyer-1", "seller-1", decimal.RequireFromString("10.00"), "USD")
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	return escrow
}

func mustFund(t *testing.T, svc *EscrowService, id uuid.UUID) *models.Escrow {
	t.Helper()
	escrow, err := svc.Fund(context.Background(), id, buyer("buyer-1"))
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	return escrow
}

func TestCreateEscrowValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		buyerID  string
		sellerID string
		amount   string
	}{
		{"zero amount", "b", "s", "0"},
		{"negative amount", "b", "s", "-5.00"},
		{"same buyer and seller", "b", "b", "10.00"},
		{"missing buyer", "", "s", "10.00"},
		{"missing seller", "b", "", "10.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateEscrow(ctx, tt.buyerID, tt.sellerID, decimal.RequireFromString(tt.amount), "USD")
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateEscrow(ctx, "buyer-1", "seller-1", decimal.RequireFromString("10.00"), "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, created.ID, buyer("buyer-1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateCreated {
		t.Errorf("state = %q, want CREATED", got.State)
	}
	if got.Version != 0 {
		t.Errorf("version = %d, want 0", got.Version)
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want default USD", got.Currency)
	}
	if got.ExpiresAt != nil || got.FundedAt != nil || got.ReleasedAt != nil || got.RefundedAt != nil || got.ExpiredAt != nil {
		t.Error("fresh escrow has a non-null transition timestamp")
	}

	// Seller side sees it too; a stranger does not.
	if _, err := svc.Get(ctx, created.ID, seller("seller-1")); err != nil {
		t.Errorf("seller Get: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID, buyer("someone-else")); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger Get error = %v, want ErrForbidden", err)
	}
}

func TestFundThenRelease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	escrow := mustCreate(t, svc)
	funded := mustFund(t, svc, escrow.ID)

	if funded.State != models.StateFunded {
		t.Fatalf("state = %q, want FUNDED", funded.State)
	}
	if funded.Version != 1 {
		t.Errorf("version = %d, want 1", funded.Version)
	}
	wantExpiry := fixedNow.Add(24 * time.Hour)
	if funded.ExpiresAt == nil || !funded.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", funded.ExpiresAt, wantExpiry)
	}
	if funded.FundedAt == nil || !funded.FundedAt.Equal(fixedNow) {
		t.Errorf("funded_at = %v, want %v", funded.FundedAt, fixedNow)
	}

	released, err := svc.Release(ctx, escrow.ID, buyer("buyer-1"))
	if err != nil {
		t.Fatal(err)
	}
	if released.State != models.StateReleased {
		t.Errorf("state = %q, want RELEASED", released.State)
	}
	if released.Version != 2 {
		t.Errorf("version = %d, want 2", released.Version)
	}
	if released.ReleasedAt == nil {
		t.Error("released_at not set")
	}
	if released.RefundedAt != nil || released.ExpiredAt != nil {
		t.Error("other terminal timestamps must remain null")
	}
}

func TestFundAlreadyFundedRejectedWithoutVersionBump(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	escrow := mustCreate(t, svc)
	mustFund(t, svc, escrow.ID)

	_, err := svc.Fund(ctx, escrow.ID, buyer("buyer-1"))
	var ite *models.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error = %v, want InvalidTransitionError", err)
	}

	stored, _ := repo.GetByID(ctx, escrow.ID)
	if stored.Version != 1 {
		t.Errorf("rejected attempt changed version to %d", stored.Version)
	}
	if stored.State != models.StateFunded {
		t.Errorf("rejected attempt changed state to %q", stored.State)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	escrow := mustCreate(t, svc)

	tests := []struct {
		name string
		op   func() error
	}{
		{"seller cannot fund", func() error {
			_, err := svc.Fund(ctx, escrow.ID, seller("seller-1"))
			return err
		}},
		{"other buyer cannot fund", func() error {
			_, err := svc.Fund(ctx, escrow.ID, buyer("buyer-2"))
			return err
		}},
		{"non-system cannot expire", func() error {
			_, _, err := svc.Transition(ctx, escrow.ID, models.TransitionExpire, buyer("buyer-1"), fixedNow)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, ErrForbidden) {
				t.Errorf("error = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestTransitionNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Fund(context.Background(), uuid.New(), buyer("buyer-1"))
	if !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestHeldGuardFailsFastWithBusy(t *testing.T) {
	svc, _ := newTestService(t)
	escrow := mustCreate(t, svc)

	if !svc.locks.TryAcquire(escrow.ID) {
		t.Fatal("could not acquire guard")
	}
	defer svc.locks.Release(escrow.ID)

	_, err := svc.Fund(context.Background(), escrow.ID, buyer("buyer-1"))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
}

// conflictStore forces a version conflict on commit, simulating a concurrent
// writer in another process that the local guard cannot see.
type conflictStore struct {
	repositories.EscrowStore
}

func (s conflictStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.FieldUpdates, now time.Time) (*models.Escrow, error) {
	return nil, repositories.ErrVersionConflict
}

func TestVersionConflictUnderGuardMapsToBusy(t *testing.T) {
	repo := repositories.NewMemoryEscrowRepo()
	cfg := &config.Config{ExpirationWindow: 24 * time.Hour}
	svc := NewEscrowService(conflictStore{repo}, events.NopPublisher{}, cfg, zap.NewNop())
	svc.now = func() time.Time { return fixedNow }

	escrow := &models.Escrow{BuyerID: "buyer-1", SellerID: "seller-1", Amount: decimal.RequireFromString("10.00"), Currency: "USD", State: models.StateCreated}
	if err := repo.Create(context.Background(), escrow); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Fund(context.Background(), escrow.ID, buyer("buyer-1"))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
}

func TestConcurrentReleaseRefundSingleWinner(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	escrow := mustCreate(t, svc)
	mustFund(t, svc, escrow.ID)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)

	for i, kind := range []string{models.TransitionRelease, models.TransitionRefund} {
		wg.Add(1)
		go func(i int, kind string) {
			defer wg.Done()
			<-start
			_, _, errs[i] = svc.Transition(ctx, escrow.ID, kind, buyer("buyer-1"), fixedNow)
		}(i, kind)
	}
	close(start)
	wg.Wait()

	final, err := repo.GetByID(ctx, escrow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != models.StateReleased && final.State != models.StateRefunded {
		t.Fatalf("final state = %q, want RELEASED or REFUNDED", final.State)
	}
	if final.Version != 2 {
		t.Errorf("version = %d, want exactly 2 after the race", final.Version)
	}

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var ite *models.InvalidTransitionError
		if !errors.Is(err, ErrBusy) && !errors.As(err, &ite) {
			t.Errorf("loser error = %v, want Busy or InvalidTransition", err)
		}
	}
	if winners != 1 {
		t.Errorf("%d winners, want exactly 1", winners)
	}
}

func TestManyConcurrentTerminalAttempts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	escrow := mustCreate(t, svc)
	mustFund(t, svc, escrow.ID)

	const attemptsPerKind = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	commits := 0

	attempt := func(kind string, actor Actor) {
		defer wg.Done()
		<-start
		_, committed, err := svc.Transition(ctx, escrow.ID, kind, actor, fixedNow)
		if err == nil && committed {
			mu.Lock()
			commits++
			mu.Unlock()
		}
	}

	for i := 0; i < attemptsPerKind; i++ {
		wg.Add(3)
		go attempt(models.TransitionRelease, buyer("buyer-1"))
		go attempt(models.TransitionRefund, buyer("buyer-1"))
		go attempt(models.TransitionExpire, SystemActor)
	}
	close(start)
	wg.Wait()

	if commits != 1 {
		t.Errorf("%d commits across the race, want exactly 1", commits)
	}

	final, _ := repo.GetByID(ctx, escrow.ID)
	if !models.IsTerminal(final.State) {
		t.Errorf("final state %q is not terminal", final.State)
	}
	if final.Version != 2 {
		t.Errorf("version = %d, want exactly 2", final.Version)
	}
}

func TestListForVisibility(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateEscrow(ctx, "buyer-1", "seller-1", decimal.RequireFromString("10.00"), "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateEscrow(ctx, "buyer-2", "seller-1", decimal.RequireFromString("20.00"), "USD"); err != nil {
		t.Fatal(err)
	}

	own, err := svc.ListFor(ctx, buyer("buyer-1"), 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 1 {
		t.Errorf("buyer-1 sees %d escrows, want 1", len(own))
	}

	assigned, err := svc.ListFor(ctx, seller("seller-1"), 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 2 {
		t.Errorf("seller-1 sees %d escrows, want 2", len(assigned))
	}

	if _, err := svc.ListFor(ctx, Actor{ID: "x", Role: "admin"}, 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("unknown role error = %v, want ErrForbidden", err)
	}
}
