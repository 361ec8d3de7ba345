package services

import (
	"context"
	"errors"
	"time"

	"github.com/mini-escrow/backend/internal/models"
	"github.com/mini-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

// Sweeper drives FUNDED escrows past their deadline through the coordinator
// to EXPIRED. It holds no state between runs: everything it needs comes from
// the store, so a crash mid-batch just leaves the remainder eligible for the
// next invocation.
type Sweeper struct {
	svc       *EscrowService
	repo      repositories.EscrowStore
	batchSize int
	log       *zap.Logger
}

func NewSweeper(svc *EscrowService, repo repositories.EscrowStore, batchSize int, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{svc: svc, repo: repo, batchSize: batchSize, log: log}
}

// Run repeatedly queries for eligible escrows in id-ordered batches and
// issues expire transitions until a batch comes back empty. Busy and
// already-resolved outcomes are expected under concurrency and are skipped
// silently. Returns the number of escrows expired this run.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int, error) {
	expired := 0

	for {
		batch, err := s.repo.FindEligibleForExpiry(ctx, now, s.batchSize)
		if err != nil {
			return expired, err
		}
		if len(batch) == 0 {
			break
		}

		// Records that stay FUNDED-and-eligible after their attempt (guard
		// held by someone else) would make the next query return the same
		// batch forever; bail out and let the next run retry them.
		resolved := 0

		for _, candidate := range batch {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}

			_, committed, err := s.svc.Transition(ctx, candidate.ID, models.TransitionExpire, SystemActor, now)
			switch {
			case err == nil:
				// committed, or an idempotent skip because another actor
				// already resolved the escrow. Either way it left eligibility.
				resolved++
				if committed {
					expired++
				}
			case errors.Is(err, ErrBusy):
				s.log.Debug("expire attempt lost to concurrent actor",
					zap.String("escrow_id", candidate.ID.String()))
			case errors.Is(err, repositories.ErrNotFound):
				resolved++
			default:
				return expired, err
			}
		}

		if resolved == 0 {
			break
		}
	}

	if expired > 0 {
		s.log.Info("expiry sweep finished", zap.Int("expired", expired))
	}
	return expired, nil
}
