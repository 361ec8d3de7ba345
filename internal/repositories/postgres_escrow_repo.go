package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mini-escrow/backend/internal/models"
)

const escrowColumns = `id, buyer_id, seller_id, amount, currency, state, version,
	expires_at, created_at, updated_at, funded_at, released_at, refunded_at, expired_at`

type PostgresEscrowRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresEscrowRepo(pool *pgxpool.Pool) *PostgresEscrowRepo {
	return &PostgresEscrowRepo{pool: pool}
}

func (r *PostgresEscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrows (buyer_id, seller_id, amount, currency, state, version)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id, created_at, updated_at
	`, e.BuyerID, e.SellerID, e.Amount, e.Currency, e.State).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *PostgresEscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	var e models.Escrow
	err := r.pool.QueryRow(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows WHERE id = $1
	`, id).Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.State, &e.Version,
		&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt, &e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CompareAndSwap commits upd in a single conditional UPDATE: the WHERE clause
// on version makes the database the arbiter of exactly one winner per
// version, regardless of how many processes race.
func (r *PostgresEscrowRepo) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.FieldUpdates, now time.Time) (*models.Escrow, error) {
	var e models.Escrow
	err := r.pool.QueryRow(ctx, `
		UPDATE escrows SET
			state = $1,
			version = version + 1,
			updated_at = $2,
			funded_at = COALESCE($3, funded_at),
			expires_at = COALESCE($4, expires_at),
			released_at = COALESCE($5, released_at),
			refunded_at = COALESCE($6, refunded_at),
			expired_at = COALESCE($7, expired_at)
		WHERE id = $8 AND version = $9
		RETURNING `+escrowColumns+`
	`, upd.State, now, upd.FundedAt, upd.ExpiresAt, upd.ReleasedAt, upd.RefundedAt, upd.ExpiredAt,
		id, expectedVersion,
	).Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.State, &e.Version,
		&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt, &e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row matched: either the id is unknown or another writer bumped
		// the version first. Distinguish for the caller.
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresEscrowRepo) FindEligibleForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = $1 AND expires_at <= $2
		ORDER BY id
		LIMIT $3
	`, models.StateFunded, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (r *PostgresEscrowRepo) ListByActor(ctx context.Context, actorID, role string, limit, offset int) ([]models.Escrow, error) {
	column := "buyer_id"
	if role == RoleSeller {
		column = "seller_id"
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, actorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func scanEscrows(rows pgx.Rows) ([]models.Escrow, error) {
	var escrows []models.Escrow
	for rows.Next() {
		var e models.Escrow
		if err := rows.Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.State, &e.Version,
			&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt, &e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiredAt); err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}
