package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

// SpaceRepo implements store.SpaceRepository with sqlx, including the
// copy-on-write path for spaces with auction history.
type SpaceRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *SpaceRepo) Create(ctx context.Context, s *store.Space) error {
	now := r.clk.Now().UTC()
	s.ID = uuid.New()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO spaces (id, site_id, name, description, eligibility_points, is_available, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.SiteID, s.Name, s.Description, s.EligibilityPoints, s.IsAvailable, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating space: %w", err)
	}
	return nil
}

func (r *SpaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*store.Space, error) {
	var s store.Space
	err := sqlx.GetContext(ctx, r.q, &s, `SELECT * FROM spaces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSpaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting space: %w", err)
	}
	return &s, nil
}

func (r *SpaceRepo) ListAuctionable(ctx context.Context, siteID uuid.UUID) ([]store.Space, error) {
	var spaces []store.Space
	err := sqlx.SelectContext(ctx, r.q, &spaces,
		`SELECT * FROM spaces
		 WHERE site_id = $1 AND is_available AND deleted_at IS NULL
		 ORDER BY created_at ASC`,
		siteID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing auctionable spaces: %w", err)
	}
	return spaces, nil
}

// Update applies a space edit. Identity-bearing changes (name,
// eligibility_points) on a space with auction history go copy-on-write:
// the original row is locked, soft-deleted and replaced by a new row, so
// historical round results keep pointing at the attributes they settled
// under.
func (r *SpaceRepo) Update(ctx context.Context, id uuid.UUID, upd store.SpaceUpdate) (*store.UpdateSpaceResult, error) {
	var current store.Space
	err := sqlx.GetContext(ctx, r.q, &current,
		`SELECT * FROM spaces WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSpaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking space: %w", err)
	}
	if current.DeletedAt != nil {
		return nil, store.ErrSpaceDeleted
	}

	identityChanged := current.Name != upd.Name || current.EligibilityPoints != upd.EligibilityPoints
	if identityChanged {
		hasHistory, err := r.HasAuctionHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		if hasHistory {
			return r.copyOnWrite(ctx, &current, upd)
		}
	}

	now := r.clk.Now().UTC()
	_, err = r.q.ExecContext(ctx,
		`UPDATE spaces SET name = $1, description = $2, eligibility_points = $3, is_available = $4, updated_at = $5
		 WHERE id = $6`,
		upd.Name, upd.Description, upd.EligibilityPoints, upd.IsAvailable, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating space: %w", err)
	}
	current.Name = upd.Name
	current.Description = upd.Description
	current.EligibilityPoints = upd.EligibilityPoints
	current.IsAvailable = upd.IsAvailable
	current.UpdatedAt = now
	return &store.UpdateSpaceResult{Space: &current}, nil
}

func (r *SpaceRepo) copyOnWrite(ctx context.Context, old *store.Space, upd store.SpaceUpdate) (*store.UpdateSpaceResult, error) {
	now := r.clk.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`UPDATE spaces SET deleted_at = $1, updated_at = $1 WHERE id = $2`,
		now, old.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("soft-deleting replaced space: %w", err)
	}

	replacement := &store.Space{
		SiteID:            old.SiteID,
		Name:              upd.Name,
		Description:       upd.Description,
		EligibilityPoints: upd.EligibilityPoints,
		IsAvailable:       upd.IsAvailable,
	}
	if err := r.Create(ctx, replacement); err != nil {
		return nil, err
	}
	return &store.UpdateSpaceResult{
		Space:      replacement,
		WasCopied:  true,
		OldSpaceID: old.ID,
	}, nil
}

func (r *SpaceRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	now := r.clk.Now().UTC()
	result, err := r.q.ExecContext(ctx,
		`UPDATE spaces SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting space: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrSpaceNotFound
	}
	return nil
}

func (r *SpaceRepo) Restore(ctx context.Context, id uuid.UUID) error {
	now := r.clk.Now().UTC()
	result, err := r.q.ExecContext(ctx,
		`UPDATE spaces SET deleted_at = NULL, updated_at = $1 WHERE id = $2 AND deleted_at IS NOT NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("restoring space: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrSpaceNotFound
	}
	return nil
}

func (r *SpaceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	hasHistory, err := r.HasAuctionHistory(ctx, id)
	if err != nil {
		return err
	}
	if hasHistory {
		return store.ErrSpaceHasAuctionHistory
	}
	result, err := r.q.ExecContext(ctx, `DELETE FROM spaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting space: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrSpaceNotFound
	}
	return nil
}

func (r *SpaceRepo) HasAuctionHistory(ctx context.Context, id uuid.UUID) (bool, error) {
	var has bool
	err := sqlx.GetContext(ctx, r.q, &has,
		`SELECT EXISTS (SELECT 1 FROM bids WHERE space_id = $1)
		     OR EXISTS (SELECT 1 FROM space_rounds WHERE space_id = $1)`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("checking auction history: %w", err)
	}
	return has, nil
}
