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

// SiteRepo implements store.SiteRepository with sqlx.
type SiteRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *SiteRepo) Create(ctx context.Context, s *store.Site) error {
	now := r.clk.Now().UTC()
	s.ID = uuid.New()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO sites (id, community_id, name, description, timezone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.CommunityID, s.Name, s.Description, s.Timezone, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating site: %w", err)
	}
	return nil
}

func (r *SiteRepo) GetByID(ctx context.Context, id uuid.UUID) (*store.Site, error) {
	var s store.Site
	err := sqlx.GetContext(ctx, r.q, &s, `SELECT * FROM sites WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting site: %w", err)
	}
	return &s, nil
}

func (r *SiteRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	now := r.clk.Now().UTC()
	result, err := r.q.ExecContext(ctx,
		`UPDATE sites SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting site: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrSiteNotFound
	}
	return nil
}
