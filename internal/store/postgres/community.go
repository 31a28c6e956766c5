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

// CommunityRepo implements store.CommunityRepository with sqlx.
type CommunityRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *CommunityRepo) Create(ctx context.Context, c *store.Community) error {
	now := r.clk.Now().UTC()
	c.ID = uuid.New()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO communities (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating community: %w", err)
	}
	return nil
}

func (r *CommunityRepo) GetByID(ctx context.Context, id uuid.UUID) (*store.Community, error) {
	var c store.Community
	err := sqlx.GetContext(ctx, r.q, &c, `SELECT * FROM communities WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCommunityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting community: %w", err)
	}
	return &c, nil
}

func (r *CommunityRepo) AddMember(ctx context.Context, m *store.Member) error {
	now := r.clk.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO community_members (community_id, user_id, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.CommunityID, m.UserID, m.Role, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

func (r *CommunityRepo) GetMember(ctx context.Context, communityID, userID uuid.UUID) (*store.Member, error) {
	var m store.Member
	err := sqlx.GetContext(ctx, r.q, &m,
		`SELECT * FROM community_members WHERE community_id = $1 AND user_id = $2`,
		communityID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting member: %w", err)
	}
	return &m, nil
}
