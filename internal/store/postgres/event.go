package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/event"
)

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].CreatedAt = s.clk.Now().UTC()
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO events (id, aggregate_id, type, data, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			events[i].ID, events[i].AggregateID, events[i].Type, events[i].Data, events[i].CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, type=%s): %w",
				events[i].AggregateID, events[i].Type, err)
		}
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.q, &events,
		`SELECT id, aggregate_id, type, data, created_at
		 FROM events WHERE aggregate_id = $1 ORDER BY created_at ASC, id ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.q, &events,
		`SELECT id, aggregate_id, type, data, created_at
		 FROM events WHERE type = $1 ORDER BY created_at ASC, id ASC`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return events, nil
}
