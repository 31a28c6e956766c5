// Package postgres implements the store repositories on PostgreSQL with
// sqlx. All repositories run on either the connection pool or a shared
// transaction; InTx binds a transaction-scoped copy.
package postgres

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/config"
	"github.com/10log10/tinylvt-sub001/internal/store"
)

func init() {
	store.Register("postgres", func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		db, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewRepositories(db, clk), nil
	})
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// NewRepositories builds the full repository set on the given pool.
func NewRepositories(db *sqlx.DB, clk clock.Clock) *store.Repositories {
	repos := bind(db, clk)
	repos.InTx = func(ctx context.Context, fn func(*store.Repositories) error) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(bind(tx, clk)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}
	repos.Closer = db
	repos.Ping = db.PingContext
	return repos
}

// bind wires every repository to one queryer, which is either the pool or
// a single transaction.
func bind(q sqlx.ExtContext, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Communities: &CommunityRepo{q: q, clk: clk},
		Sites:       &SiteRepo{q: q, clk: clk},
		Spaces:      &SpaceRepo{q: q, clk: clk},
		Auctions:    &AuctionRepo{q: q, clk: clk},
		Ledger:      &LedgerRepo{q: q, clk: clk},
		Proxy:       &ProxyRepo{q: q, clk: clk},
		Events:      &EventStore{q: q, clk: clk},
	}
}
