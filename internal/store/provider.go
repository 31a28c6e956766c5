package store

import (
	"context"
	"fmt"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/config"
	"github.com/10log10/tinylvt-sub001/internal/event"
)

// Repositories groups all repository implementations returned by a store
// driver. The zero repositories are bound to the underlying connection pool;
// InTx yields a copy whose repositories share one transaction.
type Repositories struct {
	Communities CommunityRepository
	Sites       SiteRepository
	Spaces      SpaceRepository
	Auctions    AuctionRepository
	Ledger      LedgerRepository
	Proxy       ProxyRepository
	Events      event.Store

	// InTx runs fn with transaction-scoped repositories, committing on nil
	// and rolling back on error. Nil on transaction-scoped repositories.
	InTx func(ctx context.Context, fn func(*Repositories) error) error

	// Closer is called to release underlying resources (e.g. DB connection).
	Closer Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Driver is a function that opens a connection and returns Repositories.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns Repositories.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, clk)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
