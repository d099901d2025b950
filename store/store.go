// Package store defines the unified storage interface every backend
// (memory, mongo, postgres, sqlite) implements.
package store

import (
	"context"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/user"
)

// Store is the unified storage interface for all Chartable entities.
type Store interface {
	user.Store
	credit.Store
	project.Store
	diagram.Store

	// Migrate creates tables, collections and indexes. It is idempotent.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
