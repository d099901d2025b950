package project

import (
	"context"

	"github.com/xraph/chartable/id"
)

// Store persists projects. Reads and writes are scoped to the owning user;
// a project owned by someone else is reported as not found.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*Project, error)

	// PrependHistory inserts entry at the head of the project's history.
	PrependHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *HistoryEntry) error
}
