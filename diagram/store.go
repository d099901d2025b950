package diagram

import (
	"context"

	"github.com/xraph/chartable/id"
)

// Store persists diagrams.
type Store interface {
	CreateDiagram(ctx context.Context, d *Diagram) error
	GetDiagram(ctx context.Context, diagramID id.DiagramID) (*Diagram, error)
}
