package chartable

import "github.com/xraph/chartable/id"

// ID is the primary identifier type for all Chartable entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
