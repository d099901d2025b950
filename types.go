package chartable

import "github.com/xraph/chartable/types"

// Credits is re-exported from the types package.
type Credits = types.Credits

// Entity is re-exported from the types package.
type Entity = types.Entity

// NewEntity is re-exported from the types package.
var NewEntity = types.NewEntity
