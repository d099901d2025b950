// Package id defines TypeID-based identity types for all Chartable entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique and
// URL-safe in the format "prefix_suffix". A user ID is also what the
// checkout page passes to Stripe as client_reference_id, so a webhook can
// be traced back to the account it credits.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Chartable entity types.
const (
	PrefixUser    Prefix = "usr"  // Account holding a credit balance
	PrefixProject Prefix = "proj" // Diagram project
	PrefixDiagram Prefix = "dgm"  // Generated diagram
	PrefixHistory Prefix = "hist" // Project history entry
)

// ID is the primary identifier type for all Chartable entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// UserID identifies a user (prefix: "usr").
type UserID = ID

// ProjectID identifies a project (prefix: "proj").
type ProjectID = ID

// DiagramID identifies a diagram (prefix: "dgm").
type DiagramID = ID

// HistoryID identifies a history entry (prefix: "hist").
type HistoryID = ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// NewUserID generates a new user ID.
func NewUserID() ID { return New(PrefixUser) }

// NewProjectID generates a new project ID.
func NewProjectID() ID { return New(PrefixProject) }

// NewDiagramID generates a new diagram ID.
func NewDiagramID() ID { return New(PrefixDiagram) }

// NewHistoryID generates a new history entry ID.
func NewHistoryID() ID { return New(PrefixHistory) }

// Parse parses a TypeID string (e.g. "usr_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// ParseUserID parses a string and validates the "usr" prefix.
func ParseUserID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUser) }

// ParseProjectID parses a string and validates the "proj" prefix.
func ParseProjectID(s string) (ID, error) { return ParseWithPrefix(s, PrefixProject) }

// ParseDiagramID parses a string and validates the "dgm" prefix.
func ParseDiagramID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDiagram) }

// ParseHistoryID parses a string and validates the "hist" prefix.
func ParseHistoryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixHistory) }

// String returns "prefix_suffix", or "" for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. The Nil ID is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
