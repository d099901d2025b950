// Package user defines the account record that owns a credit balance.
package user

import (
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/types"
)

// User is an account known to Chartable. ExternalAuthID is the subject the
// authentication provider puts in a verified session token.
type User struct {
	types.Entity
	ID             id.UserID     `json:"id"`
	ExternalAuthID string        `json:"externalAuthId"`
	Email          string        `json:"email,omitempty"`
	CreditBalance  types.Credits `json:"creditBalance"`
}
