package user

import (
	"context"

	"github.com/xraph/chartable/id"
)

// Store persists users. Balances are only changed through credit.Store.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID id.UserID) (*User, error)
	GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*User, error)
}
