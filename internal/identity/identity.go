// Package identity consumes the external identity collaborators: token
// verification and the user directory. Neither is implemented here beyond
// what the connection gate needs.
package identity

import (
	"context"
	"errors"
)

var (
	ErrTokenInvalid = errors.New("identity: token missing, invalid or expired")
)

// User is the directory's view of an account, as consumed by this core.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber"`
	IsActivated bool   `json:"isActivated"`
	DMsEnabled  bool   `json:"dmsEnabled"`
}

// Verifier validates an externally issued bearer token and yields the
// identity it was issued for.
type Verifier interface {
	Verify(token string) (identity string, err error)
}

// Directory resolves an identity to its account record. The second return is
// false when the identity is unknown; that is not an error.
type Directory interface {
	FetchUser(ctx context.Context, identity string) (*User, bool, error)
}
