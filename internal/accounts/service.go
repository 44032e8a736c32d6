package accounts

import (
	"context"

	"github.com/google/uuid"

	"libradmin/internal/eventstore"
)

// Service manages user accounts.
type Service interface {
	Create(ctx context.Context, d Draft) (*CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	List(ctx context.Context) ([]User, error)
	Search(ctx context.Context, f Filter) ([]User, error)
	Stats(ctx context.Context) (Stats, error)
	Update(ctx context.Context, id uuid.UUID, c Changes) (*User, error)
	ChangeStatus(ctx context.Context, id uuid.UUID, status, reason string) (*User, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ResetPassword(ctx context.Context, id uuid.UUID) (*CreateResult, error)
	Authenticate(ctx context.Context, email, password string) (*User, error)
	History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error)
}
