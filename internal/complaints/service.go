package complaints

import (
	"context"

	"github.com/google/uuid"
)

// Service tracks complaints, suggestions and commendations.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Complaint, error)
	Get(ctx context.Context, id uuid.UUID) (*Complaint, error)
	List(ctx context.Context) ([]Complaint, error)
	Respond(ctx context.Context, id uuid.UUID, text string) (*Complaint, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkRead(ctx context.Context, id uuid.UUID, read bool) error
	Stats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
