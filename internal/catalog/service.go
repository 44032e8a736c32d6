package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service is the read side of the material catalog.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*Material, error)
	List(ctx context.Context) ([]Material, error)
	Search(ctx context.Context, term string) ([]Material, error)
}

// Cache is the subset of the redis cache the catalog reads through.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}
