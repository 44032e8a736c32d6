package settings

import "context"

// Service is the configuration store.
type Service interface {
	Current(ctx context.Context) (Snapshot, error)
	Update(ctx context.Context, req UpdateRequest) (Snapshot, error)
	History(ctx context.Context) ([]Revision, error)
}
