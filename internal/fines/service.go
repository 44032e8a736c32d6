package fines

import (
	"context"

	"github.com/google/uuid"

	"libradmin/internal/catalog"
	"libradmin/internal/eventstore"
	"libradmin/internal/settings"
)

// Service is the fine ledger.
type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
	Get(ctx context.Context, id uuid.UUID) (*Fine, error)
	List(ctx context.Context) ([]Fine, error)
	ListByUser(ctx context.Context, userID uuid.UUID) (*UserFines, error)
	Pay(ctx context.Context, id uuid.UUID) (*Fine, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*Fine, error)
	Stats(ctx context.Context) (Stats, error)
	Sanctions(ctx context.Context, userID uuid.UUID) ([]Sanction, error)
	History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error)
}

// RulesSource supplies the rule set in force. settings.Service satisfies it.
type RulesSource interface {
	Current(ctx context.Context) (settings.Snapshot, error)
}

// Materials resolves catalog entries. catalog.Service satisfies it.
type Materials interface {
	Get(ctx context.Context, id uuid.UUID) (*catalog.Material, error)
}
