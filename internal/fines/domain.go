package fines

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindLoss   Kind = "LOSS"
	KindDamage Kind = "DAMAGE"
	KindDelay  Kind = "DELAY"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Fine is a charge against a reader for a material.
type Fine struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	MaterialID   uuid.UUID  `json:"material_id"`
	Kind         Kind       `json:"kind"`
	Amount       int64      `json:"amount"`
	Description  string     `json:"description"`
	Status       Status     `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`

	// Filled by listings that join the user and material tables.
	UserName         string `json:"user_name,omitempty"`
	UserEmail        string `json:"user_email,omitempty"`
	MaterialTitle    string `json:"material_title,omitempty"`
	MaterialAuthor   string `json:"material_author,omitempty"`
	MaterialCategory string `json:"material_category,omitempty"`
}

// IssueRequest is the input for a new fine. Missing identifiers are left to the rules, which
// report them with the fine error codes.
type IssueRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	MaterialID  uuid.UUID `json:"material_id"`
	Kind        string    `json:"kind"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description" validate:"max=1000"`
}

// IssueResult reports the stored fine and what it did to the debtor.
type IssueResult struct {
	Fine          *Fine  `json:"fine"`
	LostMaterials int    `json:"lost_materials"`
	AutoBlocked   bool   `json:"auto_blocked"`
	Warning       string `json:"warning,omitempty"`
}

// UserFines is the per-reader view of the ledger.
type UserFines struct {
	UserID        uuid.UUID `json:"user_id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	TotalFines    int64     `json:"total_fines"`
	PendingFines  int       `json:"pending_fines"`
	LostMaterials int       `json:"lost_materials"`
	Fines         []Fine    `json:"fines"`
	Count         int       `json:"count"`
	PendingCount  int       `json:"pending_count"`
}

// CategoryStat aggregates fines by material category.
type CategoryStat struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Total    int64  `json:"total"`
}

type Stats struct {
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	Paid          int            `json:"paid"`
	Cancelled     int            `json:"cancelled"`
	Loss          int            `json:"loss"`
	Damage        int            `json:"damage"`
	Delay         int            `json:"delay"`
	TotalAmount   int64          `json:"total_amount"`
	AverageAmount float64        `json:"average_amount"`
	ByCategory    []CategoryStat `json:"by_category"`
}

// Sanction is an append-only record of a block applied to a user.
type Sanction struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ListLimit caps the ledger listing.
const ListLimit = 100

// Journal event types for the fine aggregate.
const (
	EventFineIssued    = "FineIssued"
	EventFinePaid      = "FinePaid"
	EventFineCancelled = "FineCancelled"
)

type FineIssuedEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	MaterialID uuid.UUID `json:"material_id"`
	Kind       Kind      `json:"kind"`
	Amount     int64     `json:"amount"`
}

type FineSettledEvent struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Status Status    `json:"status"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason,omitempty"`
}
