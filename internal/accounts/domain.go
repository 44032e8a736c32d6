package accounts

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleLibrarian Role = "LIBRARIAN"
	RoleReader    Role = "READER"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusBlocked  Status = "BLOCKED"
)

// MaxActiveAdmins is the ceiling on users that are both ADMIN and ACTIVE.
const MaxActiveAdmins = 2

// User is a library account.
type User struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Address        string     `json:"address"`
	Identification string     `json:"identification"`
	Role           Role       `json:"role"`
	Membership     bool       `json:"membership"`
	Status         Status     `json:"status"`
	TotalFines     int64      `json:"total_fines"`
	PendingFines   int        `json:"pending_fines"`
	LostMaterials  int        `json:"lost_materials"`
	BlockReason    string     `json:"block_reason,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

// Credential is the stored login secret of a user.
type Credential struct {
	UserID       uuid.UUID
	PasswordHash string
	Salt         string
}

// Draft is the input for account creation.
type Draft struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Address        string `json:"address"`
	Identification string `json:"identification"`
	Role           string `json:"role"`
}

// Changes is a full-record update. Empty fields keep their current value.
type Changes struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Address        *string `json:"address,omitempty"`
	Identification *string `json:"identification,omitempty"`
	Role           string  `json:"role"`
	Membership     *bool   `json:"membership,omitempty"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
}

// Filter narrows a user search. Empty fields do not filter.
type Filter struct {
	Term   string
	Role   Role
	Status Status
}

// Stats are head counts over the whole directory.
type Stats struct {
	Total          int `json:"total"`
	Admins         int `json:"admins"`
	Librarians     int `json:"librarians"`
	Readers        int `json:"readers"`
	Active         int `json:"active"`
	Inactive       int `json:"inactive"`
	Blocked        int `json:"blocked"`
	WithMembership int `json:"with_membership"`
}

// CreateResult reports a new account and whether its credentials reached the user. The
// temporary password is only present when delivery failed.
type CreateResult struct {
	User                 *User  `json:"user"`
	CredentialsDelivered bool   `json:"credentials_delivered"`
	TemporaryPassword    string `json:"temporary_password,omitempty"`
	DeliveryError        string `json:"delivery_error,omitempty"`
}

// Journal event types for the user aggregate.
const (
	EventUserCreated       = "UserCreated"
	EventUserUpdated       = "UserUpdated"
	EventUserStatusChanged = "UserStatusChanged"
	EventUserBlocked       = "UserBlocked"
	EventUserDeleted       = "UserDeleted"
	EventPasswordReset     = "PasswordReset"
)

type UserCreatedEvent struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Role  Role      `json:"role"`
}

type UserUpdatedEvent struct {
	ID     uuid.UUID `json:"id"`
	Before User      `json:"before"`
	After  User      `json:"after"`
}

type UserStatusChangedEvent struct {
	ID     uuid.UUID `json:"id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// UserBlockedEvent is also written by the fine ledger when losses or overdue debt block a reader.
type UserBlockedEvent struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}
