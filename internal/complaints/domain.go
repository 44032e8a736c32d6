package complaints

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"libradmin/internal/apperr"
)

// Kind is the nature of a submission.
type Kind string

const (
	KindComplaint    Kind = "COMPLAINT"
	KindSuggestion   Kind = "SUGGESTION"
	KindCommendation Kind = "COMMENDATION"
)

// Status is a tracking flag. Any status may be set from any other.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

var (
	ErrNotFound      = apperr.NotFound(apperr.CodeComplaintNotFound, "ComplaintNotFound", "complaint not found")
	ErrInvalidKind   = apperr.Validation(apperr.CodeInvalidComplaint, "InvalidKind", "kind must be COMPLAINT, SUGGESTION or COMMENDATION")
	ErrInvalidStatus = apperr.Validation(apperr.CodeInvalidComplaintSet, "InvalidStatus", "status must be pending, in_progress, resolved or closed")
	ErrMissingText   = apperr.Validation(apperr.CodeMissingFields, "MissingFields", "text is required")
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindComplaint, KindSuggestion, KindCommendation:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusInProgress, StatusResolved, StatusClosed:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

type Complaint struct {
	ID          uuid.UUID  `json:"id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	UserName    string     `json:"user_name,omitempty"`
	UserEmail   string     `json:"user_email,omitempty"`
	Kind        Kind       `json:"kind"`
	Subject     string     `json:"subject,omitempty"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Read        bool       `json:"read"`
	Response    string     `json:"response,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

type CreateRequest struct {
	UserID      *uuid.UUID `json:"user_id"`
	Kind        string     `json:"kind"`
	Subject     string     `json:"subject" validate:"max=200"`
	Description string     `json:"description" validate:"max=4000"`
}

type Stats struct {
	Total         int `json:"total"`
	Complaints    int `json:"complaints"`
	Suggestions   int `json:"suggestions"`
	Commendations int `json:"commendations"`
	Pending       int `json:"pending"`
	InProgress    int `json:"in_progress"`
	Resolved      int `json:"resolved"`
	Closed        int `json:"closed"`
	Unread        int `json:"unread"`
}
