package accounts

import (
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"libradmin/internal/apperr"
)

var (
	ErrMissingFields     = apperr.Validation(apperr.CodeMissingFields, "MissingFields", "required fields missing")
	ErrInvalidEmail      = apperr.Validation(apperr.CodeInvalidEmail, "InvalidEmail", "email address is not valid")
	ErrInvalidRole       = apperr.Validation(apperr.CodeInvalidRole, "InvalidRole", "role must be one of ADMIN, LIBRARIAN, READER")
	ErrInvalidStatus     = apperr.Validation(apperr.CodeInvalidStatus, "InvalidStatus", "status must be one of ACTIVE, INACTIVE, BLOCKED")
	ErrDuplicateEmail    = apperr.Conflict(apperr.CodeDuplicateEmail, "DuplicateEmail", "email address already registered")
	ErrAdminLimitReached = apperr.Conflict(apperr.CodeAdminLimitReached, "AdminLimitReached", "the limit of 2 active administrators has been reached")
	ErrUserNotFound      = apperr.NotFound(apperr.CodeUserNotFound, "UserNotFound", "user not found")
	ErrBadCredentials    = apperr.Validation(apperr.CodeBadCredentials, "BadCredentials", "invalid email or password")
	ErrAccountLocked     = apperr.Conflict(apperr.CodeAccountLocked, "AccountNotActive", "account is not active")
	ErrRateLimited       = apperr.Validation(apperr.CodeRateLimited, "RateLimited", "too many attempts, try again later")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const passwordSymbols = "!@#$%&*"

// Facts are the directory reads a creation depends on. The caller gathers them under whatever
// lock makes them stable.
type Facts struct {
	EmailTaken   bool
	ActiveAdmins int
}

// statusTransitions lists the statuses reachable from each status. Every move is allowed;
// activating an administrator is additionally subject to the admin ceiling.
var statusTransitions = map[Status][]Status{
	StatusActive:   {StatusActive, StatusInactive, StatusBlocked},
	StatusInactive: {StatusActive, StatusInactive, StatusBlocked},
	StatusBlocked:  {StatusActive, StatusInactive, StatusBlocked},
}

// Engine holds the account rules. It performs no I/O.
type Engine struct {
	intN func(n int) int
}

func NewEngine() Engine {
	return Engine{intN: rand.IntN}
}

// NewEngineWithRand fixes the randomness used for temporary passwords.
func NewEngineWithRand(intN func(n int) int) Engine {
	return Engine{intN: intN}
}

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleLibrarian, RoleReader:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusTransitions[st]; !ok {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// DefaultMembership is false for readers, who pay for it, and true for staff.
func DefaultMembership(r Role) bool {
	return r != RoleReader
}

// CheckDraft validates the shape of a creation request without any directory facts.
func (e Engine) CheckDraft(d Draft) error {
	var missing []string
	if strings.TrimSpace(d.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(d.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(d.Role) == "" {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return ErrMissingFields.WithMessage("required fields missing: %s", strings.Join(missing, ", "))
	}
	if !emailPattern.MatchString(strings.TrimSpace(d.Email)) {
		return ErrInvalidEmail
	}
	if _, err := ParseRole(d.Role); err != nil {
		return err
	}
	return nil
}

// ValidateCreate applies every creation rule and, on success, returns the temporary password
// for the new account.
func (e Engine) ValidateCreate(d Draft, f Facts) (string, error) {
	if err := e.CheckDraft(d); err != nil {
		return "", err
	}
	if f.EmailTaken {
		return "", ErrDuplicateEmail
	}
	role, _ := ParseRole(d.Role)
	if role == RoleAdmin && f.ActiveAdmins >= MaxActiveAdmins {
		return "", ErrAdminLimitReached
	}
	return e.TemporaryPassword(d.Name), nil
}

// ValidateRoleChange re-checks the ceiling only when a non-admin becomes an admin.
// activeAdmins must not count u itself.
func (e Engine) ValidateRoleChange(u User, newRole Role, activeAdmins int) error {
	if newRole == RoleAdmin && u.Role != RoleAdmin && activeAdmins >= MaxActiveAdmins {
		return ErrAdminLimitReached
	}
	return nil
}

// ValidateStatusChange checks the transition table and, when an administrator is being
// activated, the ceiling. u.Role must be the role the user will hold after the change and
// activeAdmins must not count u itself.
func (e Engine) ValidateStatusChange(u User, newStatus Status, activeAdmins int) error {
	allowed, ok := statusTransitions[u.Status]
	if !ok || !slices.Contains(allowed, newStatus) {
		return ErrInvalidStatus.WithMessage("status cannot change from %s to %s", u.Status, newStatus)
	}
	if newStatus == StatusActive && u.Role == RoleAdmin && activeAdmins >= MaxActiveAdmins {
		return ErrAdminLimitReached
	}
	return nil
}

// ValidateEmailChange only applies when the address actually changes. takenByOther must not
// consider u's own row.
func (e Engine) ValidateEmailChange(u User, newEmail string, takenByOther bool) error {
	if newEmail == "" || newEmail == u.Email {
		return nil
	}
	if !emailPattern.MatchString(newEmail) {
		return ErrInvalidEmail
	}
	if takenByOther {
		return ErrDuplicateEmail
	}
	return nil
}

// TemporaryPassword is the first four letters of the name in lower case, a number in
// [100, 999] and one symbol from passwordSymbols.
func (e Engine) TemporaryPassword(name string) string {
	base := []rune(strings.ToLower(strings.TrimSpace(name)))
	if len(base) > 4 {
		base = base[:4]
	}
	number := 100 + e.intN(900)
	symbol := passwordSymbols[e.intN(len(passwordSymbols))]
	return string(base) + strconv.Itoa(number) + string(symbol)
}
