package fines

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"libradmin/internal/accounts"
	"libradmin/internal/apperr"
	"libradmin/internal/catalog"
	"libradmin/internal/settings"
)

var (
	ErrAmountOutOfRange = apperr.Validation(apperr.CodeAmountOutOfRange, "AmountOutOfRange", "fine amount is outside the configured range")
	ErrInvalidDebtor    = apperr.Validation(apperr.CodeInvalidDebtor, "InvalidDebtor", "only active readers can be fined")
	ErrUnknownMaterial  = apperr.Validation(apperr.CodeUnknownMaterial, "UnknownMaterial", "material not found in the catalog")
	ErrInvalidKind      = apperr.Validation(apperr.CodeInvalidFineKind, "InvalidFineKind", "kind must be one of LOSS, DAMAGE, DELAY")
	// ErrNotPending covers both an absent fine and one already settled. The guarded update
	// cannot tell them apart.
	ErrNotPending       = apperr.NotFound(apperr.CodeNotFoundOrNotPending, "NotFoundOrNotPending", "fine not found or no longer pending")
)

// transitions lists the statuses a fine may move to. PAID and CANCELLED are terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
}

// Decision is the outcome of a block check. Reason and Detail are what the block and its
// sanction record.
type Decision struct {
	Block  bool
	Reason string
	Detail string
}

// Engine holds the fine rules. It performs no I/O.
type Engine struct{}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindLoss, KindDamage, KindDelay:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}

// ValidateIssue checks the amount against the configured bounds, both inclusive, then the
// debtor, then the material. A nil debtor or material means it does not exist.
func (e Engine) ValidateIssue(amount int64, debtor *accounts.User, material *catalog.Material, r settings.Rules) error {
	if err := e.CheckAmount(amount, r); err != nil {
		return err
	}
	if debtor == nil || debtor.Role != accounts.RoleReader || debtor.Status != accounts.StatusActive {
		return ErrInvalidDebtor
	}
	if material == nil {
		return ErrUnknownMaterial
	}
	return nil
}

// CheckAmount is the part of ValidateIssue that needs no lookups.
func (Engine) CheckAmount(amount int64, r settings.Rules) error {
	if amount < r.DamageFineMin || amount > r.DamageFineMax {
		return ErrAmountOutOfRange.WithMessage("fine amount must be between %d and %d", r.DamageFineMin, r.DamageFineMax)
	}
	return nil
}

// DecideAutoBlock looks at the counters after the fine was added.
func (Engine) DecideAutoBlock(c accounts.Counters, r settings.Rules) Decision {
	if c.LostMaterials < r.LostMaterialsBlockThreshold {
		return Decision{}
	}
	return Decision{
		Block:  true,
		Reason: fmt.Sprintf("Bloqueo automático por acumular %d materiales perdidos", r.LostMaterialsBlockThreshold),
		Detail: fmt.Sprintf("Usuario bloqueado automáticamente por acumular %d materiales perdidos. Pérdidas actuales: %d",
			r.LostMaterialsBlockThreshold, c.LostMaterials),
	}
}

// DecideOverdueBlock blocks a reader whose oldest pending fine is at least UnpaidMonthsBlock
// months old.
func (Engine) DecideOverdueBlock(oldestPending, now time.Time, r settings.Rules) Decision {
	cutoff := now.AddDate(0, -r.UnpaidMonthsBlock, 0)
	if oldestPending.After(cutoff) {
		return Decision{}
	}
	return Decision{
		Block:  true,
		Reason: fmt.Sprintf("Bloqueo automático por multas sin pagar durante %d meses", r.UnpaidMonthsBlock),
		Detail: fmt.Sprintf("Multa pendiente desde %s", oldestPending.Format("2006-01-02")),
	}
}

// ValidatePayment requires a PENDING fine. A nil fine does not exist.
func (e Engine) ValidatePayment(f *Fine) error {
	return e.validateTransition(f, StatusPaid)
}

// ValidateCancellation requires a PENDING fine. A nil fine does not exist.
func (e Engine) ValidateCancellation(f *Fine) error {
	return e.validateTransition(f, StatusCancelled)
}

func (Engine) validateTransition(f *Fine, to Status) error {
	if f == nil {
		return ErrNotPending
	}
	if !slices.Contains(transitions[f.Status], to) {
		return ErrNotPending
	}
	return nil
}
