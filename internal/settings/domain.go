package settings

import (
	"time"

	"github.com/google/uuid"
)

// Rules is the full set of tunable business-rule parameters. The JSON names are the ones the
// front office has always used.
type Rules struct {
	FirstDelayFine              int64 `json:"multa_primer_retraso" validate:"gte=0"`
	RepeatDelayFine             int64 `json:"multa_reincidente" validate:"gte=0"`
	DailyIncrement              int64 `json:"incremento_por_dia" validate:"gte=0"`
	DamageFineMin               int64 `json:"multa_dano_min" validate:"gte=0"`
	DamageFineMax               int64 `json:"multa_dano_max" validate:"gte=0"`
	MembershipCost              int64 `json:"costo_membresia" validate:"gte=0"`
	RenewalDays                 int   `json:"dias_renovacion" validate:"gte=0"`
	LoanLimitWithoutMembership  int   `json:"limite_prestamos_sin_membresia" validate:"gte=0"`
	LoanLimitWithMembership     int   `json:"limite_prestamos_con_membresia" validate:"gte=0"`
	SuspensionDays              int   `json:"dias_suspension" validate:"gte=0"`
	LostMaterialsBlockThreshold int   `json:"libros_perdidos_bloqueo" validate:"gte=1"`
	UnpaidMonthsBlock           int   `json:"meses_sin_pago_bloqueo" validate:"gte=1"`
}

// Defaults is what every read returns before the first update.
func Defaults() Rules {
	return Rules{
		FirstDelayFine:              500,
		RepeatDelayFine:             700,
		DailyIncrement:              50,
		DamageFineMin:               1000,
		DamageFineMax:               3000,
		MembershipCost:              50,
		RenewalDays:                 5,
		LoanLimitWithoutMembership:  1,
		LoanLimitWithMembership:     3,
		SuspensionDays:              15,
		LostMaterialsBlockThreshold: 5,
		UnpaidMonthsBlock:           3,
	}
}

// Snapshot is the rule set in force together with its version. Version 0 means defaults.
type Snapshot struct {
	Rules     Rules      `json:"rules"`
	Version   int        `json:"version"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Revision is one entry of the update history.
type Revision struct {
	ID        int64     `json:"id"`
	Rules     Rules     `json:"rules"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateRequest replaces the whole rule set. ExpectedVersion, when set, must match the version
// in force or the update is refused.
type UpdateRequest struct {
	Rules           Rules
	UpdatedBy       string
	ExpectedVersion *int
}

// RulesUpdatedEvent is journaled for every accepted update.
type RulesUpdatedEvent struct {
	Previous  Rules  `json:"previous"`
	Current   Rules  `json:"current"`
	UpdatedBy string `json:"updated_by"`
}

// aggregateID is the fixed journal identity of the singleton rule set.
var aggregateID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("libradmin:settings"))

// HistoryLimit is how many revisions History returns.
const HistoryLimit = 10
