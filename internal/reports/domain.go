package reports

import (
	"fmt"

	"libradmin/internal/apperr"
)

var ErrInvalidPeriod = apperr.Validation(apperr.CodeBadRequest, "InvalidPeriod", "month and year are required")

// Summary aggregates one calendar month of activity.
type Summary struct {
	Month          int   `json:"month"`
	Year           int   `json:"year"`
	Loans          int   `json:"loans"`
	Damaged        int   `json:"damaged"`
	Lost           int   `json:"lost"`
	NewUsers       int   `json:"new_users"`
	FinesCollected int64 `json:"fines_collected"`
}

var monthNames = [...]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

// MonthName returns the Spanish name of month, or "Desconocido" outside 1..12.
func MonthName(month int) string {
	if month < 1 || month > 12 {
		return "Desconocido"
	}
	return monthNames[month-1]
}

// Filename is the attachment name of an exported summary.
func Filename(month, year int) string {
	return fmt.Sprintf("reporte-%d-%d.csv", month, year)
}

func validatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return ErrInvalidPeriod.WithMessage("month must be between 1 and 12, got %d", month)
	}
	if year < 1900 || year > 9999 {
		return ErrInvalidPeriod.WithMessage("year %d is out of range", year)
	}
	return nil
}
