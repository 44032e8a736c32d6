package reports

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/apperr"
)

type service struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewService(db *sql.DB) Service {
	return &service{db: db, tracer: otel.Tracer("libradmin/reports")}
}

// Fines are attributed to the month they were issued in, including the collected amount.
const summaryQuery = `
	SELECT
		(SELECT COUNT(*) FROM loans WHERE loaned_at >= $1 AND loaned_at < $2),
		(SELECT COUNT(*) FROM fines WHERE kind = 'DAMAGE' AND issued_at >= $1 AND issued_at < $2),
		(SELECT COUNT(*) FROM fines WHERE kind = 'LOSS' AND issued_at >= $1 AND issued_at < $2),
		(SELECT COUNT(*) FROM users WHERE registered_at >= $1 AND registered_at < $2),
		(SELECT COALESCE(SUM(amount), 0) FROM fines WHERE status = 'PAID' AND issued_at >= $1 AND issued_at < $2)
`

func (s *service) Summarize(ctx context.Context, month, year int) (Summary, error) {
	const op = "reports.Summarize"

	ctx, span := s.tracer.Start(ctx, "reports.summarize", trace.WithAttributes(
		attribute.Int("report.month", month),
		attribute.Int("report.year", year),
	))
	defer span.End()

	if err := validatePeriod(month, year); err != nil {
		return Summary{}, err
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	sum := Summary{Month: month, Year: year}
	err := s.db.QueryRowContext(ctx, summaryQuery, from, to).
		Scan(&sum.Loans, &sum.Damaged, &sum.Lost, &sum.NewUsers, &sum.FinesCollected)
	if err != nil {
		return Summary{}, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "could not compile monthly report")
	}
	return sum, nil
}

// Render writes the summary as a two-column CSV document headed by the period.
func (s *service) Render(sum Summary) ([]byte, error) {
	const op = "reports.Render"

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := [][]string{
		{"Reporte Mensual", fmt.Sprintf("%s/%d", MonthName(sum.Month), sum.Year)},
		{"Indicador", "Valor"},
		{"Préstamos realizados", strconv.Itoa(sum.Loans)},
		{"Libros dañados", strconv.Itoa(sum.Damaged)},
		{"Libros perdidos", strconv.Itoa(sum.Lost)},
		{"Nuevos usuarios", strconv.Itoa(sum.NewUsers)},
		{"Multas recaudadas", strconv.FormatInt(sum.FinesCollected, 10)},
	}
	if err := w.WriteAll(records); err != nil {
		return nil, apperr.Internal(fmt.Errorf("%s: %w", op, err))
	}
	return buf.Bytes(), nil
}
