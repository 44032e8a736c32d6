package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/apperr"
	"libradmin/internal/database"
	"libradmin/internal/lib/sl"
)

// service implements the Service interface.
type service struct {
	db     *sql.DB
	cache  Cache
	log    *slog.Logger
	tracer trace.Tracer
}

// NewService creates the catalog service. cache may be nil, in which case every read goes to
// the database.
func NewService(db *sql.DB, cache Cache, log *slog.Logger) Service {
	return &service{
		db:     db,
		cache:  cache,
		log:    log,
		tracer: otel.Tracer("libradmin/catalog"),
	}
}

const materialColumns = `id, title, author, publisher, category, value, isbn`

func scanMaterial(row interface{ Scan(...any) error }, m *Material) error {
	return row.Scan(&m.ID, &m.Title, &m.Author, &m.Publisher, &m.Category, &m.Value, &m.ISBN)
}

// Get retrieves a material by its ID.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*Material, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get", trace.WithAttributes(attribute.String("material.id", id.String())))
	defer span.End()

	key := "catalog:material:" + id.String()
	var m Material
	if s.cached(ctx, key, &m) {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return &m, nil
	}

	err := scanMaterial(s.db.QueryRowContext(ctx,
		`SELECT `+materialColumns+` FROM materials WHERE id = $1`, id,
	), &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMaterialNotFound
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("catalog.Get: %w", err), "material catalog unavailable")
	}

	s.store(ctx, key, m)
	return &m, nil
}

// List returns the whole catalog ordered by title.
func (s *service) List(ctx context.Context) ([]Material, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list")
	defer span.End()

	const key = "catalog:list"
	var items []Material
	if s.cached(ctx, key, &items) {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return items, nil
	}

	items, err := s.query(ctx, "catalog.List", `SELECT `+materialColumns+` FROM materials ORDER BY title`)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, items)
	return items, nil
}

// Search matches term case-insensitively against title, author and ISBN. Terms shorter than
// MinSearchTerm return no hits.
func (s *service) Search(ctx context.Context, term string) ([]Material, error) {
	term = strings.TrimSpace(term)
	ctx, span := s.tracer.Start(ctx, "catalog.search", trace.WithAttributes(attribute.String("search.term", term)))
	defer span.End()

	if len([]rune(term)) < MinSearchTerm {
		return []Material{}, nil
	}

	key := "catalog:search:" + strings.ToLower(term)
	var items []Material
	if s.cached(ctx, key, &items) {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return items, nil
	}

	items, err := s.query(ctx, "catalog.Search", `
		SELECT `+materialColumns+`
		FROM materials
		WHERE title ILIKE $1 OR author ILIKE $1 OR isbn ILIKE $1
		ORDER BY title
		LIMIT $2
	`, database.ContainsPattern(term), SearchLimit)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("search.hits", len(items)))
	s.store(ctx, key, items)
	return items, nil
}

func (s *service) query(ctx context.Context, op, query string, args ...any) ([]Material, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "material catalog unavailable")
	}
	defer rows.Close()

	items := make([]Material, 0)
	for rows.Next() {
		var m Material
		if err := scanMaterial(rows, &m); err != nil {
			return nil, apperr.Dependency(fmt.Errorf("%s: scan: %w", op, err), "material catalog unavailable")
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(fmt.Errorf("%s: %w", op, err), "material catalog unavailable")
	}
	return items, nil
}

// cached reads key into dst. Cache failures are logged and treated as misses.
func (s *service) cached(ctx context.Context, key string, dst any) bool {
	if s.cache == nil {
		return false
	}
	found, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.log.Warn("catalog cache read failed", slog.String("key", key), sl.Err(err))
		return false
	}
	return found
}

func (s *service) store(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.log.Warn("catalog cache write failed", slog.String("key", key), sl.Err(err))
	}
}
