package catalog

import (
	"github.com/google/uuid"

	"libradmin/internal/apperr"
)

// Material is a catalog entry. The catalog is maintained elsewhere and is read-only here.
type Material struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Publisher string    `json:"publisher,omitempty"`
	Category  string    `json:"category,omitempty"`
	Value     int64     `json:"value"`
	ISBN      string    `json:"isbn,omitempty"`
}

const (
	// SearchLimit caps the number of search hits.
	SearchLimit = 20
	// MinSearchTerm is the shortest term that reaches the database.
	MinSearchTerm = 2
)

var ErrMaterialNotFound = apperr.NotFound(apperr.CodeMaterialNotFound, "MaterialNotFound", "material not found")
