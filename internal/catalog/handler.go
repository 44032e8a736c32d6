package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"libradmin/internal/api/response"
)

type Handler struct {
	log     *slog.Logger
	service Service
}

func NewHandler(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// Routes mounts the catalog lookups.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/search", h.search)
	r.Get("/{id}", h.get)
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.catalog.list")

	items, err := h.service.List(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(items))
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.catalog.search")

	items, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(items))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.catalog.get")

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Fail(w, r, log, ErrMaterialNotFound)
		return
	}

	m, err := h.service.Get(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(m))
}
