package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"libradmin/internal/api/response"
)

type Handler struct {
	log     *slog.Logger
	service Service
}

func NewHandler(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// Routes mounts the configuration endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.get)
	r.Put("/", h.update)
	r.Get("/history", h.history)
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.settings.get")

	snap, err := h.service.Current(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(snap))
}

type updateBody struct {
	Rules
	Version   *int   `json:"version,omitempty"`
	UpdatedBy string `json:"updated_by"`
}

// update applies the body over the rules in force, so omitted parameters keep their value.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.settings.update")

	current, err := h.service.Current(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	body := updateBody{Rules: current.Rules}
	if !response.Decode(w, r, log, nil, &body) {
		return
	}

	snap, err := h.service.Update(r.Context(), UpdateRequest{
		Rules:           body.Rules,
		UpdatedBy:       body.UpdatedBy,
		ExpectedVersion: body.Version,
	})
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	log.Info("business rules updated", slog.Int("version", snap.Version))
	render.JSON(w, r, response.OKWithData(snap))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.settings.history")

	revisions, err := h.service.History(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(revisions))
}
