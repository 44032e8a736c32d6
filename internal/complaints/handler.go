package complaints

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"libradmin/internal/api/response"
)

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

func NewHandler(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service, validate: validator.New()}
}

// Routes mounts the complaint tracker.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/stats", h.stats)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.delete)
		r.Put("/response", h.respond)
		r.Patch("/status", h.setStatus)
		r.Patch("/read", h.markRead)
	})
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func (h *Handler) id(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Fail(w, r, log, ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.list")

	items, err := h.service.List(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(items))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.create")

	var req CreateRequest
	if !response.Decode(w, r, log, h.validate, &req) {
		return
	}

	c, err := h.service.Create(r.Context(), req)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(c))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.stats")

	st, err := h.service.Stats(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(st))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.get")

	id, ok := h.id(w, r, log)
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(c))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.delete")

	id, ok := h.id(w, r, log)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.respond")

	id, ok := h.id(w, r, log)
	if !ok {
		return
	}
	var body struct {
		Response string `json:"response" validate:"required,max=4000"`
	}
	if !response.Decode(w, r, log, h.validate, &body) {
		return
	}

	c, err := h.service.Respond(r.Context(), id, body.Response)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(c))
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.set_status")

	id, ok := h.id(w, r, log)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !response.Decode(w, r, log, nil, &body) {
		return
	}

	if err := h.service.SetStatus(r.Context(), id, body.Status); err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.complaints.mark_read")

	id, ok := h.id(w, r, log)
	if !ok {
		return
	}
	var body struct {
		Read *bool `json:"read" validate:"required"`
	}
	if !response.Decode(w, r, log, h.validate, &body) {
		return
	}

	if err := h.service.MarkRead(r.Context(), id, *body.Read); err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OK())
}
