package fines

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"libradmin/internal/accounts"
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

// Routes mounts the fine ledger endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.issue)
	r.Get("/stats", h.stats)
	r.Get("/users/{userID}", h.listByUser)
	r.Get("/users/{userID}/sanctions", h.sanctions)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/pay", h.pay)
		r.Patch("/cancel", h.cancel)
		r.Get("/history", h.history)
	})
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func (h *Handler) fineID(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Fail(w, r, log, ErrNotPending)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.Fail(w, r, log, accounts.ErrUserNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.issue")

	var req IssueRequest
	if !response.Decode(w, r, log, h.validate, &req) {
		return
	}

	res, err := h.service.Issue(r.Context(), req)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(res))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.list")

	list, err := h.service.List(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(list))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.stats")

	st, err := h.service.Stats(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(st))
}

func (h *Handler) listByUser(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.list_by_user")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	view, err := h.service.ListByUser(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(view))
}

func (h *Handler) sanctions(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.sanctions")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	list, err := h.service.Sanctions(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(list))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.get")

	id, ok := h.fineID(w, r, log)
	if !ok {
		return
	}
	f, err := h.service.Get(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(f))
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.pay")

	id, ok := h.fineID(w, r, log)
	if !ok {
		return
	}
	f, err := h.service.Pay(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(f))
}

type cancelBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.cancel")

	id, ok := h.fineID(w, r, log)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 && !response.Decode(w, r, log, h.validate, &body) {
		return
	}

	f, err := h.service.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(f))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.fines.history")

	id, ok := h.fineID(w, r, log)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(events))
}
