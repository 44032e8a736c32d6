package accounts

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

// Routes mounts the user management endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/search", h.search)
	r.Get("/stats", h.stats)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)
		r.Patch("/status", h.changeStatus)
		r.Post("/password-reset", h.resetPassword)
		r.Get("/history", h.history)
	})
}

// AuthRoutes mounts the login endpoint.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Post("/login", h.login)
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Fail(w, r, log, ErrUserNotFound.WithMessage("user %q not found", chi.URLParam(r, "id")))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.list")

	users, err := h.service.List(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(users))
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.search")

	q := r.URL.Query()
	f := Filter{Term: q.Get("q")}
	if v := q.Get("role"); v != "" {
		role, err := ParseRole(v)
		if err != nil {
			response.Fail(w, r, log, err)
			return
		}
		f.Role = role
	}
	if v := q.Get("status"); v != "" {
		status, err := ParseStatus(v)
		if err != nil {
			response.Fail(w, r, log, err)
			return
		}
		f.Status = status
	}

	users, err := h.service.Search(r.Context(), f)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(users))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.stats")

	st, err := h.service.Stats(r.Context())
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(st))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.create")

	// Field rules belong to the engine so that their codes reach the client unchanged.
	var d Draft
	if !response.Decode(w, r, log, nil, &d) {
		return
	}

	res, err := h.service.Create(r.Context(), d)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	log.Info("user created", slog.String("user_id", res.User.ID.String()), slog.Bool("delivered", res.CredentialsDelivered))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(res))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.get")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	u, err := h.service.Get(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(u))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.update")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	var c Changes
	if !response.Decode(w, r, log, nil, &c) {
		return
	}

	u, err := h.service.Update(r.Context(), id, c)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(u))
}

type statusBody struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.change_status")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	var body statusBody
	if !response.Decode(w, r, log, h.validate, &body) {
		return
	}

	u, err := h.service.ChangeStatus(r.Context(), id, body.Status, body.Reason)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(u))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.delete")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.reset_password")

	id, ok := h.userID(w, r, log)
	if !ok {
		return
	}
	res, err := h.service.ResetPassword(r.Context(), id)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(res))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.history")

	id, ok := h.userID(w, r, log)
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

type loginBody struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.accounts.login")

	var body loginBody
	if !response.Decode(w, r, log, h.validate, &body) {
		return
	}

	u, err := h.service.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	log.Info("user logged in", slog.String("user_id", u.ID.String()))
	render.JSON(w, r, response.OKWithData(u))
}
