package reports

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"libradmin/internal/api/response"
	"libradmin/internal/lib/sl"
)

type Handler struct {
	log     *slog.Logger
	service Service
}

func NewHandler(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// Routes mounts the monthly report and its export.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/monthly", h.monthly)
	r.Get("/monthly/export", h.export)
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func period(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	month, err := strconv.Atoi(q.Get("month"))
	if err != nil {
		return 0, 0, ErrInvalidPeriod
	}
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		return 0, 0, ErrInvalidPeriod
	}
	return month, year, nil
}

func (h *Handler) monthly(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.reports.monthly")

	month, year, err := period(r)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	sum, err := h.service.Summarize(r.Context(), month, year)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.OKWithData(sum))
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.reports.export")

	month, year, err := period(r)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	sum, err := h.service.Summarize(r.Context(), month, year)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}
	doc, err := h.service.Render(sum)
	if err != nil {
		response.Fail(w, r, log, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", Filename(month, year)))
	if _, err := w.Write(doc); err != nil {
		log.Warn("failed to write report", sl.Err(err))
	}
}
