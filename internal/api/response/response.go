// Package response is the JSON envelope every endpoint answers with.
package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"libradmin/internal/apperr"
	"libradmin/internal/lib/sl"
)

type Response struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

const (
	StatusOK    = "OK"
	StatusError = "Error"
)

func OK() Response {
	return Response{Status: StatusOK}
}

func OKWithData(data any) Response {
	return Response{Status: StatusOK, Data: data}
}

// FromError turns a typed failure into an error envelope.
func FromError(e *apperr.Error) Response {
	return Response{
		Status: StatusError,
		Code:   string(e.Code),
		Reason: e.Reason,
		Error:  e.Message,
	}
}

func ValidationError(errs validator.ValidationErrors) Response {
	var msgs []string
	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "uuid", "uuid4":
			msgs = append(msgs, fmt.Sprintf("field %s must be a uuid", err.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("field %s must be one of [%s]", err.Field(), err.Param()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("field %s must be at least %s", err.Field(), err.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("field %s must be at most %s", err.Field(), err.Param()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("field %s must be an email address", err.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is not valid", err.Field()))
		}
	}
	return Response{
		Status: StatusError,
		Code:   string(apperr.CodeBadRequest),
		Reason: "ValidationFailed",
		Error:  strings.Join(msgs, ", "),
	}
}

// Fail writes err with the status its kind maps to. Dependency and internal failures are
// logged with their cause, which never reaches the client.
func Fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e := apperr.From(err)
	status := apperr.HTTPStatus(e)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("code", string(e.Code)), sl.Err(err))
	} else {
		log.Info("request rejected", slog.String("code", string(e.Code)), slog.String("reason", e.Reason))
	}
	render.Status(r, status)
	render.JSON(w, r, FromError(e))
}

// Decode reads a JSON body into dst and validates it when v is not nil. It writes the failure
// response itself and reports whether the caller may continue.
func Decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, v *validator.Validate, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "empty request body"
		}
		log.Info("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, FromError(apperr.Validation(apperr.CodeBadRequest, "BadRequest", msg)))
		return false
	}

	if v == nil {
		return true
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			log.Info("validation failed", sl.Err(err))
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ValidationError(verrs))
			return false
		}
		Fail(w, r, log, err)
		return false
	}
	return true
}
