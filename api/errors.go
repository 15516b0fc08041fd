package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const (
	detailTaskNotFound    = "Task not found"
	detailSessionNotFound = "Session not found"
	detailGuestNotFound   = "Request not found, please check and enter again"
	detailUnauthenticated = "Could not validate credentials"
	detailInternal        = "Internal server error"
)

type errorResponse struct {
	Detail string            `json:"detail"`
	Errors map[string]string `json:"errors,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// writeError renders err as a JSON error body. notFound is the detail used
// for domain.ErrNotFound.
func writeError(c echo.Context, err error, notFound string) error {
	status, body := errorBody(err, notFound)
	if status >= http.StatusInternalServerError {
		metricsFrom(c).SetErrorStage("internal")
	}
	metricsFrom(c).SetError(err)
	if status == http.StatusUnauthorized {
		c.Response().Header().Set("WWW-Authenticate", "Bearer")
	}
	return c.JSON(status, body)
}

func errorBody(err error, notFound string) (int, errorResponse) {
	var verr *domain.ValidationError
	var inactive *domain.InactiveError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorResponse{Detail: "Validation failed", Errors: verr.Fields}
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorResponse{Detail: sentence(err.Error())}
	case errors.Is(err, domain.ErrUnauthenticated),
		errors.Is(err, errMissingAuthorization),
		errors.Is(err, errBadAuthorization):
		return http.StatusUnauthorized, errorResponse{Detail: detailUnauthenticated}
	case errors.As(err, &inactive):
		return http.StatusForbidden, errorResponse{Detail: inactive.Error()}
	case errors.Is(err, domain.ErrInactiveUser), errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Detail: "Not enough permissions"}
	case errors.Is(err, domain.ErrNotFound):
		if notFound == "" {
			notFound = "Not found"
		}
		return http.StatusNotFound, errorResponse{Detail: notFound}
	case errors.Is(err, domain.ErrInvalidCustomID):
		return http.StatusBadRequest, errorResponse{Detail: err.Error()}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusBadRequest, errorResponse{Detail: sentence(strings.TrimPrefix(err.Error(), domain.ErrConflict.Error()+": "))}
	default:
		return http.StatusInternalServerError, errorResponse{Detail: detailInternal}
	}
}

// sentence capitalizes the first letter of msg.
func sentence(msg string) string {
	if msg == "" {
		return msg
	}
	r := []rune(msg)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// httpErrorHandler renders errors that escape handlers, including echo's own
// routing and binding errors, in the same shape as writeError.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			detail = msg
		}
		metricsFrom(c).SetError(err)
		_ = c.JSON(he.Code, errorResponse{Detail: detail})
		return
	}
	_ = writeError(c, err, "")
}
