package httpx

import (
	"errors"
	"net/http"

	"github.com/beanhouse/backoffice/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation *shared.ValidationError
		transition *shared.TransitionError
		dependency *shared.DependencyError
	)
	switch {
	case errors.As(err, &validation):
		WriteProblem(w, ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error(), Fields: validation.Fields})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &transition):
		WriteProblem(w, ProblemDetail{Title: "Invalid Transition", Status: http.StatusConflict, Detail: err.Error(), Current: transition.Current, Target: transition.Target})
	case errors.Is(err, shared.ErrInvalidOperation):
		Problem(w, http.StatusConflict, "Invalid Operation", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.As(err, &dependency):
		WriteProblem(w, ProblemDetail{Title: "Dependency Failure", Status: http.StatusServiceUnavailable, Detail: "dependency " + dependency.Dependency + " failed", Dependency: dependency.Dependency})
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
