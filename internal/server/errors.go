package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/contact-extractor/internal/pipeline"
)

// ErrValidation indicates a malformed request parameter.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates a missing resource.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// HTTPStatus returns the HTTP status code for an error.
func HTTPStatus(err error) int {
	var (
		verr *ErrValidation
		nerr *ErrNotFound
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
