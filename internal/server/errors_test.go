package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/contact-extractor/internal/pipeline"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &ErrValidation{Field: "date_from", Message: "bad"}, http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("query: %w", &ErrValidation{Field: "x"}), http.StatusBadRequest},
		{"not found", &ErrNotFound{Resource: "run", ID: "1"}, http.StatusNotFound},
		{"run active", fmt.Errorf("start: %w", pipeline.ErrRunActive), http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation error: date_to - must be YYYY-MM-DD", (&ErrValidation{Field: "date_to", Message: "must be YYYY-MM-DD"}).Error())
	assert.Equal(t, "run not found: abc", (&ErrNotFound{Resource: "run", ID: "abc"}).Error())
}
