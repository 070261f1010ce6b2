package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prompthub/evalengine/pkg/services"
)

func TestServiceErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", services.NewValidationError("name", "name is required"), http.StatusBadRequest},
		{"not found", services.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("loading pipeline: %w", services.ErrNotFound), http.StatusNotFound},
		{"no enabled items", services.ErrNoEnabledItems, http.StatusBadRequest},
		{"last column not boolean", services.ErrLastColumnNotBoolean, http.StatusBadRequest},
		{"task already active", services.ErrTaskAlreadyActive, http.StatusConflict},
		{"already exists", services.ErrAlreadyExists, http.StatusConflict},
		{"unexpected", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := serviceErrorStatus(tt.err)
			assert.Equal(t, tt.want, status)
		})
	}
}
