package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prompthub/evalengine/pkg/services"
)

// respondServiceError maps service-layer errors to HTTP responses.
func respondServiceError(c *gin.Context, err error) {
	status, message := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error", "path", c.FullPath(), "error", err)
		message = "internal server error"
	}
	c.JSON(status, gin.H{"error": message})
}

func serviceErrorStatus(err error) (int, string) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "resource not found"
	case errors.Is(err, services.ErrNoEnabledItems),
		errors.Is(err, services.ErrLastColumnNotBoolean),
		errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrTaskAlreadyActive),
		errors.Is(err, services.ErrAlreadyExists):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
