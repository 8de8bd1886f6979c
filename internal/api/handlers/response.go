package handlers

import (
	"errors"
	"net/http"

	"balagruha-offline-sync/internal/api/middleware"
	"balagruha-offline-sync/internal/core/apperror"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
}

var errorMessages = map[apperror.Code]string{
	apperror.CodeValidation:   "error_validation",
	apperror.CodeNotFound:     "error_not_found",
	apperror.CodeDatabase:     "error_database",
	apperror.CodeTransmission: "error_transmission",
	apperror.CodeResolution:   "error_resolution",
	apperror.CodeConflict:     "error_conflict",
	apperror.CodeInternal:     "error_internal",
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperror.Code) int {
	switch code {
	case apperror.CodeValidation:
		return http.StatusBadRequest
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeTransmission, apperror.CodeResolution:
		return http.StatusBadGateway
	case apperror.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, status int, data interface{}, messageID string, tmpl map[string]interface{}) {
	c.JSON(status, Envelope{
		Success: true,
		Data:    data,
		Message: middleware.T(c, messageID, tmpl),
	})
}

func respondError(c *gin.Context, err error) {
	code := apperror.CodeOf(err)
	status := StatusFor(code)

	detail := err.Error()
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		detail = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Errorf("%s %s failed", c.Request.Method, c.Request.URL.Path)
	}

	c.JSON(status, Envelope{
		Success: false,
		Message: middleware.T(c, errorMessages[code], map[string]interface{}{"Detail": detail}),
		Code:    string(code),
	})
}
