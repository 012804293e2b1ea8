// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// errorCode returns the engine error kind as a wire code.
func errorCode(err error) string {
	return string(enginerr.KindOf(err))
}

// writeEngineError maps a typed engine error onto the HTTP surface.
func writeEngineError(w http.ResponseWriter, err error) {
	var engErr *enginerr.Error
	if !errors.As(err, &engErr) {
		writeError(w, http.StatusInternalServerError, string(enginerr.KindInternal), "internal error")
		return
	}

	status := http.StatusInternalServerError
	message := engErr.Message
	switch engErr.Kind {
	case enginerr.KindNotFound:
		status = http.StatusNotFound
	case enginerr.KindInvalidState:
		status = http.StatusConflict
	case enginerr.KindUnauthorized:
		status = http.StatusForbidden
	case enginerr.KindValidation:
		status = http.StatusBadRequest
	case enginerr.KindProviderUnavailable, enginerr.KindProviderTimeout:
		status = http.StatusBadGateway
		message = "generation backend unavailable"
	case enginerr.KindContentRejected:
		status = http.StatusUnprocessableEntity
		message = "content rejected"
	case enginerr.KindCapacityExceeded:
		status = http.StatusTooManyRequests
	default:
		message = "internal error"
	}
	writeError(w, status, string(engErr.Kind), message)
}
