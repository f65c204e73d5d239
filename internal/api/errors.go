package api

import (
	"encoding/json"
	"net/http"

	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

// statusFor maps a workflow AppError's Kind to its HTTP status.
func statusFor(kind workflow.ErrorKind) int {
	switch kind {
	case workflow.ErrValidation:
		return http.StatusBadRequest
	case workflow.ErrNotFound:
		return http.StatusNotFound
	case workflow.ErrConflict:
		return http.StatusConflict
	case workflow.ErrUnauthorized:
		return http.StatusUnauthorized
	case workflow.ErrForbidden:
		return http.StatusForbidden
	case workflow.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// writeAppError renders err as the HTTP response its AppError.Kind implies,
// falling back to 500 for errors that never were AppErrors.
func writeAppError(w http.ResponseWriter, err error) {
	kind := workflow.KindOf(err)
	writeError(w, statusFor(kind), string(kind), err.Error())
}
