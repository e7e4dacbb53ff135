package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func requestLogger(r *http.Request) *slog.Logger {
	logger := slog.Default().With("component", "http", "method", r.Method, "path", r.URL.Path)
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

// InternalError logs err and returns a generic 500 to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestLogger(r).Error(message, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestLogger(r).Warn("bad request", "error", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

func NotFoundError(w http.ResponseWriter, r *http.Request, clientMessage string) {
	requestLogger(r).Debug("not found", "reason", clientMessage)
	http.Error(w, clientMessage, http.StatusNotFound)
}

func LogError(r *http.Request, message string, err error) {
	requestLogger(r).Error(message, "error", err)
}

func LogInfo(r *http.Request, message string, args ...any) {
	requestLogger(r).Info(message, args...)
}
