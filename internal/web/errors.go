package web

// errors.go renders every handler error as one JSON envelope.
//
// The technical error is logged with the request id; the client receives
// the mapped user message and its code. A failed refresh also carries the
// partial run report so callers can see which stage failed.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Action    string          `json:"action,omitempty"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id,omitempty"`
	Run       *core.RunReport `json:"run,omitempty"`
}

// respondError logs err and writes the mapped user message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	resp := ErrorResponse{
		Error:     userMsg.Message,
		Message:   userMsg.Message,
		Action:    userMsg.Action,
		Code:      userMsg.Code,
		RequestID: middleware.GetReqID(r.Context()),
	}
	var stageErr *core.StageError
	if errors.As(err, &stageErr) {
		resp.Run = stageErr.Report
	}
	writeJSON(w, statusCode, resp)
}

// respondErrorJSON writes msg without logging; middleware uses it.
func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	var (
		cfgErr  *core.ConfigurationError
		connErr *core.ConnectivityError
	)
	switch {
	case errors.Is(err, core.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrInvalidQuery),
		errors.Is(err, core.ErrUnknownColumn),
		errors.Is(err, core.ErrUnknownTable),
		errors.Is(err, core.ErrConfirmationRequired),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
