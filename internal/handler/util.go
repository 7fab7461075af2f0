// Package handler implements the HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// maxBodyBytes bounds request bodies; message bodies are far smaller.
const maxBodyBytes = 64 << 10

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps a service error onto its HTTP status.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: model.Retryable(err),
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	code := model.Code(err)
	switch code {
	case "unauthorized":
		return http.StatusUnauthorized, code
	case "blocked":
		return http.StatusForbidden, code
	case "invalid_request":
		return http.StatusBadRequest, code
	case "not_found":
		return http.StatusNotFound, code
	case "conflict":
		return http.StatusConflict, code
	case "unavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched when optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

// uintParam parses an optional unsigned query parameter.
func uintParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, model.Validationf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// limitParam parses limit; zero lets the store apply its default.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, model.Validationf("limit must be a non-negative integer")
	}
	return v, nil
}
