package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/service"
)

// ApiResponse is the envelope of every JSON response.
type ApiResponse struct {
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	Data      any               `json:"data"`
	Errors    map[string]string `json:"errors,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// CountResponse is the payload of GET /vectors/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, resp ApiResponse) {
	resp.Code = status
	resp.Timestamp = time.Now().UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, ApiResponse{Message: "success", Data: data})
}

func writeInvalid(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, ApiResponse{Message: "validation failed", Errors: fields})
}

// writeError maps err to a status code and writes the error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ApiResponse{Message: err.Error()}

	var verr *service.ValidationError
	if errors.As(err, &verr) {
		resp.Message = "validation failed"
		resp.Errors = verr.Fields
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrCollectionNotReady), errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrEmbeddingUnavailable), errors.Is(err, core.ErrEmbeddingFormat):
		return http.StatusBadGateway
	case core.IsInvalidInput(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body into v. Failures are reported on the
// "body" field.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalid(w, map[string]string{"body": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}
