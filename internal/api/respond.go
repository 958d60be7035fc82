package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
)

// Error kinds of the REST error body.
const (
	KindBadRequest            = "bad_request"
	KindDependencyUnavailable = "dependency_unavailable"
	KindInternal              = "internal_error"
)

// ErrorBody is returned by every failing REST call.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// requestError is a classified handler failure.
type requestError struct {
	status int
	kind   string
	detail string
}

func (e *requestError) Error() string { return e.kind + ": " + e.detail }

func badRequest(format string, args ...any) *requestError {
	return &requestError{http.StatusBadRequest, KindBadRequest, fmt.Sprintf(format, args...)}
}

func unavailable(format string, args ...any) *requestError {
	return &requestError{http.StatusServiceUnavailable, KindDependencyUnavailable, fmt.Sprintf(format, args...)}
}

func internal(format string, args ...any) *requestError {
	return &requestError{http.StatusInternalServerError, KindInternal, fmt.Sprintf(format, args...)}
}

func writeError(w http.ResponseWriter, e *requestError) {
	writeJSONWithStatus(w, ErrorBody{Error: e.kind, Detail: e.detail}, e.status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

type detectRequest struct {
	Image      string   `json:"image"`
	Confidence *float64 `json:"confidence"`
}

// readFrame parses a {image, confidence?} body and decodes the image.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) (*imaging.Frame, float64, *requestError) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, 0, badRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, 0, badRequest("invalid JSON body: %v", err)
	}
	if req.Image == "" {
		return nil, 0, badRequest("field 'image' is required")
	}

	confidence := s.cfg.DefaultConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, 0, badRequest("confidence must be between 0 and 1, got %g", confidence)
	}

	frame, err := imaging.DecodeBase64(req.Image, s.cfg.MaxImageBytes)
	if err != nil {
		return nil, 0, badRequest("%v", err)
	}
	return frame, confidence, nil
}
