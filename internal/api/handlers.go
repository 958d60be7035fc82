package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/aggregator"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/compliance"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/format"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
)

const msgPPEUnavailable = "PPE detection service is unavailable"

func (s *Server) scope(w http.ResponseWriter) *logger.Scoped {
	return logger.Scope("API", logger.Fields{"request": w.Header().Get("X-Request-ID")})
}

// begin counts the request and parses its frame.
func (s *Server) begin(w http.ResponseWriter, r *http.Request) (*imaging.Frame, float64, bool) {
	s.metrics.RESTRequests.Add(1)
	s.metrics.FramesReceived.Add(1)

	frame, confidence, rerr := s.readFrame(w, r)
	if rerr != nil {
		s.metrics.FramesRejected.Add(1)
		s.scope(w).Debug("Rejected %s: %s", r.URL.Path, rerr.detail)
		writeError(w, rerr)
		return nil, 0, false
	}
	return frame, confidence, true
}

// requirePPE probes the PPE detector and answers 503 when it is down.
func (s *Server) requirePPE(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Health.IsAvailable(r.Context()) {
		return true
	}
	writeError(w, unavailable(msgPPEUnavailable))
	return false
}

func (s *Server) handleDetectPose(w http.ResponseWriter, r *http.Request) {
	frame, confidence, ok := s.begin(w, r)
	if !ok {
		return
	}

	persons, err := s.deps.Detector.DetectPose(r.Context(), frame, confidence)
	if err != nil {
		// counted by PoseErrors in the aggregator, not InternalErrors
		s.scope(w).Error("Pose detection failed: %v", err)
		writeError(w, internal("%v", err))
		return
	}

	writeJSON(w, map[string]any{
		"success":       true,
		"total_persons": len(persons),
		"persons":       persons,
		"image_width":   frame.Width,
		"image_height":  frame.Height,
		"timestamp":     s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleDetectPPE(w http.ResponseWriter, r *http.Request) {
	frame, confidence, ok := s.begin(w, r)
	if !ok || !s.requirePPE(w, r) {
		return
	}

	resp, err := s.deps.Detector.DetectPPE(r.Context(), frame, confidence)
	if err != nil {
		writeError(w, unavailable("%s: %v", msgPPEUnavailable, err))
		return
	}

	counts := compliance.CountDetections(resp.Detections)
	byCategory := make(map[string]int, len(compliance.Categories))
	for _, c := range compliance.Categories {
		byCategory[string(c)] = counts[c]
	}
	writeJSON(w, map[string]any{
		"success":          true,
		"total_detections": len(resp.Detections),
		"detections":       resp.Detections,
		"by_category":      byCategory,
		"summary":          resp.Summary,
		"timestamp":        s.now().UTC().Format(time.RFC3339Nano),
	})
}

// evaluate runs both detectors and the validator, then publishes the verdict.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) (*imaging.Frame, *aggregator.Aggregate, compliance.Result, bool) {
	frame, confidence, ok := s.begin(w, r)
	if !ok || !s.requirePPE(w, r) {
		return nil, nil, compliance.Result{}, false
	}

	start := time.Now()
	agg, err := s.deps.Detector.Aggregate(r.Context(), frame, confidence)
	if err != nil {
		// pose failures are already counted by PoseErrors
		if !errors.Is(err, aggregator.ErrPose) {
			s.metrics.InternalErrors.Add(1)
		}
		s.scope(w).Error("Detection failed: %v", err)
		writeError(w, internal("%v", err))
		return nil, nil, compliance.Result{}, false
	}

	res := compliance.Validate(len(agg.Persons), agg.RawDetections)
	s.metrics.UpdateProcessLatency(time.Since(start))
	s.metrics.RecordVerdict(res.Compliant)
	if s.deps.Sink != nil {
		s.deps.Sink.Publish(verdicts.New(verdicts.SourceREST, "", 0, res, agg.PPEError, s.now()))
	}
	return frame, agg, res, true
}

func (s *Server) handleDetectComplete(w http.ResponseWriter, r *http.Request) {
	_, agg, res, ok := s.evaluate(w, r)
	if !ok {
		return
	}
	writeJSON(w, format.Detailed(agg.Persons, agg.RawDetections, res, agg.PPEError, s.now()))
}

func (s *Server) handleDetectCompleteImage(w http.ResponseWriter, r *http.Request) {
	frame, agg, res, ok := s.evaluate(w, r)
	if !ok {
		return
	}

	data, err := imaging.AnnotateJPEG(frame.Image, agg.Persons, agg.RawDetections)
	if err != nil {
		s.metrics.InternalErrors.Add(1)
		writeError(w, internal("encode annotated image: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Persons-Count", strconv.Itoa(res.PersonsCount))
	w.Header().Set("X-PPE-Compliant", strconv.FormatBool(res.Compliant))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleValidatePPE(w http.ResponseWriter, r *http.Request) {
	_, agg, res, ok := s.evaluate(w, r)
	if !ok {
		return
	}
	writeJSON(w, format.Validation(res, agg.PPEError, s.now()))
}
