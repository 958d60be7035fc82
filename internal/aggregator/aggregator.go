// Package aggregator combines the pose and PPE detectors into one per-frame
// evidence set.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/metrics"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/pose"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/ppeclient"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// ErrPose wraps pose detector failures. They abort the cycle.
var ErrPose = errors.New("pose detection failed")

// PPEDetector is the remote PPE item detector.
type PPEDetector interface {
	Detect(ctx context.Context, image []byte, confidence float64) (*ppeclient.DetectResponse, error)
}

// Aggregate is the evidence gathered for one frame.
type Aggregate struct {
	Persons       []types.Person
	RawDetections []types.RawDetection
	Summary       types.DetectorSummary
	// PPEError is set when the PPE detector could not contribute. The frame
	// is then judged on zero PPE evidence.
	PPEError string
}

// Aggregator runs both detectors for a frame. It holds no per-frame state.
type Aggregator struct {
	pose    pose.Detector
	ppe     PPEDetector
	metrics *metrics.Metrics
}

// New returns an Aggregator. m may be nil.
func New(poseDetector pose.Detector, ppe PPEDetector, m *metrics.Metrics) *Aggregator {
	return &Aggregator{pose: poseDetector, ppe: ppe, metrics: m}
}

// Aggregate runs pose detection and then PPE detection on frame.
// A pose failure is returned as an error wrapping ErrPose. A PPE failure
// only degrades the result.
func (a *Aggregator) Aggregate(ctx context.Context, frame *imaging.Frame, confidence float64) (*Aggregate, error) {
	persons, err := a.DetectPose(ctx, frame, confidence)
	if err != nil {
		return nil, err
	}

	out := &Aggregate{Persons: persons, RawDetections: []types.RawDetection{}}
	resp, err := a.DetectPPE(ctx, frame, confidence)
	if err != nil {
		out.PPEError = err.Error()
		return out, nil
	}
	out.RawDetections = resp.Detections
	out.Summary = resp.Summary
	return out, nil
}

// DetectPose runs only the pose detector.
func (a *Aggregator) DetectPose(ctx context.Context, frame *imaging.Frame, confidence float64) ([]types.Person, error) {
	start := time.Now()
	persons, err := a.pose.Detect(ctx, frame.Image, confidence)
	if err != nil {
		if a.metrics != nil {
			a.metrics.PoseErrors.Add(1)
		}
		return nil, fmt.Errorf("%w: %v", ErrPose, err)
	}
	if a.metrics != nil {
		a.metrics.UpdatePoseLatency(time.Since(start))
	}
	if persons == nil {
		persons = []types.Person{}
	}
	return persons, nil
}

// DetectPPE runs only the PPE detector. Errors wrap ppeclient.ErrUnavailable
// or ppeclient.ErrMalformed.
func (a *Aggregator) DetectPPE(ctx context.Context, frame *imaging.Frame, confidence float64) (*ppeclient.DetectResponse, error) {
	start := time.Now()
	resp, err := a.ppe.Detect(ctx, frame.Data, confidence)
	if a.metrics != nil {
		a.metrics.UpdatePPELatency(time.Since(start))
	}
	if err != nil {
		a.countPPEError(err)
		logger.Warn("Aggregator", "PPE detection degraded: %v", err)
		return nil, err
	}
	logger.Debug("Aggregator", "PPE detector returned %d items in %v", len(resp.Detections), time.Since(start))
	return resp, nil
}

func (a *Aggregator) countPPEError(err error) {
	if a.metrics == nil {
		return
	}
	if errors.Is(err, ppeclient.ErrMalformed) {
		a.metrics.PPEMalformed.Add(1)
	} else {
		a.metrics.PPEUnavailable.Add(1)
	}
}
