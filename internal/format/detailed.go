// Package format renders aggregated detections and compliance results into
// the payload shapes served over REST and the streaming session.
package format

import (
	"math"
	"strings"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/compliance"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// ClassStats aggregates detections sharing one raw label.
type ClassStats struct {
	Count           int     `json:"count"`
	TotalConfidence float64 `json:"totalConfidence"`
	AvgConfidence   float64 `json:"avgConfidence"`
}

// ValidationBlock is the compliance section of the detailed view.
type ValidationBlock struct {
	IsComplete     bool     `json:"isComplete"`
	CompletionRate float64  `json:"completionRate"`
	Missing        []string `json:"missing"`
}

// PoseBlock is the pose section of the detailed view.
type PoseBlock struct {
	TotalPersons int            `json:"total_persons"`
	Persons      []types.Person `json:"persons"`
}

// PPEBlock is the PPE section of the detailed view.
type PPEBlock struct {
	TotalDetections   int                    `json:"totalDetections"`
	DetectionsByClass map[string]*ClassStats `json:"detectionsByClass"`
	Detections        []types.RawDetection   `json:"detections"`
	Validation        ValidationBlock        `json:"validation"`
}

// Summary is the headline numbers of the detailed view.
type Summary struct {
	TotalPersons   int     `json:"total_persons"`
	TotalPPEItems  int     `json:"total_ppe_items"`
	CompletionRate float64 `json:"completion_rate"`
	Compliant      bool    `json:"compliant"`
	Status         string  `json:"status"`
}

// DetailedView is the full breakdown returned by the combined REST detection.
type DetailedView struct {
	Success       bool      `json:"success"`
	PoseDetection PoseBlock `json:"pose_detection"`
	PPEDetection  PPEBlock  `json:"ppe_detection"`
	Summary       Summary   `json:"summary"`
	PPEError      string    `json:"ppe_error,omitempty"`
	Timestamp     string    `json:"timestamp"`
}

// Detailed builds the per-label breakdown view.
func Detailed(persons []types.Person, dets []types.RawDetection, res compliance.Result, ppeErr string, now time.Time) DetailedView {
	byClass := make(map[string]*ClassStats)
	for _, d := range dets {
		label := strings.ToLower(d.Class)
		st, ok := byClass[label]
		if !ok {
			st = &ClassStats{}
			byClass[label] = st
		}
		st.Count++
		st.TotalConfidence += d.Confidence
	}
	for _, st := range byClass {
		st.AvgConfidence = st.TotalConfidence / float64(st.Count)
	}

	rate := round2(compliance.CompletionRate(res))
	if persons == nil {
		persons = []types.Person{}
	}
	if dets == nil {
		dets = []types.RawDetection{}
	}

	return DetailedView{
		Success: true,
		PoseDetection: PoseBlock{
			TotalPersons: len(persons),
			Persons:      persons,
		},
		PPEDetection: PPEBlock{
			TotalDetections:   len(dets),
			DetectionsByClass: byClass,
			Detections:        dets,
			Validation: ValidationBlock{
				IsComplete:     res.Compliant,
				CompletionRate: rate,
				Missing:        res.MissingNames(),
			},
		},
		Summary: Summary{
			TotalPersons:   len(persons),
			TotalPPEItems:  len(dets),
			CompletionRate: rate,
			Compliant:      res.Compliant,
			Status:         res.Status(),
		},
		PPEError:  ppeErr,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// ValidationView is the verdict-centric payload of the validation endpoint.
type ValidationView struct {
	Success    bool           `json:"success"`
	Validation ValidationBody `json:"validation"`
	PPEError   string         `json:"ppe_error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ValidationBody carries the verdict details.
type ValidationBody struct {
	Message        string                                           `json:"message"`
	Safe           bool                                             `json:"safe"`
	Status         string                                           `json:"status"`
	CompletionRate float64                                          `json:"completionRate"`
	PersonsCount   int                                              `json:"persons_count"`
	Detected       []string                                         `json:"detected"`
	Missing        []string                                         `json:"missing"`
	Categories     map[compliance.Category]compliance.CategoryCheck `json:"categories"`
}

// Validation builds the verdict view.
func Validation(res compliance.Result, ppeErr string, now time.Time) ValidationView {
	detected := make([]string, 0, len(compliance.Categories))
	for _, c := range compliance.Categories {
		if res.Detected[c] > 0 {
			detected = append(detected, string(c))
		}
	}

	return ValidationView{
		Success: true,
		Validation: ValidationBody{
			Message:        verdictMessage(res),
			Safe:           res.Compliant,
			Status:         res.Status(),
			CompletionRate: round2(compliance.CompletionRate(res)),
			PersonsCount:   res.PersonsCount,
			Detected:       detected,
			Missing:        res.MissingNames(),
			Categories:     res.Checks,
		},
		PPEError:  ppeErr,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func verdictMessage(res compliance.Result) string {
	switch {
	case res.PersonsCount == 0:
		return "No persons detected"
	case res.Compliant:
		return "All required PPE detected"
	default:
		return "Missing PPE: " + strings.Join(res.MissingNames(), ", ")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
