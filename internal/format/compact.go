package format

import (
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/compliance"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// PPEStatus holds one presence flag per category plus the overall verdict.
type PPEStatus struct {
	Helmet   bool `json:"helmet"`
	Glasses  bool `json:"glasses"`
	Gloves   bool `json:"gloves"`
	Boots    bool `json:"boots"`
	Vest     bool `json:"vest"`
	Shirt    bool `json:"shirt"`
	Pants    bool `json:"pants"`
	Mask     bool `json:"mask"`
	Complete bool `json:"complete"`
}

// Get returns the flag for c.
func (s PPEStatus) Get(c compliance.Category) bool {
	switch c {
	case compliance.Helmet:
		return s.Helmet
	case compliance.Glasses:
		return s.Glasses
	case compliance.Gloves:
		return s.Gloves
	case compliance.Boots:
		return s.Boots
	case compliance.Vest:
		return s.Vest
	case compliance.Shirt:
		return s.Shirt
	case compliance.Pants:
		return s.Pants
	case compliance.Mask:
		return s.Mask
	}
	return false
}

func (s *PPEStatus) set(c compliance.Category, v bool) {
	switch c {
	case compliance.Helmet:
		s.Helmet = v
	case compliance.Glasses:
		s.Glasses = v
	case compliance.Gloves:
		s.Gloves = v
	case compliance.Boots:
		s.Boots = v
	case compliance.Vest:
		s.Vest = v
	case compliance.Shirt:
		s.Shirt = v
	case compliance.Pants:
		s.Pants = v
	case compliance.Mask:
		s.Mask = v
	}
}

// BodyRegion is a named area of a person used by overlay clients.
type BodyRegion struct {
	Name       string      `json:"name"`
	BBox       []float64   `json:"bbox"`
	Keypoints  [][]float64 `json:"keypoints"`
	Confidence float64     `json:"confidence"`
}

// CompactView is the per-frame payload pushed to streaming clients.
type CompactView struct {
	PPEStatus      PPEStatus            `json:"ppe_status"`
	Detections     []types.RawDetection `json:"detections"`
	IsCompliant    bool                 `json:"is_compliant"`
	HasPerson      bool                 `json:"has_person"`
	Missing        []string             `json:"missing"`
	BodyRegions    []BodyRegion         `json:"body_regions"`
	ImageWidth     int                  `json:"image_width"`
	ImageHeight    int                  `json:"image_height"`
	ProcessingTime float64              `json:"processing_time"`
	PPEError       string               `json:"ppe_error,omitempty"`
}

// Compact builds the streaming view.
//
// The per-category flags use count >= max(1, persons), so with zero persons
// every flag is false even though the validator reports the frame compliant.
// Complete always mirrors the validator.
func Compact(persons []types.Person, dets []types.RawDetection, res compliance.Result, width, height int, elapsed time.Duration, ppeErr string) CompactView {
	required := res.PersonsCount
	if required < 1 {
		required = 1
	}

	var status PPEStatus
	for _, c := range compliance.Categories {
		status.set(c, res.Detected[c] >= required)
	}
	status.Complete = res.Compliant

	regions := make([]BodyRegion, 0, len(persons))
	for _, p := range persons {
		box, ok := p.Box()
		if !ok || !box.Valid() {
			continue
		}
		regions = append(regions, BodyRegion{
			Name:       "torso",
			BBox:       []float64{box[0], box[1], box[2], box[3]},
			Keypoints:  padKeypoints(p.Keypoints),
			Confidence: p.Confidence,
		})
	}

	if dets == nil {
		dets = []types.RawDetection{}
	}

	return CompactView{
		PPEStatus:      status,
		Detections:     dets,
		IsCompliant:    res.Compliant,
		HasPerson:      len(persons) > 0,
		Missing:        res.MissingNames(),
		BodyRegions:    regions,
		ImageWidth:     width,
		ImageHeight:    height,
		ProcessingTime: round2(float64(elapsed.Microseconds()) / 1000),
		PPEError:       ppeErr,
	}
}

// padKeypoints normalises keypoints to (x, y, confidence) triples.
// Pairs get confidence 1.0; shorter tuples are dropped.
func padKeypoints(kps [][]float64) [][]float64 {
	out := make([][]float64, 0, len(kps))
	for _, kp := range kps {
		switch {
		case len(kp) >= 3:
			out = append(out, []float64{kp[0], kp[1], kp[2]})
		case len(kp) == 2:
			out = append(out, []float64{kp[0], kp[1], 1.0})
		}
	}
	return out
}
