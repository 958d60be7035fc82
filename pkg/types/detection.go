package types

// BBox is an axis-aligned box in pixel coordinates: [x1, y1, x2, y2].
type BBox [4]float64

// Valid reports whether the box is ordered (x1<=x2, y1<=y2).
func (b BBox) Valid() bool {
	return b[0] <= b[2] && b[1] <= b[3]
}

// Width returns x2-x1.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns y2-y1.
func (b BBox) Height() float64 { return b[3] - b[1] }

// RawDetection is a single PPE item as reported by the PPE detector service.
type RawDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Person is a single body found by the pose detector.
// Keypoints are (x, y) or (x, y, confidence) tuples.
type Person struct {
	BBox       []float64   `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Keypoints  [][]float64 `json:"keypoints"`
}

// Box returns the person's bbox as a BBox and whether it has four values.
func (p Person) Box() (BBox, bool) {
	if len(p.BBox) != 4 {
		return BBox{}, false
	}
	return BBox{p.BBox[0], p.BBox[1], p.BBox[2], p.BBox[3]}, true
}

// DetectorSummary is the optional summary block returned alongside PPE detections.
type DetectorSummary map[string]any
