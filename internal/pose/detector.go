// Package pose finds people and their body keypoints in a still image.
package pose

import (
	"context"
	"image"

	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// Detector locates persons in an image. Implementations must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confidence float64) ([]types.Person, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img image.Image, confidence float64) ([]types.Person, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image, confidence float64) ([]types.Person, error) {
	return f(ctx, img, confidence)
}
