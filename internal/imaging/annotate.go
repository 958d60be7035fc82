package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

var (
	personColor   = color.RGBA{0, 255, 0, 255}
	keypointColor = color.RGBA{0, 0, 255, 255}
	ppeColor      = color.RGBA{0, 0, 255, 255}
)

const strokeWidth = 2

// Annotate returns a copy of src with person boxes, keypoints and PPE
// detections drawn on top. src is never modified.
func Annotate(src image.Image, persons []types.Person, dets []types.RawDetection) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	for _, p := range persons {
		if box, ok := p.Box(); ok {
			drawRect(dst, box, personColor)
			drawLabel(dst, int(box[0]), int(box[1])-4, "Person", personColor)
		}
		for _, kp := range p.Keypoints {
			if len(kp) < 2 || !inside(dst.Rect, kp[0], kp[1]) {
				continue
			}
			fillCircle(dst, int(kp[0]), int(kp[1]), 3, keypointColor)
		}
	}

	for _, d := range dets {
		if !drawRect(dst, d.BBox, ppeColor) {
			continue
		}
		drawLabel(dst, int(d.BBox[0]), int(d.BBox[1])-4, fmt.Sprintf("%s: %.2f", d.Class, d.Confidence), ppeColor)
	}
	return dst
}

func inside(r image.Rectangle, x, y float64) bool {
	return x >= float64(r.Min.X) && x < float64(r.Max.X) &&
		y >= float64(r.Min.Y) && y < float64(r.Max.Y)
}

// clampBox limits box to just outside r so edges beyond the image are
// skipped by setPixel. It reports false for boxes that miss r entirely.
func clampBox(r image.Rectangle, box types.BBox) (x1, y1, x2, y2 int, ok bool) {
	for _, v := range box {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, 0, 0, false
		}
	}
	if box[2] < box[0] || box[3] < box[1] ||
		box[2] < float64(r.Min.X) || box[0] >= float64(r.Max.X) ||
		box[3] < float64(r.Min.Y) || box[1] >= float64(r.Max.Y) {
		return 0, 0, 0, 0, false
	}
	lo := func(v float64, edge int) int { return int(math.Max(v, float64(edge-strokeWidth))) }
	hi := func(v float64, edge int) int { return int(math.Min(v, float64(edge+strokeWidth))) }
	return lo(box[0], r.Min.X), lo(box[1], r.Min.Y), hi(box[2], r.Max.X), hi(box[3], r.Max.Y), true
}

func drawRect(img *image.RGBA, box types.BBox, c color.RGBA) bool {
	x1, y1, x2, y2, ok := clampBox(img.Rect, box)
	if !ok {
		return false
	}
	for t := 0; t < strokeWidth; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(img, x, y1+t, c)
			setPixel(img, x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			setPixel(img, x1+t, y, c)
			setPixel(img, x2-t, y, c)
		}
	}
	return true
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

// drawLabel writes text with its baseline at y, clamped inside the image.
func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// AnnotateJPEG renders the annotated frame and encodes it as JPEG.
func AnnotateJPEG(src image.Image, persons []types.Person, dets []types.RawDetection) ([]byte, error) {
	return EncodeJPEG(Annotate(src, persons, dets), 90)
}
